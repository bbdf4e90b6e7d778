package buffd

import (
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func pipeNonBlocking(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	assert.NilError(t, unix.Pipe(fds))
	flags, err := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFL, 0)
	assert.NilError(t, err)
	_, err = unix.FcntlInt(uintptr(fds[0]), unix.F_SETFL, flags|unix.O_NONBLOCK)
	assert.NilError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadDrainsAvailableBytes(t *testing.T) {
	r, w := pipeNonBlocking(t)
	b := New(r, 8)

	_, err := unix.Write(w, []byte("hello"))
	assert.NilError(t, err)

	n, err := b.Read(nil)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 5))
	assert.Check(t, is.DeepEqual(b.Data(), []byte("hello")))
}

func TestReadNoDataReturnsZero(t *testing.T) {
	r, _ := pipeNonBlocking(t)
	b := New(r, 8)

	n, err := b.Read(nil)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 0))
	assert.Check(t, is.Len(b.Data(), 0))
}

func TestReadReportsHintMismatchButSucceeds(t *testing.T) {
	r, w := pipeNonBlocking(t)
	b := New(r, 8)

	_, err := unix.Write(w, []byte("ab"))
	assert.NilError(t, err)

	wrongHint := 99
	n, err := b.Read(&wrongHint)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 2))
}

func TestCapacityNeverChanges(t *testing.T) {
	r, w := pipeNonBlocking(t)
	b := New(r, 4)
	assert.Check(t, is.Equal(b.Cap(), 4))

	_, err := unix.Write(w, []byte("abcdef"))
	assert.NilError(t, err)
	_, err = b.Read(nil)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(b.Cap(), 4))
}

func TestSetLenForProactiveBackends(t *testing.T) {
	r, _ := pipeNonBlocking(t)
	b := New(r, 8)
	copy(b.buffer, []byte("xyz"))
	b.SetLen(3)
	assert.Check(t, is.DeepEqual(b.Data(), []byte("xyz")))
}

func TestBufferExposesFullCapacityRegardlessOfLen(t *testing.T) {
	r, _ := pipeNonBlocking(t)
	b := New(r, 8)
	assert.Check(t, is.Len(b.Buffer(), 8))
	b.SetLen(3)
	assert.Check(t, is.Len(b.Buffer(), 8))
	assert.Check(t, is.Len(b.Data(), 3))
}
