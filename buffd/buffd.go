// Package buffd pairs an owned, non-blocking file descriptor with the
// fixed-size buffer that kernel-facing watcher backends read into.
package buffd

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// BufFd owns fd and the buffer the kernel reads/writes into on its behalf.
// The descriptor and buffer share a lifetime so a pointer handed to a
// proactive backend (io_uring) stays valid until its completion lands.
type BufFd struct {
	fd     int
	buffer []byte
	len    int
}

// New takes ownership of fd, which the caller must already have placed in
// non-blocking mode, and allocates a capacity-sized read buffer for it.
func New(fd, capacity int) *BufFd {
	return &BufFd{
		fd:     fd,
		buffer: make([]byte, capacity),
	}
}

// Fd returns the raw descriptor.
func (b *BufFd) Fd() int { return b.fd }

// Cap returns the buffer's fixed capacity.
func (b *BufFd) Cap() int { return cap(b.buffer) }

// Len returns the count of currently valid bytes.
func (b *BufFd) Len() int { return b.len }

// Data returns buffer[:len]. The slice is only valid until the next Read or
// SetLen call.
func (b *BufFd) Data() []byte { return b.buffer[:b.len] }

// Ptr returns a pointer to the start of the backing buffer, for backends
// (io_uring) that hand the kernel a raw address to read into directly.
func (b *BufFd) Ptr() unsafe.Pointer {
	if len(b.buffer) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.buffer[0])
}

// Buffer returns the full backing buffer (not sliced to Len), for a
// proactive backend that submits it as the target of a kernel read before
// any bytes have landed.
func (b *BufFd) Buffer() []byte { return b.buffer }

// SetLen is used by proactive backends that already received n bytes into
// the buffer via a completion, bypassing Read.
func (b *BufFd) SetLen(n int) { b.len = n }

// Read performs one non-blocking read into buffer, sets len to the count
// read, and returns that count. EAGAIN/EWOULDBLOCK is normalized to (0, nil)
// with len left at 0 -- epoll/kqueue already told the caller data might be
// ready, so a dry read just means "try again next readiness event". If
// bytesReady is non-nil (the reactive level-triggered kqueue backend passes
// the kevent data field) and disagrees with the actual count read, that is
// logged but not fatal.
func (b *BufFd) Read(bytesReady *int) (int, error) {
	n, err := unix.Read(b.fd, b.buffer)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			b.len = 0
			return 0, nil
		}
		return 0, errors.Wrapf(err, "read fd %d", b.fd)
	}
	b.len = n
	if bytesReady != nil && *bytesReady != n {
		logrus.WithFields(logrus.Fields{
			"fd":     b.fd,
			"hinted": *bytesReady,
			"actual": n,
		}).Debug("buffd: readiness hint disagreed with bytes read")
	}
	return n, nil
}

// Close closes the owned descriptor.
func (b *BufFd) Close() error {
	return unix.Close(b.fd)
}
