package service

import (
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/kindling-project/kindling/config"
)

func waitExit(t *testing.T, pid int) syscall.WaitStatus {
	t.Helper()
	var ws syscall.WaitStatus
	for i := 0; i < 100; i++ {
		wpid, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
		assert.NilError(t, err)
		if wpid == pid {
			return ws
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pid %d never exited", pid)
	return ws
}

func TestSpawnCapturesStdout(t *testing.T) {
	svc, err := Spawn(config.ServiceSpec{
		Name: "echoer",
		Exec: []string{"/usr/bin/echo", "hello"},
		Stdout: config.StreamSpec{Watch: true},
		Stderr: config.StreamSpec{Watch: true},
	})
	assert.NilError(t, err)
	defer svc.Close()

	ws := waitExit(t, svc.Pid)
	assert.Check(t, is.Equal(ws.ExitStatus(), 0))

	// Give the pipe a moment to become readable after the child exits.
	time.Sleep(20 * time.Millisecond)
	n, err := svc.Stdout.Read(nil)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(svc.Stdout.Data()[:n]), "hello\n"))
}

func TestSpawnReplacesArgv0WithBasename(t *testing.T) {
	// /usr/bin/sh -c 'echo "$0"' prints argv[0] as seen by the child.
	svc, err := Spawn(config.ServiceSpec{
		Name:   "argv0",
		Exec:   []string{"/usr/bin/sh", "-c", `echo "$0"`},
		Stdout: config.StreamSpec{Watch: true},
		Stderr: config.StreamSpec{Watch: true},
	})
	assert.NilError(t, err)
	defer svc.Close()

	waitExit(t, svc.Pid)
	time.Sleep(20 * time.Millisecond)
	n, err := svc.Stdout.Read(nil)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(svc.Stdout.Data()[:n]), "sh\n"))
}

func TestSpawnDisabledStreamHasNoBufFd(t *testing.T) {
	svc, err := Spawn(config.ServiceSpec{
		Name:   "quiet",
		Exec:   []string{"/usr/bin/true"},
		Stdout: config.StreamSpec{Watch: false},
		Stderr: config.StreamSpec{Watch: false},
	})
	assert.NilError(t, err)
	defer svc.Close()

	waitExit(t, svc.Pid)
	assert.Check(t, svc.Stdout == nil)
	assert.Check(t, svc.Stderr == nil)
}

func TestSpawnNonzeroExitStatus(t *testing.T) {
	svc, err := Spawn(config.ServiceSpec{
		Name:     "failer",
		Exec:     []string{"/usr/bin/false"},
		MustBeUp: true,
		Stdout:   config.StreamSpec{Watch: true},
		Stderr:   config.StreamSpec{Watch: true},
	})
	assert.NilError(t, err)
	defer svc.Close()

	ws := waitExit(t, svc.Pid)
	assert.Check(t, is.Equal(ws.ExitStatus(), 1))
	assert.Check(t, svc.MustBeUp)
}

func TestSpawnReadEndIsNonblocking(t *testing.T) {
	svc, err := Spawn(config.ServiceSpec{
		Name:   "sleeper",
		Exec:   []string{"/usr/bin/sh", "-c", "sleep 1"},
		Stdout: config.StreamSpec{Watch: true},
		Stderr: config.StreamSpec{Watch: true},
	})
	assert.NilError(t, err)
	defer func() {
		unix.Kill(svc.Pid, unix.SIGKILL)
		waitExit(t, svc.Pid)
		svc.Close()
	}()

	n, err := svc.Stdout.Read(nil)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 0))
}

func TestSpawnEmptyExecErrors(t *testing.T) {
	_, err := Spawn(config.ServiceSpec{Name: "nothing"})
	assert.Check(t, err != nil)
}
