// Package service spawns and owns the runtime state of one supervised child
// process: its pid, its must_be_up policy, and the non-blocking read ends of
// whichever of its stdout/stderr streams are being captured.
package service

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kindling-project/kindling/buffd"
	"github.com/kindling-project/kindling/config"
)

// Service is a running, supervised child process.
type Service struct {
	Name     string
	Pid      int
	MustBeUp bool

	// Stdout and Stderr are nil when the corresponding stream's StreamSpec
	// has Watch == false; the child's fd is /dev/null in that case and no
	// read end exists in the parent. With spec.TTY both point at the same
	// pty master BufFd and Watch is not consulted.
	Stdout *buffd.BufFd
	Stderr *buffd.BufFd

	// ttyMaster keeps the pty master's *os.File reachable for the Service's
	// lifetime when spec.TTY is set. Without this, nothing would reference
	// the *os.File pty.Open returns once Spawn's locals go out of scope, and
	// its finalizer would close the fd BufFd is still reading from.
	ttyMaster *os.File
}

// setNonblocking puts fd into non-blocking mode; the watcher backends all
// require this, reactive ones to avoid blocking the single event loop
// thread on a partial read, the proactive one because io_uring submissions
// assume the fd won't itself stall the ring.
func setNonblocking(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return errors.Wrapf(err, "fcntl F_GETFL fd %d", fd)
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	if err != nil {
		return errors.Wrapf(err, "fcntl F_SETFL fd %d", fd)
	}
	return nil
}

// streamEnds is one captured stream's raw parent-side read end (-1 when the
// stream is disabled) and the raw fd handed to the child as stdout/stderr.
// Both are plain ints rather than *os.File: an *os.File that nothing keeps
// referenced is fair game for the garbage collector, whose finalizer would
// close the underlying fd out from under whichever BufFd still owns it.
type streamEnds struct {
	parentRead int
	childWrite int
}

func openStream(spec config.StreamSpec) (streamEnds, error) {
	if !spec.Watch {
		fd, err := unix.Open(os.DevNull, unix.O_WRONLY, 0)
		if err != nil {
			return streamEnds{}, errors.Wrap(err, "open /dev/null")
		}
		return streamEnds{parentRead: -1, childWrite: fd}, nil
	}

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return streamEnds{}, errors.Wrap(err, "create pipe")
	}
	return streamEnds{parentRead: fds[0], childWrite: fds[1]}, nil
}

func closeEnds(e streamEnds) {
	if e.parentRead >= 0 {
		unix.Close(e.parentRead)
	}
	if e.childWrite >= 0 {
		unix.Close(e.childWrite)
	}
}

// Spawn forks and execs spec.Exec[0], wiring its stdout/stderr to pipes (or
// a shared pty pair if spec.TTY) and returning the parent-side Service
// handle. argv[0] is replaced with the resolved binary's basename so the
// child's self-identification in ps/logs matches convention, while the
// absolute path in spec.Exec[0] is still what gets exec'd.
func Spawn(spec config.ServiceSpec) (*Service, error) {
	if len(spec.Exec) == 0 {
		return nil, errors.Errorf("service %q: exec is empty", spec.Name)
	}

	var (
		stdoutEnds, stderrEnds streamEnds
		ttyMaster              *os.File
		err                    error
	)

	if spec.TTY {
		var ttySlave *os.File
		ttyMaster, ttySlave, err = pty.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "service %q: open pty", spec.Name)
		}
		defer ttySlave.Close()
		stdoutEnds = streamEnds{parentRead: int(ttyMaster.Fd()), childWrite: int(ttySlave.Fd())}
		stderrEnds = stdoutEnds
	} else {
		stdoutEnds, err = openStream(spec.Stdout)
		if err != nil {
			return nil, errors.Wrapf(err, "service %q: stdout", spec.Name)
		}
		stderrEnds, err = openStream(spec.Stderr)
		if err != nil {
			closeEnds(stdoutEnds)
			return nil, errors.Wrapf(err, "service %q: stderr", spec.Name)
		}
	}

	argv0 := filepath.Base(spec.Exec[0])
	argv := append([]string{argv0}, spec.Exec[1:]...)

	// Children inherit the supervisor's own stdin, matching the original
	// fork()-based implementation this was distilled from, which never
	// redirects it.
	attr := &syscall.ProcAttr{
		Env:   append(os.Environ(), spec.Env...),
		Files: []uintptr{os.Stdin.Fd(), uintptr(stdoutEnds.childWrite), uintptr(stderrEnds.childWrite)},
	}

	pid, err := syscall.ForkExec(spec.Exec[0], argv, attr)
	if err != nil {
		closeEnds(stdoutEnds)
		if !spec.TTY {
			closeEnds(stderrEnds)
		}
		return nil, errors.Wrapf(err, "service %q: fork/exec %q", spec.Name, spec.Exec[0])
	}

	// The parent no longer needs the child's write ends (or /dev/null). The
	// tty slave is closed by the deferred ttySlave.Close() above instead.
	if !spec.TTY {
		unix.Close(stdoutEnds.childWrite)
		unix.Close(stderrEnds.childWrite)
	}

	svc := &Service{Name: spec.Name, Pid: pid, MustBeUp: spec.MustBeUp, ttyMaster: ttyMaster}

	if stdoutEnds.parentRead >= 0 {
		if err := setNonblocking(stdoutEnds.parentRead); err != nil {
			return nil, errors.Wrapf(err, "service %q: stdout nonblocking", spec.Name)
		}
		svc.Stdout = buffd.New(stdoutEnds.parentRead, nonZero(int(spec.Stdout.ReadBufsize)))
	}

	if spec.TTY {
		// stdout and stderr share the same pty master; do not open it twice.
		svc.Stderr = svc.Stdout
		return svc, nil
	}

	if stderrEnds.parentRead >= 0 {
		if err := setNonblocking(stderrEnds.parentRead); err != nil {
			return nil, errors.Wrapf(err, "service %q: stderr nonblocking", spec.Name)
		}
		svc.Stderr = buffd.New(stderrEnds.parentRead, nonZero(int(spec.Stderr.ReadBufsize)))
	}

	return svc, nil
}

func nonZero(n int) int {
	if n <= 0 {
		return 2048
	}
	return n
}

// Close releases this service's captured-stream fds without waiting for the
// child.
func (s *Service) Close() error {
	var firstErr error
	if s.Stdout != nil {
		if err := s.Stdout.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.Stderr != nil && s.Stderr != s.Stdout {
		if err := s.Stderr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
