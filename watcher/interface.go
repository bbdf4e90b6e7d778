// Package watcher unifies SIGCHLD delivery and per-stream readiness (or, for
// the io_uring backend, completion) notification behind one portable
// interface, with a concrete backend selected per GOOS: epoll (Linux,
// reactive, default), kqueue (BSD/Darwin, reactive), or io_uring (Linux,
// proactive, opt-in).
package watcher

import "golang.org/x/sys/unix"

// EventKind tags which half of the Event union is populated.
type EventKind int

const (
	// EventSignal carries a delivered signal number.
	EventSignal EventKind = iota
	// EventFile carries bytes read from (or completed on) a watched fd.
	EventFile
)

// Event is the Go rendering of the original's Signal(signo) / File(fd,
// bytes) tagged union. Bytes borrows from the Watcher-owned BufFd backing
// the fd; it is only valid until the next PollBlock/PollNoBlock call --
// callers must copy or fully consume it before polling again.
type Event struct {
	Kind   EventKind
	Signal unix.Signal
	Fd     int
	Bytes  []byte
}

// Watcher is the contract the run loop depends on; backend internals
// (fdstore, signal mask and signalfd, any ring) never leak past this
// interface.
type Watcher interface {
	// WatchSignal arms delivery of signal as an Event. Must be called before
	// the signal can be observed; idempotent (a repeat call is a no-op).
	WatchSignal(signal unix.Signal) error

	// WatchFd begins watching fd for readability (or, proactively, submits
	// its first read), with a capacity-sized buffer. Idempotent per fd.
	WatchFd(fd int, capacity int) error

	// PollBlock waits for and returns the next event. (nil, nil) is a
	// legitimate "spurious wakeup, nothing to report" result.
	PollBlock() (*Event, error)

	// PollNoBlock is PollBlock's non-blocking counterpart, used during
	// teardown to drain whatever is already ready without waiting.
	PollNoBlock() (*Event, error)

	// Close releases backend resources (epoll fd, signalfd, kqueue fd, or
	// the io_uring ring). Watched fds themselves are owned by their
	// Services, not the Watcher, and are not closed here.
	Close() error
}
