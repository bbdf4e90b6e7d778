package watcher

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kindling-project/kindling/buffd"
)

// epollWatcher is the default Linux backend: reactive, level-triggered
// (EPOLLIN without EPOLLET), so an fd that still holds unread bytes after
// one Read is reported again on the next poll.
// SIGCHLD (and any other watched signal) is delivered via a non-blocking
// signalfd registered into the same epoll set as the captured stream fds.
type epollWatcher struct {
	epfd     int
	sigfd    int
	sigmask  unix.Sigset_t
	watching map[unix.Signal]bool
	fdstore  map[int]*buffd.BufFd
	events   [1]unix.EpollEvent
}

func newEpoll() (*epollWatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}

	w := &epollWatcher{
		epfd:     epfd,
		sigfd:    -1,
		watching: make(map[unix.Signal]bool),
		fdstore:  make(map[int]*buffd.BufFd),
	}
	return w, nil
}

// ensureSigfd lazily creates the signalfd on first WatchSignal call, sized
// to the accumulated mask of every signal watched so far.
func (w *epollWatcher) ensureSigfd() error {
	flags := unix.SFD_NONBLOCK | unix.SFD_CLOEXEC
	fd, err := unix.Signalfd(w.sigfd, &w.sigmask, flags)
	if err != nil {
		return errors.Wrap(err, "signalfd")
	}
	if w.sigfd < 0 {
		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			unix.Close(fd)
			return errors.Wrap(err, "epoll_ctl add signalfd")
		}
	}
	w.sigfd = fd
	return nil
}

func (w *epollWatcher) WatchSignal(sig unix.Signal) error {
	if w.watching[sig] {
		return nil
	}
	if err := blockSignal(sig); err != nil {
		return err
	}
	sigsetAdd(&w.sigmask, sig)
	if err := w.ensureSigfd(); err != nil {
		return err
	}
	w.watching[sig] = true
	return nil
}

func (w *epollWatcher) WatchFd(fd int, capacity int) error {
	if _, exists := w.fdstore[fd]; exists {
		return nil
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return errors.Wrapf(err, "epoll_ctl add fd %d", fd)
	}
	w.fdstore[fd] = buffd.New(fd, capacity)
	return nil
}

func (w *epollWatcher) poll(timeoutMs int) (*Event, error) {
	n, err := unix.EpollWait(w.epfd, w.events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "epoll_wait")
	}
	if n == 0 {
		return nil, nil
	}

	fd := int(w.events[0].Fd)

	if fd == w.sigfd {
		raw := make([]byte, unix.SizeofSignalfdSiginfo)
		_, err := unix.Read(w.sigfd, raw)
		if err != nil {
			if err == unix.EAGAIN {
				return nil, nil
			}
			return nil, errors.Wrap(err, "read signalfd")
		}
		info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&raw[0]))
		return &Event{Kind: EventSignal, Signal: unix.Signal(info.Signo)}, nil
	}

	buf, ok := w.fdstore[fd]
	if !ok {
		// Matches the original's handling of this condition: an event for an
		// fd the watcher never registered indicates a programming error.
		panic(errors.Errorf("watcher: epoll event for untracked fd %d", fd))
	}

	n, err = buf.Read(nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(w.fdstore, fd)
		return nil, nil
	}
	return &Event{Kind: EventFile, Fd: fd, Bytes: buf.Data()}, nil
}

func (w *epollWatcher) PollBlock() (*Event, error) {
	return w.poll(-1)
}

func (w *epollWatcher) PollNoBlock() (*Event, error) {
	return w.poll(0)
}

func (w *epollWatcher) Close() error {
	if w.sigfd >= 0 {
		unix.Close(w.sigfd)
	}
	return unix.Close(w.epfd)
}
