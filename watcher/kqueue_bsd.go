//go:build darwin || freebsd || openbsd

package watcher

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kindling-project/kindling/buffd"
)

// kqueueWatcher is the BSD/Darwin backend: reactive, level-triggered.
type kqueueWatcher struct {
	kq       int
	watching map[unix.Signal]bool
	fdstore  map[int]*buffd.BufFd
}

func newKqueue() (*kqueueWatcher, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue")
	}
	return &kqueueWatcher{
		kq:       kq,
		watching: make(map[unix.Signal]bool),
		fdstore:  make(map[int]*buffd.BufFd),
	}, nil
}

func (w *kqueueWatcher) WatchSignal(sig unix.Signal) error {
	if w.watching[sig] {
		return nil
	}
	if err := blockSignal(sig); err != nil {
		return err
	}
	changes := []unix.Kevent_t{{
		Ident:  uint64(sig),
		Filter: unix.EVFILT_SIGNAL,
		Flags:  unix.EV_ADD,
	}}
	if _, err := unix.Kevent(w.kq, changes, nil, nil); err != nil {
		return errors.Wrapf(err, "kevent EV_ADD signal %s", signalName(sig))
	}
	w.watching[sig] = true
	return nil
}

func (w *kqueueWatcher) WatchFd(fd int, capacity int) error {
	if _, exists := w.fdstore[fd]; exists {
		return nil
	}
	changes := []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}}
	if _, err := unix.Kevent(w.kq, changes, nil, nil); err != nil {
		return errors.Wrapf(err, "kevent EV_ADD fd %d", fd)
	}
	w.fdstore[fd] = buffd.New(fd, capacity)
	return nil
}

func (w *kqueueWatcher) poll(block bool) (*Event, error) {
	events := make([]unix.Kevent_t, 1)
	var timeout *unix.Timespec
	if !block {
		timeout = &unix.Timespec{}
	}
	n, err := unix.Kevent(w.kq, nil, events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "kevent wait")
	}
	if n == 0 {
		return nil, nil
	}

	ev := events[0]
	if ev.Filter == unix.EVFILT_SIGNAL {
		return &Event{Kind: EventSignal, Signal: unix.Signal(ev.Ident)}, nil
	}

	fd := int(ev.Ident)
	buf, ok := w.fdstore[fd]
	if !ok {
		panic(errors.Errorf("watcher: kevent for untracked fd %d", fd))
	}

	bytesReady := int(ev.Data)
	n, err = buf.Read(&bytesReady)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		delete(w.fdstore, fd)
		return nil, nil
	}
	return &Event{Kind: EventFile, Fd: fd, Bytes: buf.Data()}, nil
}

func (w *kqueueWatcher) PollBlock() (*Event, error) {
	return w.poll(true)
}

func (w *kqueueWatcher) PollNoBlock() (*Event, error) {
	return w.poll(false)
}

func (w *kqueueWatcher) Close() error {
	return unix.Close(w.kq)
}
