package watcher

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kindling-project/kindling/buffd"
	"github.com/kindling-project/kindling/internal/ioring"
)

// ioringWatcher is the opt-in Linux proactive backend. Unlike epoll it
// submits a read per watched fd up front and only wakes up once the kernel
// has already copied data into the buffer, instead of waking up to be told
// data is available and then issuing the read itself.
//
// The signalfd is folded into the same ring: it gets exactly the same
// submit-read/resubmit treatment as any other watched fd, userData 0 marks
// it so completions can be routed without a second map lookup.
type ioringWatcher struct {
	ring *ioring.Ring

	sigfd   int
	sigmask unix.Sigset_t
	sigbuf  []byte
	watching map[unix.Signal]bool

	fdstore map[int]*buffd.BufFd
}

const sigfdUserData = 0

func newIoUring() (*ioringWatcher, error) {
	ring, err := ioring.New(64)
	if err != nil {
		return nil, err
	}
	return &ioringWatcher{
		ring:     ring,
		sigfd:    -1,
		watching: make(map[unix.Signal]bool),
		fdstore:  make(map[int]*buffd.BufFd),
	}, nil
}

func (w *ioringWatcher) WatchSignal(sig unix.Signal) error {
	if w.watching[sig] {
		return nil
	}
	if err := blockSignal(sig); err != nil {
		return err
	}
	sigsetAdd(&w.sigmask, sig)

	first := w.sigfd < 0
	flags := unix.SFD_NONBLOCK | unix.SFD_CLOEXEC
	fd, err := unix.Signalfd(w.sigfd, &w.sigmask, flags)
	if err != nil {
		return errors.Wrap(err, "signalfd")
	}
	w.sigfd = fd
	w.watching[sig] = true

	if first {
		w.sigbuf = make([]byte, unix.SizeofSignalfdSiginfo)
		if err := w.ring.SubmitRead(w.sigfd, w.sigbuf, sigfdUserData); err != nil {
			return errors.Wrap(err, "submit initial signalfd read")
		}
	}
	return nil
}

func (w *ioringWatcher) WatchFd(fd int, capacity int) error {
	if _, exists := w.fdstore[fd]; exists {
		return nil
	}
	buf := buffd.New(fd, capacity)
	w.fdstore[fd] = buf
	return w.ring.SubmitRead(fd, buf.Buffer(), uint64(fd))
}

func (w *ioringWatcher) handleCompletion(userData uint64, res int32) (*Event, error) {
	if userData == sigfdUserData {
		if res <= 0 {
			return nil, errors.Errorf("watcher: signalfd read failed: res=%d", res)
		}
		info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&w.sigbuf[0]))
		sig := unix.Signal(info.Signo)
		if err := w.ring.SubmitRead(w.sigfd, w.sigbuf, sigfdUserData); err != nil {
			return nil, errors.Wrap(err, "resubmit signalfd read")
		}
		return &Event{Kind: EventSignal, Signal: sig}, nil
	}

	fd := int(userData)
	buf, ok := w.fdstore[fd]
	if !ok {
		panic(errors.Errorf("watcher: io_uring completion for untracked fd %d", fd))
	}

	if res <= 0 {
		delete(w.fdstore, fd)
		return nil, nil
	}

	buf.SetLen(int(res))
	event := &Event{Kind: EventFile, Fd: fd, Bytes: buf.Data()}
	if err := w.ring.SubmitRead(fd, buf.Buffer(), uint64(fd)); err != nil {
		return nil, errors.Wrapf(err, "resubmit read fd %d", fd)
	}
	return event, nil
}

func (w *ioringWatcher) PollBlock() (*Event, error) {
	userData, res, err := w.ring.WaitCompletion()
	if err != nil {
		return nil, err
	}
	defer w.ring.AdvanceCompletion()
	return w.handleCompletion(userData, res)
}

func (w *ioringWatcher) PollNoBlock() (*Event, error) {
	userData, res, ok := w.ring.PeekCompletion()
	if !ok {
		return nil, nil
	}
	defer w.ring.AdvanceCompletion()
	return w.handleCompletion(userData, res)
}

func (w *ioringWatcher) Close() error {
	if w.sigfd >= 0 {
		unix.Close(w.sigfd)
	}
	return w.ring.Close()
}
