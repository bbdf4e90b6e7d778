package watcher

import (
	"github.com/moby/sys/signal"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// blockSignal blocks sig process-wide, by blocking it on the calling OS
// thread while holding it locked -- the concurrency model's single-threaded
// run loop means this is equivalent to blocking it process-wide (see
// os/signal's own use of PthreadSigmask), and avoids the default disposition
// (terminate, for most signals) racing a Watcher that hasn't registered it
// yet. This must run before any service is spawned (supervisor.New does so,
// before supervisor.Start's first SpawnAll), or a child that exits in the
// gap between spawn and blocking can deliver its SIGCHLD while unblocked,
// losing it. Once blocked here, children would otherwise inherit the
// blocked mask across fork -- but service.Spawn forks via syscall.ForkExec,
// whose child-side exec path always resets the signal mask to empty before
// calling execve (a deliberate stdlib guarantee, since the Go runtime itself
// blocks signals on arbitrary threads for its own signal-handling goroutine
// and exec'd children must still see default signal dispositions), so
// children see an unblocked mask regardless of what the parent has blocked.
func blockSignal(sig unix.Signal) error {
	var set unix.Sigset_t
	sigsetAdd(&set, sig)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return errors.Wrapf(err, "block signal %s", signalName(sig))
	}
	return nil
}

// sigsetAdd sets the bit for sig in set. unix.Sigset_t has no portable
// "add one signal" helper; its Val array is one word per 64 signals with
// signal n occupying bit (n-1) of word (n-1)/64, same layout the kernel
// itself uses for sigset_t.
func sigsetAdd(set *unix.Sigset_t, sig unix.Signal) {
	n := uint(sig) - 1
	set.Val[n/64] |= 1 << (n % 64)
}

// signalNames renders a signal as its moby/sys/signal SignalMap key with a
// "SIG" prefix ("SIGCHLD" instead of "17"), for log lines. moby/sys/signal exports the
// name->number direction (SignalMap, ParseSignal) but not the reverse, so
// the lookup table is inverted once here instead.
var signalNames = invertSignalMap()

func invertSignalMap() map[unix.Signal]string {
	m := make(map[unix.Signal]string, len(signal.SignalMap))
	for name, sig := range signal.SignalMap {
		m[unix.Signal(sig)] = "SIG" + name
	}
	return m
}

func signalName(sig unix.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return "unknown"
}

// SignalName is signalName exported for the run loop's own logging of
// signals it doesn't otherwise have a name table for (supervisor.onOtherSignal).
func SignalName(sig unix.Signal) string {
	return signalName(sig)
}

func logUnhandledSignal(sig unix.Signal) {
	logrus.WithField("signal", signalName(sig)).Debug("watcher: signal has no handler registered, dropping")
}
