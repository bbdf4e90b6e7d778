// Package supervisor wires the Registry, the Bus per captured stream, and a
// Watcher together into the run loop: spawn every configured service, block
// on events until every service has exited, flush what's left, tear down.
package supervisor

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kindling-project/kindling/buffd"
	"github.com/kindling-project/kindling/bus"
	"github.com/kindling-project/kindling/config"
	"github.com/kindling-project/kindling/metrics"
	"github.com/kindling-project/kindling/registry"
	"github.com/kindling-project/kindling/sink"
	"github.com/kindling-project/kindling/watcher"
)

// streamLabel names a captured stream fd for metric labeling.
type streamLabel struct {
	service string
	stream  string
}

// Supervisor owns the Registry, the Watcher, and one Bus per captured
// stream fd, and drives the blocking run loop over them.
type Supervisor struct {
	registry *registry.Registry
	watcher  watcher.Watcher
	buses    map[int]*bus.Bus
	labels   map[int]streamLabel
	runID    string
}

// New constructs a Supervisor with a Watcher backend selected per aio
// ("", "epoll", or "io_uring" -- anything other than "io_uring" is treated
// as the platform default), and immediately arms SIGCHLD delivery. runID
// identifies this run in every log line and in the boot banner written to
// each configured log-file sink, so log aggregation downstream can tell
// restarts apart; it is never persisted.
//
// SIGCHLD must be blocked here, before Start spawns any service: blocking it
// is what turns its delivery into a signalfd/kevent notification instead of
// an asynchronous interrupt (spec.md §5, §9). Blocking it after spawning
// services would leave a window where a fast-exiting child's SIGCHLD arrives
// while unblocked -- default disposition is Ignore, so the signal is simply
// dropped, the zombie is never reaped, and the run loop blocks in
// PollBlock forever waiting for a notification that already came and went.
func New(aio, runID string) (*Supervisor, error) {
	w, err := watcher.New(aio)
	if err != nil {
		return nil, errors.Wrap(err, "construct watcher")
	}
	if err := w.WatchSignal(unix.SIGCHLD); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "arm SIGCHLD")
	}
	return &Supervisor{
		registry: registry.New(),
		watcher:  w,
		buses:    make(map[int]*bus.Bus),
		labels:   make(map[int]streamLabel),
		runID:    runID,
	}, nil
}

// Start spawns every service in cfg, builds and wires a Bus for each
// captured stream, and attaches every configured consumer's sink. SIGCHLD
// delivery is already armed by New, before this spawns anything. Per-service
// spawn failures are collected and returned together rather than aborting
// after the first one, so a single typo'd exec path doesn't take down every
// other service's chance to start; the caller (cmd/kindling) treats a
// non-empty return as fatal.
func (s *Supervisor) Start(cfg *config.File) error {
	if errs := s.registry.SpawnAll(cfg.Services); len(errs) > 0 {
		return combineErrors(errs)
	}

	for _, spec := range cfg.Services {
		svc, ok := s.registry.GetByName(spec.Name)
		if !ok {
			continue // spawn failed for this one; already reported above
		}
		if err := s.armStream(svc.Stdout, spec.Stdout.BusBufsize, spec.Stdout.ReadBufsize, spec.Name, "stdout"); err != nil {
			return errors.Wrapf(err, "service %q: stdout", spec.Name)
		}
		if svc.Stderr != svc.Stdout {
			if err := s.armStream(svc.Stderr, spec.Stderr.BusBufsize, spec.Stderr.ReadBufsize, spec.Name, "stderr"); err != nil {
				return errors.Wrapf(err, "service %q: stderr", spec.Name)
			}
		}
	}

	for _, cons := range cfg.Consumers {
		if err := s.wireConsumer(cons); err != nil {
			return err
		}
	}

	// SIGCHLD is already armed by New, before any service here was spawned
	// -- see New's doc comment for why that ordering matters.
	return nil
}

// armStream is a no-op for a disabled stream (bufFd == nil); otherwise it
// creates that stream's Bus and registers its fd with the Watcher.
func (s *Supervisor) armStream(bufFd *buffd.BufFd, busBufsize, readBufsize config.ByteSize, serviceName, stream string) error {
	if bufFd == nil {
		return nil
	}
	fd := bufFd.Fd()
	if _, exists := s.buses[fd]; exists {
		return nil
	}
	s.buses[fd] = bus.New(int(busBufsize))
	s.labels[fd] = streamLabel{service: serviceName, stream: stream}
	return s.watcher.WatchFd(fd, int(readBufsize))
}

func (s *Supervisor) wireConsumer(cons config.ConsumerSpec) error {
	svc, ok := s.registry.GetByName(cons.Consumes.Service)
	if !ok {
		return errors.Errorf("consumer refers to unknown service %q", cons.Consumes.Service)
	}

	var fd int
	switch cons.Consumes.Stream {
	case "stdout":
		if svc.Stdout == nil {
			return errors.Errorf("consumer refers to %s's stdout, which is not captured", svc.Name)
		}
		fd = svc.Stdout.Fd()
	case "stderr":
		if svc.Stderr == nil {
			return errors.Errorf("consumer refers to %s's stderr, which is not captured", svc.Name)
		}
		fd = svc.Stderr.Fd()
	default:
		return errors.Errorf("consumer: unknown stream %q", cons.Consumes.Stream)
	}

	b, ok := s.buses[fd]
	if !ok {
		return errors.Errorf("consumer refers to %s's %s, which has no Bus armed", svc.Name, cons.Consumes.Stream)
	}

	snk, err := s.buildSink(cons.Kind)
	if err != nil {
		return err
	}
	b.AddConsumer(snk)
	return nil
}

// buildSink constructs the concrete sink for a ConsumerKind. A new log file
// gets a one-line boot banner naming this run, so restarts are visible in
// an aggregated tail of the file without kindling persisting anything
// itself.
func (s *Supervisor) buildSink(kind config.ConsumerKind) (sink.Sink, error) {
	switch kind.Kind {
	case "log":
		lf, err := sink.NewLogFile(kind.Path)
		if err != nil {
			return nil, err
		}
		banner := fmt.Sprintf("=== kindling run %s started %s ===\n", s.runID, time.Now().UTC().Format(time.RFC3339))
		if _, err := lf.Write([]byte(banner)); err != nil {
			return nil, errors.Wrapf(err, "write boot banner to %q", kind.Path)
		}
		return lf, nil
	case "stdout":
		return sink.Stdout{}, nil
	case "stderr":
		return sink.Stderr{}, nil
	default:
		return nil, errors.Errorf("consumer kind: unknown kind %q", kind.Kind)
	}
}

func combineErrors(errs []error) error {
	msg := "supervisor: one or more services failed to spawn:"
	for _, e := range errs {
		msg += " " + e.Error() + ";"
	}
	return errors.New(msg)
}

// Run blocks until every spawned service has been reaped, then drains any
// remaining ready events without blocking, flushes every Bus, and closes
// every captured stream fd.
func (s *Supervisor) Run() error {
	for !s.registry.IsEmpty() {
		ev, err := s.watcher.PollBlock()
		if err != nil {
			return errors.Wrap(err, "poll block")
		}
		if ev == nil {
			continue
		}
		if err := s.dispatch(ev); err != nil {
			return err
		}
	}

	for {
		ev, err := s.watcher.PollNoBlock()
		if err != nil {
			return errors.Wrap(err, "poll no-block")
		}
		if ev == nil {
			break
		}
		if err := s.dispatch(ev); err != nil {
			return err
		}
	}

	for fd, b := range s.buses {
		b.Close()
		unix.Close(fd)
	}
	return s.watcher.Close()
}

func (s *Supervisor) dispatch(ev *watcher.Event) error {
	switch ev.Kind {
	case watcher.EventSignal:
		if ev.Signal == unix.SIGCHLD {
			return s.handleSigchld()
		}
		onOtherSignal(ev.Signal)
		return nil
	case watcher.EventFile:
		b, ok := s.buses[ev.Fd]
		if !ok {
			return nil
		}
		label := s.labels[ev.Fd]
		metrics.BytesTotal.WithLabelValues(label.service, label.stream).Add(float64(len(ev.Bytes)))
		if err := b.Consume(ev.Bytes); err != nil {
			metrics.SinkErrors.WithLabelValues(label.stream).Inc()
			return errors.Wrapf(err, "consume fd %d", ev.Fd)
		}
		return nil
	default:
		return nil
	}
}

// handleSigchld reaps every already-exited child and flushes its streams'
// buses. A service's bus is only flushed here, on reap, never the moment
// an individual stream hits EOF first -- see bus.Bus's doc comment for why
// this ordering is preserved rather than tightened.
func (s *Supervisor) handleSigchld() error {
	for _, svc := range s.registry.Reap() {
		metrics.Reaped.Inc()
		if svc.Stdout != nil {
			if b, ok := s.buses[svc.Stdout.Fd()]; ok {
				if err := b.Flush(); err != nil {
					return errors.Wrapf(err, "flush %s stdout", svc.Name)
				}
			}
		}
		if svc.Stderr != nil && svc.Stderr != svc.Stdout {
			if b, ok := s.buses[svc.Stderr.Fd()]; ok {
				if err := b.Flush(); err != nil {
					return errors.Wrapf(err, "flush %s stderr", svc.Name)
				}
			}
		}
	}
	return nil
}

// onOtherSignal is the named slot for any watched signal besides SIGCHLD.
// Nothing arms a non-SIGCHLD signal today, so this is unreachable in
// practice; it exists so the decision to not forward e.g. SIGTERM to
// supervised children has a place to live instead of being silently absent.
func onOtherSignal(sig unix.Signal) {
	logrus.WithField("signal", watcher.SignalName(sig)).Debug("supervisor: signal has no handler, dropping")
}
