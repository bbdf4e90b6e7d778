// Package registry owns the set of live supervised services, indexed both
// by name and by each of their captured stream fds, and drives reaping.
package registry

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kindling-project/kindling/config"
	"github.com/kindling-project/kindling/service"
)

// Registry owns every live Service, keyed by name for lookup and by fd for
// the watcher's event dispatch. Unlike the draft this was distilled from,
// which kept separate stdout_map/stderr_map tables (and a bug where
// get_srvc_from_stderr read stdout_map instead), there is a single fd index
// shared by both streams: one table, so there is nothing to confuse it with.
type Registry struct {
	byName map[string]*service.Service
	byPid  map[int]*service.Service
	byFd   map[int]*service.Service
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*service.Service),
		byPid:  make(map[int]*service.Service),
		byFd:   make(map[int]*service.Service),
	}
}

// SpawnAll launches every spec, indexing each successfully started service
// by name and by fd. It does not stop at the first failure: every spec gets
// a spawn attempt, and every failure is returned so the caller can decide
// whether a single bad service should be fatal.
func (r *Registry) SpawnAll(specs []config.ServiceSpec) []error {
	var errs []error
	for _, spec := range specs {
		if err := r.spawnOne(spec); err != nil {
			errs = append(errs, errors.Wrapf(err, "spawn %q", spec.Name))
		}
	}
	return errs
}

func (r *Registry) spawnOne(spec config.ServiceSpec) error {
	if _, exists := r.byName[spec.Name]; exists {
		// Duplicate names are a manifest authoring error, not a runtime
		// condition to recover from.
		panic("registry: duplicate service name " + spec.Name)
	}

	svc, err := service.Spawn(spec)
	if err != nil {
		return err
	}

	r.byName[spec.Name] = svc
	r.byPid[svc.Pid] = svc
	if svc.Stdout != nil {
		r.byFd[svc.Stdout.Fd()] = svc
	}
	if svc.Stderr != nil && svc.Stderr != svc.Stdout {
		r.byFd[svc.Stderr.Fd()] = svc
	}
	return nil
}

// GetByFd looks up the service owning a captured stream fd.
func (r *Registry) GetByFd(fd int) (*service.Service, bool) {
	svc, ok := r.byFd[fd]
	return svc, ok
}

// GetByName looks up a service by its configured name.
func (r *Registry) GetByName(name string) (*service.Service, bool) {
	svc, ok := r.byName[name]
	return svc, ok
}

// IsEmpty reports whether every spawned service has been reaped.
func (r *Registry) IsEmpty() bool {
	return len(r.byName) == 0
}

// Remove drops a service from every index. Called by Reap once a pid has
// been waited on; exported so teardown can also force-remove a service
// whose process was killed out of band.
func (r *Registry) Remove(pid int) {
	svc, ok := r.byPid[pid]
	if !ok {
		return
	}
	if svc.Stdout != nil {
		delete(r.byFd, svc.Stdout.Fd())
	}
	if svc.Stderr != nil && svc.Stderr != svc.Stdout {
		delete(r.byFd, svc.Stderr.Fd())
	}
	delete(r.byPid, pid)
	delete(r.byName, svc.Name)
}

// Reap drains every already-exited child without blocking. A must_be_up
// service exiting nonzero, or being killed by a signal, terminates the
// whole supervisor (status code, or -1 for signal death); anything else is
// removed from the registry and returned in the batch for the caller to
// flush its buses. The loop ends on ECHILD (no children left at all) or
// "no more exited children right now".
func (r *Registry) Reap() []*service.Service {
	var reaped []*service.Service
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil {
			if err == syscall.ECHILD {
				break
			}
			logrus.WithError(err).Warn("registry: wait4 failed")
			break
		}
		if pid <= 0 {
			// 0 means "children exist but none have exited yet".
			break
		}

		svcPtr, found := r.byPid[pid]
		if !found {
			// Reaped a pid the registry never spawned (e.g. an orphaned
			// grandchild reparented to us); nothing to flush or remove.
			continue
		}

		switch {
		case ws.Exited():
			status := ws.ExitStatus()
			if status != 0 && svcPtr.MustBeUp {
				logrus.WithFields(logrus.Fields{
					"service": svcPtr.Name,
					"status":  status,
				}).Error("must_be_up service exited nonzero, terminating")
				os.Exit(status)
			}
			r.Remove(pid)
			reaped = append(reaped, svcPtr)
		case ws.Signaled():
			if svcPtr.MustBeUp {
				logrus.WithFields(logrus.Fields{
					"service": svcPtr.Name,
					"signal":  ws.Signal(),
				}).Error("must_be_up service killed by signal, terminating")
				os.Exit(-1)
			}
			r.Remove(pid)
			reaped = append(reaped, svcPtr)
		default:
			// Stopped/continued notifications are not exits; keep draining.
		}
	}
	return reaped
}
