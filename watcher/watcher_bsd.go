//go:build darwin || freebsd || openbsd

package watcher

import "github.com/sirupsen/logrus"

// New returns the kqueue backend. There is no proactive backend on
// BSD/Darwin; a request for io_uring is logged and ignored rather than
// failing the whole supervisor over an ambient-stack preference.
func New(aio string) (Watcher, error) {
	if aio == "io_uring" {
		logrus.Warn("watcher: io_uring requested but only available on linux, falling back to kqueue")
	}
	return newKqueue()
}
