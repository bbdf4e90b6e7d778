package watcher

import "github.com/sirupsen/logrus"

// New returns the epoll backend by default, or the io_uring backend when
// aio is "io_uring" -- falling back to epoll if the running kernel can't
// set up a ring (pre-5.4, or io_uring disabled by seccomp/sysctl) rather
// than failing the whole supervisor over an ambient-stack preference.
func New(aio string) (Watcher, error) {
	if aio != "io_uring" {
		return newEpoll()
	}
	w, err := newIoUring()
	if err != nil {
		logrus.WithError(err).Warn("watcher: io_uring unavailable, falling back to epoll")
		return newEpoll()
	}
	return w, nil
}
