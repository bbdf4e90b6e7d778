// Package metrics exposes kindling's own operator-facing counters over
// HTTP, via prometheus/client_golang. Binding this listener is the one
// place kindling itself opens a network socket; supervised children never
// see it and never reach it.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// Reaped counts every child the registry has waited on, regardless of
	// exit reason.
	Reaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kindling_reaped_total",
		Help: "Total number of supervised child processes reaped.",
	})

	// BytesTotal counts captured stream bytes delivered to a Bus, labeled by
	// service name and stream ("stdout"/"stderr").
	BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindling_bytes_total",
		Help: "Total captured stream bytes consumed by a service's Bus.",
	}, []string{"service", "stream"})

	// SinkErrors counts Bus write failures. Its "sink" label holds the
	// captured stream ("stdout"/"stderr") whose Bus failed; which sink of
	// that Bus returned the error is not recorded.
	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindling_sink_errors_total",
		Help: "Total write errors returned by a sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(Reaped, BytesTotal, SinkErrors)
}

// Server serves the /metrics endpoint on addr until its Close is called or
// the process exits.
type Server struct {
	http *http.Server
}

// Serve starts the HTTP listener in a background goroutine. A bind failure
// is returned synchronously; failures after that point (e.g. the listener
// dying mid-run) are logged, not propagated, since the supervisor's own
// operation never depends on this endpoint staying up.
func Serve(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "metrics: listen %q", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Warn("metrics: server stopped unexpectedly")
		}
	}()

	logrus.WithField("addr", addr).Info("metrics: serving /metrics")
	return &Server{http: srv}, nil
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.http.Shutdown(context.Background())
}
