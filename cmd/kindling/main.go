// Command kindling runs as an init-style process supervisor: read a
// manifest of services to launch, spawn and watch them, and stay running
// until every one of them has exited.
package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kindling-project/kindling/config"
	"github.com/kindling-project/kindling/metrics"
	"github.com/kindling-project/kindling/supervisor"
)

// runIDHook stamps every log entry with this process's run ID, so an
// aggregator watching multiple restarts over time can tell them apart.
type runIDHook struct{ runID string }

func (h runIDHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h runIDHook) Fire(e *logrus.Entry) error {
	e.Data["run_id"] = h.runID
	return nil
}

var (
	configPath  string
	logLevel    string
	metricsAddr string
	aio         string
)

var rootCmd = &cobra.Command{
	Use:   "kindling",
	Short: "A minimal init-style process supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		runID := uuid.New().String()
		logrus.AddHook(runIDHook{runID: runID})

		cfg, err := config.Load(configPath)
		if err != nil {
			logrus.WithError(err).Fatal("kindling: failed to load config")
		}

		if metricsAddr != "" {
			srv, err := metrics.Serve(metricsAddr)
			if err != nil {
				logrus.WithError(err).Fatal("kindling: failed to start metrics server")
			}
			defer srv.Close()
		}

		sup, err := supervisor.New(aio, runID)
		if err != nil {
			logrus.WithError(err).Fatal("kindling: failed to construct supervisor")
		}

		if err := sup.Start(cfg); err != nil {
			logrus.WithError(err).Fatal("kindling: failed to start services")
		}

		return sup.Run()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "kindling.toml", "path to the service manifest")
	flags.StringVar(&logLevel, "log-level", "info", "logging level (panic, fatal, error, warn, info, debug, trace)")
	flags.StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	flags.StringVar(&aio, "aio", "", "async I/O backend on linux: \"\" (epoll, default) or \"io_uring\"")
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("kindling: exiting")
		os.Exit(1)
	}
}
