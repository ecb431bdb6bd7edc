// Package setup wires the pieces every binary needs before doing real
// work: logging, crash reporting and signal-driven shutdown.
package setup

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/randomparity/vpo-sub001/setup/config"
	"github.com/randomparity/vpo-sub001/setup/process"
)

// SetupLogging configures logrus from the logging section.
func SetupLogging(cfg *config.Logging) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
		FullTimestamp:    true,
		DisableColors:    true,
		DisableTimestamp: false,
		QuoteEmptyFields: true,
	})
}

// SetupSentry initialises the Sentry client if a DSN is configured.
// Returns whether Sentry is active so callers know to flush on exit.
func SetupSentry(cfg *config.Logging) bool {
	if cfg.SentryDSN == "" {
		return false
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
		logrus.WithError(err).Error("Failed to start Sentry")
		return false
	}
	return true
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives or shutdown
// is requested internally, then waits for all registered components to
// finish.
func WaitForShutdown(processCtx *process.ProcessContext, sentryActive bool) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	logrus.Warnf("Shutdown signal received")

	processCtx.ShutdownProcess()
	processCtx.WaitForComponentsToFinish()
	if sentryActive {
		if !sentry.Flush(time.Second * 5) {
			logrus.Warnf("failed to flush all Sentry events!")
		}
	}
	logrus.Warnf("Exiting now")
}
