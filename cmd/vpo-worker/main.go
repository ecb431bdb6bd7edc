package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/randomparity/vpo-sub001/jobapi/storage"
	"github.com/randomparity/vpo-sub001/jobapi/types"
	"github.com/randomparity/vpo-sub001/jobapi/worker"
	"github.com/randomparity/vpo-sub001/setup"
	"github.com/randomparity/vpo-sub001/setup/config"
	"github.com/randomparity/vpo-sub001/setup/process"
)

var (
	configPath = flag.String("config", "vpo.yaml", "The path to the config file")
	maxFiles   = flag.Int("max-files", 0, "Override worker.max_files for this run")
	endBy      = flag.String("end-by", "", "Override worker.end_by for this run (HH:MM)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalf("Failed to load %q", *configPath)
	}
	if *maxFiles > 0 {
		cfg.Worker.MaxFiles = *maxFiles
	}
	if *endBy != "" {
		if _, _, err := config.ParseEndBy(*endBy); err != nil {
			logrus.WithError(err).Fatal("Invalid -end-by value")
		}
		cfg.Worker.EndBy = *endBy
	}

	setup.SetupLogging(&cfg.Logging)
	sentryActive := setup.SetupSentry(&cfg.Logging)

	db, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open job database")
	}

	executors := worker.NewTypeMux()
	executors.Register(types.JobTypeMove, worker.ExecutorFunc(executeMove))

	processCtx := process.NewProcessContext()
	w := worker.New(cfg, db, executors, processCtx)
	go func() {
		w.Run()
		// A worker that stops on its own (limits hit) should take the
		// process down with it.
		processCtx.ShutdownProcess()
	}()

	setup.WaitForShutdown(processCtx, sentryActive)
}

// executeMove relocates a file within the library. Transcode and scan
// executors live with the media pipeline and are registered by the
// deployments that carry it.
func executeMove(ctx context.Context, job *types.Job, limits worker.Limits, progress worker.ProgressFunc) (*worker.Result, error) {
	var payload struct {
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid move payload: %w", err)
	}
	if payload.Destination == "" {
		return nil, fmt.Errorf("move payload missing destination")
	}
	if err := os.MkdirAll(filepath.Dir(payload.Destination), 0o755); err != nil {
		return nil, err
	}
	progress(types.ProgressUpdate{Percent: 50, Detail: "moving file"})
	if err := os.Rename(job.FilePath, payload.Destination); err != nil {
		return nil, err
	}
	progress(types.ProgressUpdate{Percent: 100, Detail: "moved"})
	return &worker.Result{OutputPath: payload.Destination}, nil
}
