package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/randomparity/vpo-sub001/jobapi/approval"
	"github.com/randomparity/vpo-sub001/jobapi/retention"
	"github.com/randomparity/vpo-sub001/jobapi/routing"
	"github.com/randomparity/vpo-sub001/jobapi/storage"
	"github.com/randomparity/vpo-sub001/setup"
	"github.com/randomparity/vpo-sub001/setup/config"
	"github.com/randomparity/vpo-sub001/setup/process"
)

var configPath = flag.String("config", "vpo.yaml", "The path to the config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalf("Failed to load %q", *configPath)
	}
	setup.SetupLogging(&cfg.Logging)
	sentryActive := setup.SetupSentry(&cfg.Logging)

	db, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open job database")
	}

	router := mux.NewRouter()
	routing.Setup(router, cfg, db,
		approval.NewService(cfg, db),
		retention.NewService(db, &cfg.JobQueue),
	)

	processCtx := process.NewProcessContext()
	server := &http.Server{
		Addr:         cfg.API.ListenAddress,
		Handler:      router,
		ReadTimeout:  time.Second * 30,
		WriteTimeout: time.Second * 30,
	}

	processCtx.ComponentStarted()
	go func() {
		defer processCtx.ComponentFinished()
		logrus.WithField("address", cfg.API.ListenAddress).Info("Admin API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("Admin API failed")
			processCtx.ShutdownProcess()
		}
	}()
	go func() {
		<-processCtx.WaitForShutdown()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	setup.WaitForShutdown(processCtx, sentryActive)
}
