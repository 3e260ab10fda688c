package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/logging"
	"github.com/invisible-tech/insider-threat-pipeline/internal/pipeline"
	"github.com/invisible-tech/insider-threat-pipeline/internal/version"
	"github.com/invisible-tech/insider-threat-pipeline/internal/watch"
)

func main() {
	cfg, err := config.Load(config.GetEnv("ITP_CONFIG", ""))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log := logging.New(cfg.Log)

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"release": cfg.Dataset.Release,
		"raw_dir": cfg.ReleaseDir(),
		"pod":     os.Getenv("POD_NAME"),
	}).Info("Starting pipeline watcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runner, err := pipeline.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create pipeline runner")
	}
	w, err := watch.New(watch.Config{
		WatchPaths: []string{cfg.ReleaseDir()},
		Debounce:   cfg.Watch.Debounce,
		RunOnStart: cfg.Watch.RunOnStart,
	}, runner, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create watcher")
	}

	go func() {
		if err := w.Start(ctx); err != nil {
			log.WithError(err).Error("Watcher error")
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := w.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}

	log.WithField("runs", w.Runs()).Info("Watcher shutdown complete")
}
