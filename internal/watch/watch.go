// Package watch re-runs the pipeline when the raw files of a release change.
package watch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/insider-threat-pipeline/internal/pipeline"
	"github.com/invisible-tech/insider-threat-pipeline/pkg/fileintegrity"
)

// Runner executes one full pipeline run.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Summary, error)
}

// Config for the watcher.
type Config struct {
	WatchPaths []string
	// Debounce is the quiet period after the last change before a run starts.
	Debounce time.Duration
	// RunOnStart triggers a run as soon as the watcher starts.
	RunOnStart bool
}

// Watcher turns raw file changes into debounced pipeline runs.
type Watcher struct {
	cfg     Config
	log     *logrus.Logger
	runner  Runner
	fileMon *fileintegrity.FileMonitor
	changes chan fileintegrity.Change

	runs atomic.Int64
	wg   sync.WaitGroup
}

// New creates a Watcher over cfg.WatchPaths.
func New(cfg Config, runner Runner, log *logrus.Logger) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	w := &Watcher{
		cfg:     cfg,
		log:     log,
		runner:  runner,
		changes: make(chan fileintegrity.Change, 256),
	}
	var err error
	w.fileMon, err = fileintegrity.New(fileintegrity.Config{
		WatchPaths: cfg.WatchPaths,
		Filter:     fileintegrity.CSVFiles,
		Changes:    w.changes,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create file monitor: %w", err)
	}
	return w, nil
}

// Runs returns how many pipeline runs have finished.
func (w *Watcher) Runs() int {
	return int(w.runs.Load())
}

// Start watches for changes until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.log.WithFields(logrus.Fields{
		"paths":    w.cfg.WatchPaths,
		"debounce": w.cfg.Debounce.String(),
	}).Info("Starting raw data watcher")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.fileMon.Start(ctx)
	}()

	timer := time.NewTimer(0)
	if !w.cfg.RunOnStart {
		timer.Stop()
	}
	defer timer.Stop()

	pending := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-w.changes:
			pending++
			w.log.WithFields(logrus.Fields{
				"path":      c.Path,
				"operation": c.Operation,
				"old_hash":  c.OldHash,
				"new_hash":  c.NewHash,
			}).Info("Raw file changed")
			timer.Reset(w.cfg.Debounce)
		case <-timer.C:
			w.run(ctx, pending)
			pending = 0
		}
	}
}

func (w *Watcher) run(ctx context.Context, changes int) {
	log := w.log.WithField("changes", changes)
	log.Info("Triggering pipeline run")
	sum, err := w.runner.Run(ctx)
	w.runs.Add(1)
	if sum != nil {
		log = log.WithFields(logrus.Fields{"run_id": sum.RunID, "dir": sum.Dir})
	}
	if err != nil {
		log.WithError(err).Error("Pipeline run failed")
		return
	}
	log.WithFields(logrus.Fields{
		"events":    sum.Events,
		"vectors":   sum.Vectors,
		"alerts":    sum.Alerts,
		"positives": sum.Positives,
		"model_id":  sum.ModelID,
	}).Info("Pipeline run completed")
}

// Shutdown waits for the file monitor to stop, up to ctx's deadline.
func (w *Watcher) Shutdown(ctx context.Context) error {
	w.log.Info("Shutting down watcher")
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log.Info("Watcher stopped")
	case <-ctx.Done():
		w.log.Warn("Shutdown timeout, file monitor may not have stopped cleanly")
	}
	return nil
}
