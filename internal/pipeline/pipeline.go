// Package pipeline orchestrates the stages of a run: ingestion, feature
// building, label join, training and evaluation. Each stage reads the
// artifact of the previous one from the run directory and writes its own.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/insider-threat-pipeline/internal/artifact"
	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/evaluation"
	"github.com/invisible-tech/insider-threat-pipeline/internal/metrics"
)

// Stage names as recorded in the manifest and in metric labels.
const (
	StageIngest   = "ingest"
	StageFeatures = "features"
	StageLabels   = "label"
	StageTrain    = "train"
	StageEvaluate = "evaluate"
)

// StageError reports a failed stage together with the counts it had
// reached when it stopped.
type StageError struct {
	Stage  string
	Counts map[string]int
	Err    error
}

func (e *StageError) Error() string {
	if len(e.Counts) == 0 {
		return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
	}
	keys := make([]string, 0, len(e.Counts))
	for k := range e.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, e.Counts[k])
	}
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, strings.Join(parts, " "), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Summary is the outcome of a full Run.
type Summary struct {
	RunID     string
	Dir       string
	Events    int
	Vectors   int
	Alerts    int
	Examples  int
	Positives int
	ModelID   string
	Report    *evaluation.Report
}

// Runner executes pipeline stages against the run directories of one release.
type Runner struct {
	cfg   config.Config
	log   *logrus.Logger
	store *artifact.Store
	loc   *time.Location
	now   func() time.Time
}

// New creates a Runner. cfg must be valid.
func New(cfg config.Config, log *logrus.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:   cfg,
		log:   log,
		store: artifact.NewStore(cfg.Dataset.ProcessedRoot, cfg.Dataset.Release),
		loc:   loc,
		now:   time.Now,
	}, nil
}

// Store returns the run store of the configured release.
func (r *Runner) Store() *artifact.Store {
	return r.store
}

// Begin creates a new run directory with its initial manifest, including
// the hashes of the raw input files. Metrics start over from zero.
func (r *Runner) Begin() (*artifact.Run, error) {
	run, err := r.store.NewRun(r.now())
	if err != nil {
		return nil, err
	}
	metrics.Reset()
	m := artifact.NewManifest(run, r.cfg, r.now())
	if err := m.HashInputs(r.cfg.ReleaseDir()); err != nil {
		return nil, err
	}
	if err := run.WriteManifest(m); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"dir":     run.Dir,
		"release": r.cfg.Dataset.Release,
		"inputs":  len(m.Inputs),
	}).Info("Started pipeline run")
	return run, nil
}

// Resume opens an existing run, or the latest one when id is empty.
func (r *Runner) Resume(id string) (*artifact.Run, error) {
	metrics.Reset()
	if id == "" {
		return r.store.LatestRun()
	}
	return r.store.OpenRun(id)
}

// Run executes every stage in order in a new run directory. The summary
// is returned even when a stage fails, so callers can report the run dir.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	run, err := r.Begin()
	if err != nil {
		return nil, err
	}
	s := &Summary{RunID: run.ID, Dir: run.Dir}

	res, err := r.Ingest(ctx, run)
	if err != nil {
		return s, err
	}
	s.Events = len(res.Events)

	table, alerts, err := r.BuildFeatures(ctx, run)
	if err != nil {
		return s, err
	}
	s.Vectors, s.Alerts = len(table.Vectors), len(alerts)

	join, err := r.JoinLabels(ctx, run)
	if err != nil {
		return s, err
	}
	s.Examples, s.Positives = join.Stats.Examples, join.Stats.Positives

	model, err := r.Train(ctx, run)
	if err != nil {
		return s, err
	}
	s.ModelID = model.ID

	report, err := r.Evaluate(ctx, run)
	if err != nil {
		return s, err
	}
	s.Report = report
	return s, nil
}

// stage runs fn as the named stage of run: it times it, records the outcome
// in the manifest and the metrics, and wraps a failure in a *StageError.
func (r *Runner) stage(ctx context.Context, run *artifact.Run, name string, fn func(m *artifact.Manifest) (map[string]int, error)) error {
	log := r.log.WithFields(logrus.Fields{"run_id": run.ID, "stage": name})
	m, err := run.ReadManifest()
	if errors.Is(err, os.ErrNotExist) {
		m = artifact.NewManifest(run, r.cfg, r.now())
	} else if err != nil {
		return &StageError{Stage: name, Err: err}
	}

	start := r.now()
	var counts map[string]int
	if err = ctx.Err(); err == nil {
		counts, err = fn(m)
	}
	elapsed := r.now().Sub(start)

	rec := artifact.StageRecord{Name: name, Status: artifact.StatusSucceeded, StartedAt: start.UTC(), Duration: elapsed, Counts: counts}
	if err != nil {
		rec.Status = artifact.StatusFailed
		rec.Error = err.Error()
		err = &StageError{Stage: name, Counts: counts, Err: err}
	}
	m.SetStage(rec)
	metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	metrics.StageRuns.WithLabelValues(name, rec.Status).Inc()

	if werr := run.WriteManifest(m); werr != nil {
		log.WithError(werr).Error("Failed to write manifest")
	}
	if werr := metrics.WriteTextfile(run.Path(artifact.FileMetrics)); werr != nil {
		log.WithError(werr).Warn("Failed to write metrics textfile")
	}

	fields := logrus.Fields{"duration": elapsed.String()}
	for k, v := range counts {
		fields[k] = v
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("Stage failed")
		return err
	}
	log.WithFields(fields).Info("Stage completed")
	return nil
}
