// Package ingest reads the raw CERT log files of a release and normalizes
// them into a single chronologically ordered event stream.
package ingest

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// FileFailure records a source file whose ingestion was aborted.
type FileFailure struct {
	Source types.SourceType `json:"source"`
	Path   string           `json:"path"`
	Err    error            `json:"-"`
	Error  string           `json:"error"`
}

// Result is the output of one ingestion run.
type Result struct {
	// Events sorted by user, timestamp, source and id.
	Events   []types.NormalizedEvent
	Files    []FileStats
	Failures []FileFailure
}

// Stream yields the events in order.
func (r *Result) Stream() iter.Seq[types.NormalizedEvent] {
	return slices.Values(r.Events)
}

// Totals sums the per-file counters.
func (r *Result) Totals() (total, emitted, skipped int) {
	for _, f := range r.Files {
		total += f.Total
		emitted += f.Emitted
		skipped += f.Skipped
	}
	return total, emitted, skipped
}

// Err aggregates the per-file failures, or returns nil.
func (r *Result) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f.Err)
	}
	return utilerrors.NewAggregate(errs)
}

// Ingestor discovers and reads the source files of a release.
type Ingestor struct {
	sources     []types.SourceType
	parallelism int
	opts        Options
	log         *logrus.Logger
}

// New creates an Ingestor for the given sources.
func New(sources []types.SourceType, parallelism int, opts Options) *Ingestor {
	if parallelism < 1 {
		parallelism = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(os.Stderr)
	}
	return &Ingestor{sources: sources, parallelism: parallelism, opts: opts, log: opts.Logger}
}

// SourcePath returns the expected location of a source file in releaseDir.
func SourcePath(releaseDir string, source types.SourceType) string {
	return filepath.Join(releaseDir, string(source)+".csv")
}

type fileResult struct {
	events []types.NormalizedEvent
	stats  FileStats
	err    error
}

// Run ingests every enabled source file of releaseDir in parallel. A file
// that cannot be opened or has the wrong layout is recorded as a failure
// while the other files continue; Run fails only when no file could be
// ingested or ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context, releaseDir string) (*Result, error) {
	start := time.Now()
	results := make([]fileResult, len(in.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.parallelism)
	for i, src := range in.sources {
		g.Go(func() error {
			results[i] = in.ingestFile(gctx, src, SourcePath(releaseDir, src))
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	res := &Result{}
	n := 0
	for _, fr := range results {
		n += len(fr.events)
	}
	res.Events = make([]types.NormalizedEvent, 0, n)
	for i, fr := range results {
		if fr.err != nil {
			res.Failures = append(res.Failures, FileFailure{
				Source: in.sources[i], Path: fr.stats.Path, Err: fr.err, Error: fr.err.Error(),
			})
			continue
		}
		res.Files = append(res.Files, fr.stats)
		res.Events = append(res.Events, fr.events...)
	}
	if len(res.Files) == 0 {
		if len(res.Failures) == 0 {
			return nil, fmt.Errorf("ingest: no sources enabled")
		}
		return nil, fmt.Errorf("ingest: no source file could be ingested: %w", res.Err())
	}
	SortEvents(res.Events)

	total, emitted, skipped := res.Totals()
	in.log.WithFields(logrus.Fields{
		"release_dir": releaseDir,
		"files":       len(res.Files),
		"failed":      len(res.Failures),
		"total":       total,
		"emitted":     emitted,
		"skipped":     skipped,
		"duration":    time.Since(start).String(),
	}).Info("Ingestion complete")
	return res, nil
}

func (in *Ingestor) ingestFile(ctx context.Context, src types.SourceType, path string) fileResult {
	log := in.log.WithFields(logrus.Fields{"source": src, "file": path})
	fr := fileResult{stats: FileStats{Source: src, Path: path}}

	f, err := os.Open(path)
	if err != nil {
		fr.err = fmt.Errorf("open %s file: %w", src, err)
		log.WithError(err).Warn("Source file unavailable")
		return fr
	}
	defer f.Close()

	rd, err := OpenReader(f, path, src, in.opts)
	if err != nil {
		fr.err = err
		log.WithError(err).Error("Source file rejected")
		return fr
	}
	for ev := range rd.Events(ctx) {
		fr.events = append(fr.events, ev)
	}
	fr.stats = rd.Stats()
	if err := rd.Err(); err != nil {
		fr.err = err
		fr.events = nil
		log.WithError(err).Error("Source file read failed")
		return fr
	}
	log.WithFields(logrus.Fields{
		"emitted": fr.stats.Emitted,
		"skipped": fr.stats.Skipped,
	}).Debug("Source file ingested")
	return fr
}

// SortEvents orders events by user, timestamp, source and id, which makes
// every user's events chronological and the whole stream deterministic.
func SortEvents(events []types.NormalizedEvent) {
	slices.SortStableFunc(events, func(a, b types.NormalizedEvent) int {
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.Source), string(b.Source)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
