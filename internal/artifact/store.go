// Package artifact manages versioned run directories and the file formats
// every pipeline stage reads and writes.
package artifact

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifact file names inside a run directory.
const (
	FileEvents      = "events.jsonl"
	FileIngestStats = "ingest_stats.json"
	FileFeatures    = "features.csv"
	FileNarratives  = "narratives.csv"
	FileAlerts      = "alerts.jsonl"
	FileExamples    = "examples.jsonl"
	FileHoldout     = "holdout.jsonl"
	FileModel       = "model.json"
	FileReport      = "report.json"
	FileManifest    = "manifest.yaml"
	FileMetrics     = "metrics.prom"
)

const runTimeLayout = "20060102T150405.000000000Z"

// ErrNoRuns is returned by LatestRun when the release has no run yet.
var ErrNoRuns = errors.New("artifact: no runs")

// Store is the processed-data root of one release.
type Store struct {
	root string
}

// NewStore returns the store of release under processedRoot.
func NewStore(processedRoot, release string) *Store {
	return &Store{root: filepath.Join(processedRoot, release)}
}

// Root returns the directory holding the runs.
func (s *Store) Root() string {
	return s.root
}

// Run is one versioned output directory.
type Run struct {
	ID  string
	Dir string
}

// NewRun creates an empty run directory named <UTC timestamp>-<uuid8>.
// The timestamp is moved past the newest existing run so ids sort in
// creation order.
func (s *Store) NewRun(now time.Time) (*Run, error) {
	ids, err := s.Runs()
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	if len(ids) > 0 {
		if last, ok := runTime(ids[len(ids)-1]); ok && !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
	}
	id := now.Format(runTimeLayout) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create run: %w", err)
	}
	return &Run{ID: id, Dir: dir}, nil
}

// OpenRun opens an existing run.
func (s *Store) OpenRun(id string) (*Run, error) {
	dir := filepath.Join(s.root, id)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: open run %s: %w", id, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact: run %s is not a directory", id)
	}
	return &Run{ID: id, Dir: dir}, nil
}

// Runs lists run ids, oldest first.
func (s *Store) Runs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: list runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := runTime(e.Name()); ok {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func runTime(id string) (time.Time, bool) {
	ts, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(runTimeLayout, ts)
	return t, err == nil
}

// LatestRun opens the most recent run.
func (s *Store) LatestRun() (*Run, error) {
	ids, err := s.Runs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoRuns, s.root)
	}
	return s.OpenRun(ids[len(ids)-1])
}

// Path returns the location of an artifact in the run.
func (r *Run) Path(name string) string {
	return filepath.Join(r.Dir, name)
}

// Exists reports whether the run holds the named artifact.
func (r *Run) Exists(name string) bool {
	_, err := os.Stat(r.Path(name))
	return err == nil
}

// writeAtomic writes through a temp file in the run directory and renames
// it into place, so readers never observe a partial artifact.
func (r *Run) writeAtomic(name string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(r.Dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("artifact: %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriterSize(tmp, 1<<16)
	if err := write(bw); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: write %s: %w", name, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), r.Path(name)); err != nil {
		return fmt.Errorf("artifact: rename %s: %w", name, err)
	}
	return nil
}

func (r *Run) open(name string) (*os.File, error) {
	f, err := os.Open(r.Path(name))
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	return f, nil
}
