// Package fileintegrity fingerprints raw input files and watches them for
// content changes.
package fileintegrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Change operations.
const (
	OpCreate = "create"
	OpModify = "modify"
	OpDelete = "delete"
)

// FileHash stores the fingerprint of a file
type FileHash struct {
	Path    string    `json:"path" yaml:"path"`
	Hash    string    `json:"sha256" yaml:"sha256"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"mod_time" yaml:"mod_time"`
}

// HashFile computes the SHA-256 fingerprint of a regular file.
func HashFile(path string) (*FileHash, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return &FileHash{
		Path:    path,
		Hash:    hex.EncodeToString(hasher.Sum(nil)),
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}, nil
}

// Filter selects the files that are fingerprinted and watched.
type Filter func(path string) bool

// CSVFiles matches files with a .csv extension.
func CSVFiles(path string) bool {
	return filepath.Ext(path) == ".csv"
}

// Baseline fingerprints every regular file under root accepted by filter
// (nil accepts everything), sorted by path.
func Baseline(root string, filter Filter) ([]*FileHash, error) {
	var out []*FileHash
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if filter != nil && !filter(path) {
			return nil
		}
		h, err := HashFile(path)
		if err != nil {
			return err
		}
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("baseline %s: %w", root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Change reports a file whose content appeared, changed or disappeared.
type Change struct {
	Path      string
	Operation string
	OldHash   string
	NewHash   string
	Size      int64
	Timestamp time.Time
}

// Config for file integrity monitoring
type Config struct {
	WatchPaths []string
	Filter     Filter
	Changes    chan<- Change
}

// FileMonitor watches files for content changes
type FileMonitor struct {
	cfg     Config
	log     *logrus.Logger
	watcher *fsnotify.Watcher

	// Baseline file hashes
	baseline map[string]*FileHash
	mu       sync.RWMutex
}

// New creates a new FileMonitor and records the baseline of every watched
// file.
func New(cfg Config, log *logrus.Logger) (*FileMonitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fm := &FileMonitor{
		cfg:      cfg,
		log:      log,
		watcher:  watcher,
		baseline: make(map[string]*FileHash),
	}
	for _, path := range cfg.WatchPaths {
		fm.addWatchRecursive(path)
	}
	return fm, nil
}

func (fm *FileMonitor) accept(path string) bool {
	return fm.cfg.Filter == nil || fm.cfg.Filter(path)
}

// addWatchRecursive adds a path and all subdirectories to the watcher
func (fm *FileMonitor) addWatchRecursive(path string) {
	info, err := os.Stat(path)
	if err != nil {
		fm.log.WithError(err).WithField("path", path).Debug("Cannot watch path")
		return
	}

	if !info.IsDir() {
		// Watch the parent directory for the file
		dir := filepath.Dir(path)
		if err := fm.watcher.Add(dir); err != nil {
			fm.log.WithError(err).WithField("path", dir).Debug("Failed to add watch")
		}
		fm.record(path)
		return
	}
	_ = filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fm.watcher.Add(walkPath); err != nil {
				fm.log.WithError(err).WithField("path", walkPath).Debug("Failed to add watch")
			}
			return nil
		}
		if fm.accept(walkPath) {
			fm.record(walkPath)
		}
		return nil
	})
}

// record hashes path and stores it in the baseline.
func (fm *FileMonitor) record(path string) *FileHash {
	h, err := HashFile(path)
	if err != nil {
		fm.log.WithError(err).WithField("path", path).Debug("Cannot hash file")
		return nil
	}
	fm.mu.Lock()
	fm.baseline[path] = h
	fm.mu.Unlock()
	return h
}

// Snapshot returns a copy of the current baseline.
func (fm *FileMonitor) Snapshot() map[string]FileHash {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	out := make(map[string]FileHash, len(fm.baseline))
	for p, h := range fm.baseline {
		out[p] = *h
	}
	return out
}

// Start processes filesystem events until ctx is done.
func (fm *FileMonitor) Start(ctx context.Context) {
	fm.log.Info("Starting file integrity monitor")

	for {
		select {
		case <-ctx.Done():
			fm.log.Info("File monitor stopping")
			fm.watcher.Close()
			return

		case event, ok := <-fm.watcher.Events:
			if !ok {
				return
			}
			if change, ok := fm.handleFsEvent(event); ok {
				select {
				case fm.cfg.Changes <- change:
				case <-ctx.Done():
				}
			}

		case err, ok := <-fm.watcher.Errors:
			if !ok {
				return
			}
			fm.log.WithError(err).Error("Watcher error")
		}
	}
}

// handleFsEvent updates the baseline and reports a Change when the content
// of an accepted file differs from what was recorded.
func (fm *FileMonitor) handleFsEvent(event fsnotify.Event) (Change, bool) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			fm.addWatchRecursive(path)
			return Change{}, false
		}
	}
	if !fm.accept(path) {
		return Change{}, false
	}

	fm.mu.RLock()
	old := fm.baseline[path]
	fm.mu.RUnlock()

	change := Change{Path: path, Timestamp: time.Now()}
	if old != nil {
		change.OldHash = old.Hash
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if old == nil {
			return Change{}, false
		}
		fm.mu.Lock()
		delete(fm.baseline, path)
		fm.mu.Unlock()
		change.Operation = OpDelete
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		h := fm.record(path)
		if h == nil {
			return Change{}, false
		}
		if old != nil && old.Hash == h.Hash {
			return Change{}, false
		}
		change.NewHash = h.Hash
		change.Size = h.Size
		change.Operation = OpModify
		if old == nil {
			change.Operation = OpCreate
		}
	default:
		return Change{}, false
	}

	fm.log.WithFields(logrus.Fields{
		"path":      path,
		"operation": change.Operation,
		"fsnotify":  event.Op.String(),
	}).Debug("File content changed")
	return change, true
}
