package artifact

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/training"
	"github.com/invisible-tech/insider-threat-pipeline/internal/version"
	"github.com/invisible-tech/insider-threat-pipeline/pkg/fileintegrity"
)

// Stage statuses recorded in the manifest.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// StageRecord is the manifest entry of one executed stage.
type StageRecord struct {
	Name      string         `yaml:"name"`
	Status    string         `yaml:"status"`
	StartedAt time.Time      `yaml:"started_at"`
	Duration  time.Duration  `yaml:"duration"`
	Counts    map[string]int `yaml:"counts,omitempty"`
	Error     string         `yaml:"error,omitempty"`
}

// Manifest describes how a run was produced.
type Manifest struct {
	RunID                string                    `yaml:"run_id"`
	Release              string                    `yaml:"release"`
	AppVersion           string                    `yaml:"app_version"`
	CreatedAt            time.Time                 `yaml:"created_at"`
	FeatureSchemaVersion string                    `yaml:"feature_schema_version,omitempty"`
	ModelID              string                    `yaml:"model_id,omitempty"`
	Config               config.Config             `yaml:"config"`
	Inputs               []*fileintegrity.FileHash `yaml:"inputs,omitempty"`
	Stages               []StageRecord             `yaml:"stages"`
}

// NewManifest starts the manifest of run.
func NewManifest(run *Run, cfg config.Config, now time.Time) *Manifest {
	return &Manifest{
		RunID:      run.ID,
		Release:    cfg.Dataset.Release,
		AppVersion: version.Version,
		CreatedAt:  now.UTC(),
		Config:     cfg,
	}
}

// SetStage records rec, replacing an earlier record of the same stage.
func (m *Manifest) SetStage(rec StageRecord) {
	for i := range m.Stages {
		if m.Stages[i].Name == rec.Name {
			m.Stages[i] = rec
			return
		}
	}
	m.Stages = append(m.Stages, rec)
}

// Stage returns the record of the named stage.
func (m *Manifest) Stage(name string) (StageRecord, bool) {
	for _, s := range m.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageRecord{}, false
}

// HashInputs records the SHA-256 of every CSV file under dirs. Missing
// directories are ignored.
func (m *Manifest) HashInputs(dirs ...string) error {
	m.Inputs = nil
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		hashes, err := fileintegrity.Baseline(dir, fileintegrity.CSVFiles)
		if err != nil {
			return fmt.Errorf("artifact: hash inputs: %w", err)
		}
		m.Inputs = append(m.Inputs, hashes...)
	}
	return nil
}

// WriteManifest stores m as manifest.yaml.
func (r *Run) WriteManifest(m *Manifest) error {
	return r.writeAtomic(FileManifest, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	})
}

// ReadManifest loads manifest.yaml.
func (r *Run) ReadManifest() (*Manifest, error) {
	f, err := r.open(FileManifest)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m Manifest
	if err := yaml.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("artifact: decode %s: %w", FileManifest, err)
	}
	return &m, nil
}

// WriteModel stores the trained model as model.json.
func (r *Run) WriteModel(m *training.TrainedModel) error {
	return r.WriteJSON(FileModel, m)
}

// ReadModel loads model.json and rejects models of another layout version.
func (r *Run) ReadModel() (*training.TrainedModel, error) {
	var m training.TrainedModel
	if err := r.ReadJSON(FileModel, &m); err != nil {
		return nil, err
	}
	if m.SchemaVersion != version.ModelSchemaVersion {
		return nil, fmt.Errorf("artifact: model %s has schema version %d, want %d", m.ID, m.SchemaVersion, version.ModelSchemaVersion)
	}
	return &m, nil
}
