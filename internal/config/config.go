// Package config provides pipeline configuration: typed defaults, loading
// from a YAML file with ITP_* environment overrides, and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// Model kinds.
const (
	ModelLogistic   = "logistic_regression"
	ModelNaiveBayes = "gaussian_nb"
	ModelRules      = "rules"
)

// Split strategies.
const (
	SplitTime   = "time"
	SplitRandom = "random"
)

// Class weighting modes.
const (
	ClassWeightBalanced = "balanced"
	ClassWeightNone     = "none"
)

// Config holds the full pipeline configuration.
type Config struct {
	Dataset    DatasetConfig    `mapstructure:"dataset" yaml:"dataset"`
	Ingest     IngestConfig     `mapstructure:"ingest" yaml:"ingest"`
	Features   FeatureConfig    `mapstructure:"features" yaml:"features"`
	Training   TrainingConfig   `mapstructure:"training" yaml:"training"`
	Evaluation EvaluationConfig `mapstructure:"evaluation" yaml:"evaluation"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Watch      WatchConfig      `mapstructure:"watch" yaml:"watch"`
	Job        JobConfig        `mapstructure:"job" yaml:"job"`
}

// DatasetConfig locates the raw CERT release and the processed output root.
type DatasetConfig struct {
	RawRoot       string   `mapstructure:"raw_root" yaml:"raw_root"`
	ProcessedRoot string   `mapstructure:"processed_root" yaml:"processed_root"`
	Release       string   `mapstructure:"release" yaml:"release"`
	Sources       []string `mapstructure:"sources" yaml:"sources"`
	LDAPDir       string   `mapstructure:"ldap_dir" yaml:"ldap_dir"`
	AnswersDir    string   `mapstructure:"answers_dir" yaml:"answers_dir"`
	LabelsFile    string   `mapstructure:"labels_file" yaml:"labels_file"`
	OrgDomain     string   `mapstructure:"org_domain" yaml:"org_domain"`
	Timezone      string   `mapstructure:"timezone" yaml:"timezone"`
}

// IngestConfig controls raw log ingestion.
type IngestConfig struct {
	Parallelism int `mapstructure:"parallelism" yaml:"parallelism"`
}

// FeatureConfig controls entity-day feature construction.
type FeatureConfig struct {
	WorkdayStartHour int                 `mapstructure:"workday_start_hour" yaml:"workday_start_hour"`
	WorkdayEndHour   int                 `mapstructure:"workday_end_hour" yaml:"workday_end_hour"`
	WindowStart      string              `mapstructure:"window_start" yaml:"window_start"`
	WindowEnd        string              `mapstructure:"window_end" yaml:"window_end"`
	DomainCategories map[string][]string `mapstructure:"domain_categories" yaml:"domain_categories"`
}

// TrainingConfig selects the model family, split and hyperparameters.
type TrainingConfig struct {
	ModelKind           string  `mapstructure:"model_kind" yaml:"model_kind"`
	SplitStrategy       string  `mapstructure:"split_strategy" yaml:"split_strategy"`
	ValidationFraction  float64 `mapstructure:"validation_fraction" yaml:"validation_fraction"`
	HoldoutUserFraction float64 `mapstructure:"holdout_user_fraction" yaml:"holdout_user_fraction"`
	RandomSeed          uint64  `mapstructure:"random_seed" yaml:"random_seed"`
	Threshold           float64 `mapstructure:"threshold" yaml:"threshold"`
	L2                  float64 `mapstructure:"l2" yaml:"l2"`
	MaxIterations       int     `mapstructure:"max_iterations" yaml:"max_iterations"`
	Tolerance           float64 `mapstructure:"tolerance" yaml:"tolerance"`
	ClassWeight         string  `mapstructure:"class_weight" yaml:"class_weight"`
	VarSmoothing        float64 `mapstructure:"var_smoothing" yaml:"var_smoothing"`
	RulesMinSeverity    string  `mapstructure:"rules_min_severity" yaml:"rules_min_severity"`
}

// EvaluationConfig controls the evaluation report.
type EvaluationConfig struct {
	TopK int `mapstructure:"top_k" yaml:"top_k"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// WatchConfig controls the watcher process.
type WatchConfig struct {
	Debounce   time.Duration `mapstructure:"debounce" yaml:"debounce"`
	RunOnStart bool          `mapstructure:"run_on_start" yaml:"run_on_start"`
}

// JobConfig describes how a pipeline run is packaged as a Kubernetes Job.
type JobConfig struct {
	Namespace      string `mapstructure:"namespace" yaml:"namespace"`
	Image          string `mapstructure:"image" yaml:"image"`
	ServiceAccount string `mapstructure:"service_account" yaml:"service_account"`
	ConfigMap      string `mapstructure:"config_map" yaml:"config_map"`
	RawClaim       string `mapstructure:"raw_claim" yaml:"raw_claim"`
	ProcessedClaim string `mapstructure:"processed_claim" yaml:"processed_claim"`
	CPURequest     string `mapstructure:"cpu_request" yaml:"cpu_request"`
	MemoryRequest  string `mapstructure:"memory_request" yaml:"memory_request"`
	CPULimit       string `mapstructure:"cpu_limit" yaml:"cpu_limit"`
	MemoryLimit    string `mapstructure:"memory_limit" yaml:"memory_limit"`
	BackoffLimit   int32  `mapstructure:"backoff_limit" yaml:"backoff_limit"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Dataset: DatasetConfig{
			RawRoot:       "data/raw",
			ProcessedRoot: "data/processed",
			Release:       "r4.2",
			Sources:       defaultSources(),
			LDAPDir:       "ldap",
			AnswersDir:    "answers",
			OrgDomain:     "dtaa.com",
			Timezone:      "UTC",
		},
		Ingest: IngestConfig{
			Parallelism: 4,
		},
		Features: FeatureConfig{
			WorkdayStartHour: 8,
			WorkdayEndHour:   18,
			DomainCategories: defaultDomainCategories(),
		},
		Training: TrainingConfig{
			ModelKind:           ModelLogistic,
			SplitStrategy:       SplitTime,
			ValidationFraction:  0.3,
			HoldoutUserFraction: 0,
			RandomSeed:          42,
			Threshold:           0.5,
			L2:                  1.0,
			MaxIterations:       100,
			Tolerance:           1e-6,
			ClassWeight:         ClassWeightBalanced,
			VarSmoothing:        1e-9,
			RulesMinSeverity:    types.SeverityMedium,
		},
		Evaluation: EvaluationConfig{
			TopK: 25,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Watch: WatchConfig{
			Debounce: GetEnvDuration("ITP_WATCH_DEBOUNCE", 30*time.Second),
		},
		Job: JobConfig{
			Namespace:      "insider-threat",
			Image:          "ghcr.io/invisible-tech/insider-threat-pipeline:latest",
			ServiceAccount: "itp-pipeline",
			ConfigMap:      "itp-config",
			RawClaim:       "itp-raw-data",
			ProcessedClaim: "itp-processed-data",
			CPURequest:     "500m",
			MemoryRequest:  "2Gi",
			CPULimit:       "4",
			MemoryLimit:    "16Gi",
			BackoffLimit:   1,
		},
	}
}

func defaultSources() []string {
	out := make([]string, 0, 5)
	for _, s := range types.AllSources() {
		out = append(out, string(s))
	}
	return out
}

func defaultDomainCategories() map[string][]string {
	return map[string][]string{
		"leak": {"wikileaks.org"},
		"job_search": {
			"careerbuilder.com", "craigslist.org", "indeed.com", "job-hunt.org",
			"jobhuntersbible.com", "linkedin.com", "monster.com", "simplyhired.com",
		},
		"hacking": {
			"actualkeylogger.com", "keylogger.org", "refog.com",
			"softactivity.com", "spectorsoft.com",
		},
		"cloud_storage": {"box.com", "dropbox.com", "drive.google.com", "mega.nz"},
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Dataset.Release == "" {
		return fmt.Errorf("config: dataset.release is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.SourceTypes(); err != nil {
		return err
	}
	if c.Ingest.Parallelism < 1 {
		return fmt.Errorf("config: ingest.parallelism must be >= 1, got %d", c.Ingest.Parallelism)
	}
	f := c.Features
	if f.WorkdayStartHour < 0 || f.WorkdayEndHour > 24 || f.WorkdayStartHour >= f.WorkdayEndHour {
		return fmt.Errorf("config: invalid workday hours [%d, %d)", f.WorkdayStartHour, f.WorkdayEndHour)
	}
	for _, w := range []string{f.WindowStart, f.WindowEnd} {
		if w == "" {
			continue
		}
		if _, err := types.ParseDay(w); err != nil {
			return fmt.Errorf("config: features window: %w", err)
		}
	}
	if f.WindowStart != "" && f.WindowEnd != "" && f.WindowEnd < f.WindowStart {
		return fmt.Errorf("config: features.window_end %s precedes window_start %s", f.WindowEnd, f.WindowStart)
	}
	t := c.Training
	switch t.ModelKind {
	case ModelLogistic, ModelNaiveBayes, ModelRules:
	default:
		return fmt.Errorf("config: unknown training.model_kind %q", t.ModelKind)
	}
	switch t.SplitStrategy {
	case SplitTime, SplitRandom:
	default:
		return fmt.Errorf("config: unknown training.split_strategy %q", t.SplitStrategy)
	}
	if t.ValidationFraction <= 0 || t.ValidationFraction >= 1 {
		return fmt.Errorf("config: training.validation_fraction must be in (0, 1), got %v", t.ValidationFraction)
	}
	if t.HoldoutUserFraction < 0 || t.HoldoutUserFraction >= 1 {
		return fmt.Errorf("config: training.holdout_user_fraction must be in [0, 1), got %v", t.HoldoutUserFraction)
	}
	if t.Threshold <= 0 || t.Threshold >= 1 {
		return fmt.Errorf("config: training.threshold must be in (0, 1), got %v", t.Threshold)
	}
	if t.L2 < 0 {
		return fmt.Errorf("config: training.l2 must be >= 0")
	}
	if t.MaxIterations < 1 {
		return fmt.Errorf("config: training.max_iterations must be >= 1")
	}
	if t.Tolerance <= 0 {
		return fmt.Errorf("config: training.tolerance must be > 0, got %v", t.Tolerance)
	}
	if t.VarSmoothing < 0 {
		return fmt.Errorf("config: training.var_smoothing must be >= 0, got %v", t.VarSmoothing)
	}
	switch t.ClassWeight {
	case ClassWeightBalanced, ClassWeightNone:
	default:
		return fmt.Errorf("config: unknown training.class_weight %q", t.ClassWeight)
	}
	if types.SeverityRank(t.RulesMinSeverity) == 0 {
		return fmt.Errorf("config: unknown training.rules_min_severity %q", t.RulesMinSeverity)
	}
	return nil
}

// Location resolves the dataset timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Dataset.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: dataset.timezone: %w", err)
	}
	return loc, nil
}

// SourceTypes parses the enabled sources.
func (c Config) SourceTypes() ([]types.SourceType, error) {
	if len(c.Dataset.Sources) == 0 {
		return nil, fmt.Errorf("config: dataset.sources is empty")
	}
	out := make([]types.SourceType, 0, len(c.Dataset.Sources))
	for _, s := range c.Dataset.Sources {
		st, err := types.ParseSourceType(s)
		if err != nil {
			return nil, fmt.Errorf("config: dataset.sources: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}
