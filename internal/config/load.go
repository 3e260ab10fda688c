package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides: dataset.release is read
// from ITP_DATASET_RELEASE, training.model_kind from ITP_TRAINING_MODEL_KIND.
const EnvPrefix = "ITP"

// NewViper returns a viper instance preloaded with every default and bound
// to ITP_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the YAML file at path (optional) over the defaults, applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	return LoadWith(NewViper(), path)
}

// LoadWith is Load on a caller-prepared viper instance, e.g. one with CLI
// flags already bound.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("dataset.raw_root", d.Dataset.RawRoot)
	v.SetDefault("dataset.processed_root", d.Dataset.ProcessedRoot)
	v.SetDefault("dataset.release", d.Dataset.Release)
	v.SetDefault("dataset.sources", d.Dataset.Sources)
	v.SetDefault("dataset.ldap_dir", d.Dataset.LDAPDir)
	v.SetDefault("dataset.answers_dir", d.Dataset.AnswersDir)
	v.SetDefault("dataset.labels_file", d.Dataset.LabelsFile)
	v.SetDefault("dataset.org_domain", d.Dataset.OrgDomain)
	v.SetDefault("dataset.timezone", d.Dataset.Timezone)

	v.SetDefault("ingest.parallelism", d.Ingest.Parallelism)

	v.SetDefault("features.workday_start_hour", d.Features.WorkdayStartHour)
	v.SetDefault("features.workday_end_hour", d.Features.WorkdayEndHour)
	v.SetDefault("features.window_start", d.Features.WindowStart)
	v.SetDefault("features.window_end", d.Features.WindowEnd)
	v.SetDefault("features.domain_categories", d.Features.DomainCategories)

	v.SetDefault("training.model_kind", d.Training.ModelKind)
	v.SetDefault("training.split_strategy", d.Training.SplitStrategy)
	v.SetDefault("training.validation_fraction", d.Training.ValidationFraction)
	v.SetDefault("training.holdout_user_fraction", d.Training.HoldoutUserFraction)
	v.SetDefault("training.random_seed", d.Training.RandomSeed)
	v.SetDefault("training.threshold", d.Training.Threshold)
	v.SetDefault("training.l2", d.Training.L2)
	v.SetDefault("training.max_iterations", d.Training.MaxIterations)
	v.SetDefault("training.tolerance", d.Training.Tolerance)
	v.SetDefault("training.class_weight", d.Training.ClassWeight)
	v.SetDefault("training.var_smoothing", d.Training.VarSmoothing)
	v.SetDefault("training.rules_min_severity", d.Training.RulesMinSeverity)

	v.SetDefault("evaluation.top_k", d.Evaluation.TopK)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("watch.run_on_start", d.Watch.RunOnStart)

	v.SetDefault("job.namespace", d.Job.Namespace)
	v.SetDefault("job.image", d.Job.Image)
	v.SetDefault("job.service_account", d.Job.ServiceAccount)
	v.SetDefault("job.config_map", d.Job.ConfigMap)
	v.SetDefault("job.raw_claim", d.Job.RawClaim)
	v.SetDefault("job.processed_claim", d.Job.ProcessedClaim)
	v.SetDefault("job.cpu_request", d.Job.CPURequest)
	v.SetDefault("job.memory_request", d.Job.MemoryRequest)
	v.SetDefault("job.cpu_limit", d.Job.CPULimit)
	v.SetDefault("job.memory_limit", d.Job.MemoryLimit)
	v.SetDefault("job.backoff_limit", d.Job.BackoffLimit)
}

// ReleaseDir is the directory holding the raw files of the configured release.
func (c Config) ReleaseDir() string {
	return filepath.Join(c.Dataset.RawRoot, c.Dataset.Release)
}

// LDAPPath resolves the LDAP directory; relative paths live under the release dir.
func (c Config) LDAPPath() string {
	if c.Dataset.LDAPDir == "" || filepath.IsAbs(c.Dataset.LDAPDir) {
		return c.Dataset.LDAPDir
	}
	return filepath.Join(c.ReleaseDir(), c.Dataset.LDAPDir)
}

// AnswersPath resolves the CERT answers directory; relative paths live under the raw root.
func (c Config) AnswersPath() string {
	if c.Dataset.AnswersDir == "" || filepath.IsAbs(c.Dataset.AnswersDir) {
		return c.Dataset.AnswersDir
	}
	return filepath.Join(c.Dataset.RawRoot, c.Dataset.AnswersDir)
}
