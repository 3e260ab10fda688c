// Package training splits labeled examples and fits the configured model
// family on the training part.
package training

import (
	"fmt"
	"time"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/detection"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
	"github.com/invisible-tech/insider-threat-pipeline/internal/version"
)

// RulesParams configure the rule-based model.
type RulesParams struct {
	MinSeverity string `json:"min_severity"`
}

// TrainedModel is the immutable output of a training run.
type TrainedModel struct {
	ID                   string            `json:"id"`
	SchemaVersion        int               `json:"schema_version"`
	Kind                 string            `json:"kind"`
	FeatureNames         []string          `json:"feature_names"`
	FeatureSchemaVersion string            `json:"feature_schema_version"`
	Scaler               *Scaler           `json:"scaler,omitempty"`
	Logistic             *LogisticParams   `json:"logistic,omitempty"`
	NaiveBayes           *NaiveBayesParams `json:"naive_bayes,omitempty"`
	Rules                *RulesParams      `json:"rules,omitempty"`
	Threshold            float64           `json:"threshold"`
	Seed                 uint64            `json:"seed"`
	SplitStrategy        string            `json:"split_strategy"`
	TrainedAt            time.Time         `json:"trained_at"`
	TrainExamples        int               `json:"train_examples"`
	TrainPositives       int               `json:"train_positives"`

	engine *detection.Engine
}

// Schema returns the feature schema the model was trained on.
func (m *TrainedModel) Schema() types.FeatureSchema {
	return types.FeatureSchema{Version: m.FeatureSchemaVersion, Names: m.FeatureNames}
}

// CheckCompatible verifies that vectors of schema can be scored.
func (m *TrainedModel) CheckCompatible(schema types.FeatureSchema) error {
	if m.SchemaVersion != version.ModelSchemaVersion {
		return fmt.Errorf("model schema version %d, want %d", m.SchemaVersion, version.ModelSchemaVersion)
	}
	if schema.Version != m.FeatureSchemaVersion {
		return fmt.Errorf("feature schema %s does not match model feature schema %s", schema.Version, m.FeatureSchemaVersion)
	}
	return nil
}

// Score returns the malicious score of vec in [0, 1].
func (m *TrainedModel) Score(vec types.FeatureVector) (float64, error) {
	if len(vec.Values) != len(m.FeatureNames) {
		return 0, fmt.Errorf("vector %s has %d features, model expects %d", vec.Key(), len(vec.Values), len(m.FeatureNames))
	}
	switch m.Kind {
	case config.ModelLogistic:
		if m.Logistic == nil || m.Scaler == nil {
			return 0, fmt.Errorf("logistic model without parameters")
		}
		return m.Logistic.Score(m.Scaler.Transform(vec.Values)), nil
	case config.ModelNaiveBayes:
		if m.NaiveBayes == nil || m.Scaler == nil {
			return 0, fmt.Errorf("naive bayes model without parameters")
		}
		return m.NaiveBayes.Score(m.Scaler.Transform(vec.Values)), nil
	case config.ModelRules:
		if m.engine == nil {
			m.engine = detection.NewEngine()
		}
		return float64(m.engine.MaxSeverity(m.Schema(), vec)) / float64(types.SeverityRank(types.SeverityCritical)), nil
	}
	return 0, fmt.Errorf("unknown model kind %q", m.Kind)
}

// Predict returns the 0/1 label of vec at the model threshold.
func (m *TrainedModel) Predict(vec types.FeatureVector) (int, float64, error) {
	s, err := m.Score(vec)
	if err != nil {
		return 0, 0, err
	}
	if s >= m.Threshold {
		return types.LabelMalicious, s, nil
	}
	return types.LabelBenign, s, nil
}
