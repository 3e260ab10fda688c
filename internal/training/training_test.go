package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/features"
	"github.com/invisible-tech/insider-threat-pipeline/internal/logging"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

var twoFeatures = types.FeatureSchema{Version: "test", Names: []string{"a", "b"}}

// examples builds users × days examples. malicious decides the label; the
// first feature carries the signal, the second is noise.
func examples(users, days int, malicious func(u, d int) bool) []types.TrainingExample {
	var out []types.TrainingExample
	start := types.Day("2010-01-01")
	for u := 0; u < users; u++ {
		day := start
		for d := 0; d < days; d++ {
			label := types.LabelBenign
			signal := float64((u*7+d*3)%5) * 0.1
			if malicious(u, d) {
				label = types.LabelMalicious
				signal += 3
			}
			out = append(out, types.TrainingExample{
				Vector: types.FeatureVector{
					User:   fmt.Sprintf("U%03d", u),
					Day:    day,
					Values: []float64{signal, float64((u + d) % 3)},
				},
				Label: label,
			})
			day = day.Next()
		}
	}
	return out
}

func trainingConfig() config.TrainingConfig {
	return config.Default().Training
}

func TestTimeSplit_NoLeakage(t *testing.T) {
	exs := examples(6, 20, func(u, d int) bool { return u == 2 && d%4 == 0 })
	s := TimeSplit(exs, 0.3, 0, 42)

	assert.Equal(t, types.Day("2010-01-15"), s.Cutoff)
	assert.Equal(t, len(exs), len(s.Train)+len(s.Holdout))

	lastTrain := map[string]types.Day{}
	for _, ex := range s.Train {
		assert.Less(t, string(ex.Vector.Day), string(s.Cutoff))
		if ex.Vector.Day > lastTrain[ex.Vector.User] {
			lastTrain[ex.Vector.User] = ex.Vector.Day
		}
	}
	for _, ex := range s.Holdout {
		assert.GreaterOrEqual(t, string(ex.Vector.Day), string(s.Cutoff))
		assert.Less(t, string(lastTrain[ex.Vector.User]), string(ex.Vector.Day))
	}
}

func TestTimeSplit_HeldOutUsers(t *testing.T) {
	exs := examples(10, 10, func(u, d int) bool { return false })
	s := TimeSplit(exs, 0.2, 0.2, 7)
	require.Len(t, s.HeldOutUsers, 2)
	assert.Equal(t, 2*8, s.Dropped)
	assert.Equal(t, len(exs), len(s.Train)+len(s.Holdout)+s.Dropped)
	for _, ex := range s.Train {
		assert.NotContains(t, s.HeldOutUsers, ex.Vector.User)
	}

	again := TimeSplit(exs, 0.2, 0.2, 7)
	assert.Equal(t, s.HeldOutUsers, again.HeldOutUsers)
}

func TestTimeSplit_SingleDay(t *testing.T) {
	exs := examples(3, 1, func(u, d int) bool { return u == 0 })
	s := TimeSplit(exs, 0.3, 0, 1)
	assert.Empty(t, s.Train)
	assert.Len(t, s.Holdout, 3)
}

func TestRandomSplit_Seeded(t *testing.T) {
	exs := examples(5, 10, func(u, d int) bool { return d == 3 })
	a := RandomSplit(exs, 0.3, 99)
	b := RandomSplit(exs, 0.3, 99)
	assert.Equal(t, a.Holdout, b.Holdout)
	assert.Len(t, a.Holdout, 15)
	assert.Len(t, a.Train, 35)
	for i := 1; i < len(a.Train); i++ {
		assert.True(t, a.Train[i-1].Key().Less(a.Train[i].Key()))
	}
	c := RandomSplit(exs, 0.3, 100)
	assert.NotEqual(t, a.Holdout, c.Holdout)
}

func TestSplitExamples_UnknownStrategy(t *testing.T) {
	cfg := trainingConfig()
	cfg.SplitStrategy = "kfold"
	_, err := SplitExamples(nil, cfg)
	assert.Error(t, err)
}

func TestTrainer_Train_EmptySet(t *testing.T) {
	tr := NewTrainer(trainingConfig(), logging.Discard())
	m, err := tr.Train(context.Background(), twoFeatures, nil)
	assert.Nil(t, m)
	var tf *types.TrainingFailure
	require.True(t, errors.As(err, &tf))
	assert.Equal(t, "empty training set", tf.Reason)
}

func TestTrainer_Train_EmptyAfterSplit(t *testing.T) {
	tr := NewTrainer(trainingConfig(), logging.Discard())
	s, err := tr.Split(examples(3, 1, func(u, d int) bool { return u == 0 }))
	require.NoError(t, err)
	_, err = tr.Train(context.Background(), twoFeatures, s.Train)
	var tf *types.TrainingFailure
	assert.True(t, errors.As(err, &tf))
}

func TestTrainer_Train_Logistic(t *testing.T) {
	exs := examples(8, 30, func(u, d int) bool { return u%4 == 1 && d%5 == 0 })
	tr := NewTrainer(trainingConfig(), logging.Discard())
	tr.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	m, err := tr.Train(context.Background(), twoFeatures, exs)
	require.NoError(t, err)
	assert.Equal(t, config.ModelLogistic, m.Kind)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, len(exs), m.TrainExamples)
	assert.Equal(t, types.CountPositives(exs), m.TrainPositives)
	require.NotNil(t, m.Logistic)
	assert.Greater(t, m.Logistic.Coefficients[0], 0.0)
	assert.Greater(t, m.Logistic.Iterations, 0)

	for _, ex := range exs {
		label, score, err := m.Predict(ex.Vector)
		require.NoError(t, err)
		assert.Equal(t, ex.Label, label, "%s score=%v", ex.Key(), score)
	}
}

func TestTrainer_Train_LogisticNotConverged(t *testing.T) {
	cfg := trainingConfig()
	cfg.MaxIterations = 1
	cfg.Tolerance = 1e-15
	exs := examples(4, 10, func(u, d int) bool { return u == 0 && d < 3 })
	_, err := NewTrainer(cfg, logging.Discard()).Train(context.Background(), twoFeatures, exs)
	var tf *types.TrainingFailure
	require.True(t, errors.As(err, &tf))
	assert.ErrorIs(t, err, errNotConverged)
}

func TestTrainer_Train_SingleClass(t *testing.T) {
	exs := examples(3, 5, func(u, d int) bool { return false })
	m, err := NewTrainer(trainingConfig(), logging.Discard()).Train(context.Background(), twoFeatures, exs)
	require.NoError(t, err)
	s, err := m.Score(exs[0].Vector)
	require.NoError(t, err)
	assert.Less(t, s, 0.1)
}

func TestTrainer_Train_NaiveBayes(t *testing.T) {
	cfg := trainingConfig()
	cfg.ModelKind = config.ModelNaiveBayes
	exs := examples(8, 30, func(u, d int) bool { return u%4 == 1 && d%5 == 0 })
	m, err := NewTrainer(cfg, logging.Discard()).Train(context.Background(), twoFeatures, exs)
	require.NoError(t, err)
	require.NotNil(t, m.NaiveBayes)

	correct := 0
	for _, ex := range exs {
		label, _, err := m.Predict(ex.Vector)
		require.NoError(t, err)
		if label == ex.Label {
			correct++
		}
	}
	assert.Equal(t, len(exs), correct)
}

func TestTrainer_Train_Rules(t *testing.T) {
	cfg := trainingConfig()
	cfg.ModelKind = config.ModelRules
	cfg.RulesMinSeverity = types.SeverityHigh
	schema := features.NewSchema(config.Default().Features.DomainCategories)

	leak := types.FeatureVector{User: "A", Day: "2010-01-04", Values: make([]float64, len(schema.Names))}
	leak.Values[schema.Index("http_leak_count")] = 1
	logon := types.FeatureVector{User: "A", Day: "2010-01-05", Values: make([]float64, len(schema.Names))}
	logon.Values[schema.Index(features.AfterHoursLogonCount)] = 1

	m, err := NewTrainer(cfg, logging.Discard()).Train(context.Background(), schema,
		[]types.TrainingExample{{Vector: leak, Label: 1}, {Vector: logon}})
	require.NoError(t, err)
	assert.Equal(t, 0.75, m.Threshold)

	label, score, err := m.Predict(leak)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, types.LabelMalicious, label)

	label, score, err = m.Predict(logon)
	require.NoError(t, err)
	assert.Equal(t, 0.25, score)
	assert.Equal(t, types.LabelBenign, label)
}

func TestTrainedModel_JSONRoundTrip(t *testing.T) {
	exs := examples(4, 20, func(u, d int) bool { return u == 1 && d%3 == 0 })
	m, err := NewTrainer(trainingConfig(), logging.Discard()).Train(context.Background(), twoFeatures, exs)
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	var got TrainedModel
	require.NoError(t, json.Unmarshal(data, &got))
	require.NoError(t, got.CheckCompatible(twoFeatures))

	for _, ex := range exs {
		want, err := m.Score(ex.Vector)
		require.NoError(t, err)
		have, err := got.Score(ex.Vector)
		require.NoError(t, err)
		assert.InDelta(t, want, have, 1e-12)
	}

	_, err = got.Score(types.FeatureVector{Values: []float64{1}})
	assert.Error(t, err)
	assert.Error(t, got.CheckCompatible(types.FeatureSchema{Version: "other"}))
}

func TestClassWeights(t *testing.T) {
	assert.Equal(t, [2]float64{1, 1}, classWeights(config.ClassWeightNone, 100, 10))
	assert.Equal(t, [2]float64{100.0 / 180, 100.0 / 20}, classWeights(config.ClassWeightBalanced, 100, 10))
	assert.Equal(t, [2]float64{1, 1}, classWeights(config.ClassWeightBalanced, 100, 0))
}

func TestFitScaler(t *testing.T) {
	sc := FitScaler([][]float64{{1, 5}, {3, 5}})
	assert.Equal(t, []float64{2, 5}, sc.Mean)
	assert.Equal(t, 0.0, sc.Std[1])
	out := sc.Transform([]float64{3, 9})
	assert.InDelta(t, 1/sc.Std[0], out[0], 1e-12)
	assert.Equal(t, 0.0, out[1])
}
