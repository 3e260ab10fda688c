package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/training"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// identityModel scores x as sigmoid(x).
func identityModel() *training.TrainedModel {
	return &training.TrainedModel{
		ID:           "m-1",
		Kind:         config.ModelLogistic,
		FeatureNames: []string{"x"},
		Scaler:       &training.Scaler{Mean: []float64{0}, Std: []float64{1}},
		Logistic:     &training.LogisticParams{Coefficients: []float64{1}},
		Threshold:    0.5,
	}
}

func example(user string, day types.Day, x float64, label int) types.TrainingExample {
	return types.TrainingExample{Vector: types.FeatureVector{User: user, Day: day, Values: []float64{x}}, Label: label}
}

func TestEvaluate(t *testing.T) {
	exs := []types.TrainingExample{
		example("A", "2010-01-01", 3, 1),  // TP
		example("A", "2010-01-02", -2, 1), // FN
		example("B", "2010-01-01", 1, 0),  // FP
		example("B", "2010-01-02", -3, 0), // TN
		example("C", "2010-01-01", -4, 0), // TN
	}
	r, err := Evaluate(context.Background(), identityModel(), exs, Options{TopK: 2})
	require.NoError(t, err)

	assert.Equal(t, Confusion{TP: 1, FP: 1, TN: 2, FN: 1}, r.Confusion)
	assert.Equal(t, 2, r.Positives)
	assert.Equal(t, 3, r.Negatives)
	assert.Equal(t, 0.5, r.Precision)
	assert.Equal(t, 0.5, r.Recall)
	assert.Equal(t, 0.5, r.F1)
	assert.InDelta(t, 0.6, r.Accuracy, 1e-12)
	assert.InDelta(t, 2.0/3.0, r.Specificity, 1e-12)
	assert.Equal(t, "m-1", r.ModelID)

	// ranking: 3(+), 1(-), -2(+), -3(-), -4(-) → 5 of 6 pairs ordered
	require.NotNil(t, r.ROCAUC)
	assert.InDelta(t, 5.0/6.0, *r.ROCAUC, 1e-12)
	require.NotNil(t, r.AveragePrecision)
	assert.InDelta(t, 0.5*1+0.5*(2.0/3.0), *r.AveragePrecision, 1e-12)

	require.Len(t, r.TopRanked, 2)
	assert.Equal(t, "A", r.TopRanked[0].User)
	assert.Equal(t, "B", r.TopRanked[1].User)
}

func TestEvaluate_SingleClass(t *testing.T) {
	exs := []types.TrainingExample{example("A", "2010-01-01", -1, 0), example("B", "2010-01-01", 2, 0)}
	r, err := Evaluate(context.Background(), identityModel(), exs, Options{})
	require.NoError(t, err)
	assert.Nil(t, r.ROCAUC)
	assert.Nil(t, r.AveragePrecision)
	assert.Equal(t, 0.0, r.Precision)
	assert.Equal(t, 0.0, r.Recall)
	assert.Equal(t, 0.0, r.F1)
	assert.Len(t, r.TopRanked, 2)
}

func TestEvaluate_Empty(t *testing.T) {
	_, err := Evaluate(context.Background(), identityModel(), nil, Options{})
	assert.True(t, errors.Is(err, ErrNoExamples))
}

func TestEvaluate_SchemaMismatch(t *testing.T) {
	bad := types.TrainingExample{Vector: types.FeatureVector{User: "A", Day: "2010-01-01", Values: []float64{1, 2}}}
	_, err := Evaluate(context.Background(), identityModel(), []types.TrainingExample{bad}, Options{})
	assert.Error(t, err)
}

func TestROCAUC_Ties(t *testing.T) {
	auc, ok := ROCAUC([]float64{0.5, 0.5, 0.5, 0.5}, []int{1, 0, 1, 0})
	require.True(t, ok)
	assert.Equal(t, 0.5, auc)

	auc, ok = ROCAUC([]float64{0.1, 0.4, 0.35, 0.8}, []int{0, 0, 1, 1})
	require.True(t, ok)
	assert.Equal(t, 0.75, auc)

	_, ok = ROCAUC([]float64{0.1}, []int{1})
	assert.False(t, ok)
}

func TestAveragePrecision(t *testing.T) {
	ap, ok := AveragePrecision([]float64{0.1, 0.4, 0.35, 0.8}, []int{0, 0, 1, 1})
	require.True(t, ok)
	// thresholds 0.8 (P=1, R=.5), 0.4 (P=.5), 0.35 (P=2/3, R=1)
	assert.InDelta(t, 0.5*1+0.5*(2.0/3.0), ap, 1e-12)

	ap, ok = AveragePrecision([]float64{0.9, 0.9}, []int{1, 0})
	require.True(t, ok)
	assert.Equal(t, 0.5, ap)
}
