// Package evaluation scores a trained model on held-out examples with
// metrics suited to heavily imbalanced labels.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/invisible-tech/insider-threat-pipeline/internal/training"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// ErrNoExamples is returned when there is nothing to evaluate.
var ErrNoExamples = errors.New("evaluation: empty held-out set")

// Options configures Evaluate.
type Options struct {
	// TopK is the number of highest scored entity-days listed in the report.
	TopK int
}

// Confusion counts predictions against ground truth.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`
}

// Ranked is one scored entity-day.
type Ranked struct {
	User     string    `json:"user"`
	Day      types.Day `json:"day"`
	Score    float64   `json:"score"`
	Label    int       `json:"label"`
	Scenario string    `json:"scenario,omitempty"`
}

// Report summarizes model quality on a held-out set.
type Report struct {
	ModelID     string    `json:"model_id"`
	ModelKind   string    `json:"model_kind"`
	Threshold   float64   `json:"threshold"`
	Examples    int       `json:"examples"`
	Positives   int       `json:"positives"`
	Negatives   int       `json:"negatives"`
	Confusion   Confusion `json:"confusion"`
	Precision   float64   `json:"precision"`
	Recall      float64   `json:"recall"`
	F1          float64   `json:"f1"`
	Accuracy    float64   `json:"accuracy"`
	Specificity float64   `json:"specificity"`
	// ROCAUC is nil when the held-out set lacks one of the classes.
	ROCAUC *float64 `json:"roc_auc"`
	// AveragePrecision is nil when there is no positive example.
	AveragePrecision *float64 `json:"average_precision"`
	TopRanked        []Ranked `json:"top_ranked"`
}

// Evaluate scores every example with model and computes the report.
func Evaluate(ctx context.Context, model *training.TrainedModel, examples []types.TrainingExample, opts Options) (*Report, error) {
	if len(examples) == 0 {
		return nil, ErrNoExamples
	}
	r := &Report{ModelID: model.ID, ModelKind: model.Kind, Threshold: model.Threshold, Examples: len(examples)}
	ranked := make([]Ranked, 0, len(examples))
	for i, ex := range examples {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		pred, score, err := model.Predict(ex.Vector)
		if err != nil {
			return nil, fmt.Errorf("evaluation: %w", err)
		}
		switch {
		case ex.Label == types.LabelMalicious && pred == types.LabelMalicious:
			r.Confusion.TP++
		case ex.Label == types.LabelMalicious:
			r.Confusion.FN++
		case pred == types.LabelMalicious:
			r.Confusion.FP++
		default:
			r.Confusion.TN++
		}
		ranked = append(ranked, Ranked{User: ex.Vector.User, Day: ex.Vector.Day, Score: score, Label: ex.Label, Scenario: ex.Scenario})
	}
	c := r.Confusion
	r.Positives = c.TP + c.FN
	r.Negatives = c.TN + c.FP
	r.Precision = ratio(c.TP, c.TP+c.FP)
	r.Recall = ratio(c.TP, c.TP+c.FN)
	r.Specificity = ratio(c.TN, c.TN+c.FP)
	r.Accuracy = ratio(c.TP+c.TN, len(examples))
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}

	scores := make([]float64, len(ranked))
	labels := make([]int, len(ranked))
	for i, rk := range ranked {
		scores[i], labels[i] = rk.Score, rk.Label
	}
	if auc, ok := ROCAUC(scores, labels); ok {
		r.ROCAUC = &auc
	}
	if ap, ok := AveragePrecision(scores, labels); ok {
		r.AveragePrecision = &ap
	}

	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		ka, kb := types.EntityDay{User: a.User, Day: a.Day}, types.EntityDay{User: b.User, Day: b.Day}
		if ka.Less(kb) {
			return -1
		}
		if kb.Less(ka) {
			return 1
		}
		return 0
	})
	if opts.TopK > 0 && len(ranked) > opts.TopK {
		ranked = ranked[:opts.TopK]
	}
	r.TopRanked = ranked
	return r, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// ROCAUC computes the area under the ROC curve as the Mann-Whitney U
// statistic with tied scores sharing their average rank. ok is false when
// either class is absent.
func ROCAUC(scores []float64, labels []int) (auc float64, ok bool) {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	var pos, neg int
	rankSum := 0.0
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		// ranks i+1..j share their mean
		avg := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			if labels[idx[k]] == types.LabelMalicious {
				pos++
				rankSum += avg
			} else {
				neg++
			}
		}
		i = j
	}
	if pos == 0 || neg == 0 {
		return 0, false
	}
	u := rankSum - float64(pos)*float64(pos+1)/2
	return u / (float64(pos) * float64(neg)), true
}

// AveragePrecision summarizes the precision-recall curve as the
// recall-weighted mean of precision at each distinct score threshold. ok is
// false when there is no positive example.
func AveragePrecision(scores []float64, labels []int) (ap float64, ok bool) {
	total := 0
	for _, l := range labels {
		if l == types.LabelMalicious {
			total++
		}
	}
	if total == 0 {
		return 0, false
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	var tp, fp int
	prevRecall := 0.0
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && scores[idx[j]] == scores[idx[i]] {
			if labels[idx[j]] == types.LabelMalicious {
				tp++
			} else {
				fp++
			}
			j++
		}
		recall := float64(tp) / float64(total)
		precision := float64(tp) / float64(tp+fp)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
		i = j
	}
	return ap, true
}
