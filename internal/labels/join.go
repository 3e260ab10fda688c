package labels

import (
	"fmt"
	"slices"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// WarningOrphanLabels is the DataQualityWarning kind for labels that match
// no feature vector.
const WarningOrphanLabels = "orphan_labels"

// JoinStats counts the outcome of a Join.
type JoinStats struct {
	Vectors   int `json:"vectors"`
	Examples  int `json:"examples"`
	Matched   int `json:"matched"`
	Positives int `json:"positives"`
	Negatives int `json:"negatives"`
	Orphans   int `json:"orphans"`
}

// JoinResult holds the labeled examples plus the labels left unmatched.
type JoinResult struct {
	Examples []types.TrainingExample
	Stats    JoinStats
	Orphans  []types.LabelRecord
	// Warning is set when some labels matched no vector.
	Warning *types.DataQualityWarning
}

// Join labels every vector of table: vectors with no label are benign.
// Examples are ordered by user then day and there is exactly one per
// vector. Labels whose entity-day has no vector are returned as orphans.
func Join(table *types.FeatureTable, ix *Index) *JoinResult {
	vectors := slices.Clone(table.Vectors)
	slices.SortStableFunc(vectors, func(a, b types.FeatureVector) int {
		switch ka, kb := a.Key(), b.Key(); {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		}
		return 0
	})

	res := &JoinResult{Examples: make([]types.TrainingExample, 0, len(vectors))}
	seen := make(map[types.EntityDay]bool, len(vectors))
	for _, v := range vectors {
		ex := types.TrainingExample{Vector: v, Label: types.LabelBenign}
		if rec, ok := ix.Lookup(v.Key()); ok {
			res.Stats.Matched++
			if rec.Malicious {
				ex.Label = types.LabelMalicious
				ex.Scenario = rec.Scenario
			}
		}
		if ex.Label == types.LabelMalicious {
			res.Stats.Positives++
		} else {
			res.Stats.Negatives++
		}
		seen[v.Key()] = true
		res.Examples = append(res.Examples, ex)
	}
	res.Stats.Vectors = len(table.Vectors)
	res.Stats.Examples = len(res.Examples)

	for _, key := range ix.Keys() {
		if !seen[key] {
			rec, _ := ix.Lookup(key)
			res.Orphans = append(res.Orphans, rec)
		}
	}
	res.Stats.Orphans = len(res.Orphans)
	if len(res.Orphans) > 0 {
		first := res.Orphans[0]
		res.Warning = &types.DataQualityWarning{
			Kind:   WarningOrphanLabels,
			Detail: fmt.Sprintf("labels without a feature vector, first is %s", first.Key()),
			Count:  len(res.Orphans),
		}
	}
	return res
}
