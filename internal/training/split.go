package training

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// Split is a train/evaluation partition of labeled examples.
type Split struct {
	Strategy string                  `json:"strategy"`
	Train    []types.TrainingExample `json:"-"`
	Holdout  []types.TrainingExample `json:"-"`
	// Cutoff is the first evaluation day of a time split.
	Cutoff types.Day `json:"cutoff,omitempty"`
	// HeldOutUsers appear only in Holdout.
	HeldOutUsers []string `json:"held_out_users,omitempty"`
	// Dropped counts pre-cutoff examples of held-out users.
	Dropped int `json:"dropped"`
}

// SplitExamples partitions examples according to cfg.
func SplitExamples(examples []types.TrainingExample, cfg config.TrainingConfig) (*Split, error) {
	switch cfg.SplitStrategy {
	case config.SplitTime:
		return TimeSplit(examples, cfg.ValidationFraction, cfg.HoldoutUserFraction, cfg.RandomSeed), nil
	case config.SplitRandom:
		return RandomSplit(examples, cfg.ValidationFraction, cfg.RandomSeed), nil
	}
	return nil, fmt.Errorf("training: unknown split strategy %q", cfg.SplitStrategy)
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// TimeSplit puts the last ceil(fraction × days) distinct days in the
// holdout set and everything earlier in the training set, so no training
// example of a user is ever dated after one of that user's holdout
// examples. With userFraction > 0 a seeded sample of users is removed from
// training entirely.
func TimeSplit(examples []types.TrainingExample, fraction, userFraction float64, seed uint64) *Split {
	s := &Split{Strategy: config.SplitTime}
	daySet := sets.New[types.Day]()
	userSet := sets.New[string]()
	for _, ex := range examples {
		daySet.Insert(ex.Vector.Day)
		userSet.Insert(ex.Vector.User)
	}
	days := sets.List(daySet)
	if len(days) == 0 {
		return s
	}
	n := int(math.Ceil(fraction * float64(len(days))))
	n = min(max(n, 1), len(days))
	s.Cutoff = days[len(days)-n]

	heldOut := sets.New[string]()
	if userFraction > 0 {
		users := sets.List(userSet)
		k := int(math.Round(userFraction * float64(len(users))))
		if k == 0 && len(users) > 1 {
			k = 1
		}
		rng := newRand(seed)
		rng.Shuffle(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] })
		heldOut.Insert(users[:min(k, len(users))]...)
		s.HeldOutUsers = sets.List(heldOut)
	}

	for _, ex := range examples {
		switch {
		case ex.Vector.Day >= s.Cutoff:
			s.Holdout = append(s.Holdout, ex)
		case heldOut.Has(ex.Vector.User):
			s.Dropped++
		default:
			s.Train = append(s.Train, ex)
		}
	}
	sortExamples(s.Train)
	sortExamples(s.Holdout)
	return s
}

// RandomSplit assigns ceil(fraction × n) examples, chosen by a seeded
// permutation, to the holdout set. It ignores time and can leak future
// behaviour of a user into training.
func RandomSplit(examples []types.TrainingExample, fraction float64, seed uint64) *Split {
	s := &Split{Strategy: config.SplitRandom}
	if len(examples) == 0 {
		return s
	}
	perm := newRand(seed).Perm(len(examples))
	n := min(int(math.Ceil(fraction*float64(len(examples)))), len(examples))
	for i, p := range perm {
		if i < n {
			s.Holdout = append(s.Holdout, examples[p])
		} else {
			s.Train = append(s.Train, examples[p])
		}
	}
	sortExamples(s.Train)
	sortExamples(s.Holdout)
	return s
}

func sortExamples(examples []types.TrainingExample) {
	slices.SortStableFunc(examples, func(a, b types.TrainingExample) int {
		switch ka, kb := a.Key(), b.Key(); {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		}
		return 0
	})
}
