package training

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
	"github.com/invisible-tech/insider-threat-pipeline/internal/version"
)

// Trainer fits models according to a TrainingConfig.
type Trainer struct {
	cfg config.TrainingConfig
	log *logrus.Logger
	now func() time.Time
}

// NewTrainer creates a Trainer.
func NewTrainer(cfg config.TrainingConfig, log *logrus.Logger) *Trainer {
	return &Trainer{cfg: cfg, log: log, now: time.Now}
}

// Split partitions examples with the configured strategy.
func (t *Trainer) Split(examples []types.TrainingExample) (*Split, error) {
	s, err := SplitExamples(examples, t.cfg)
	if err != nil {
		return nil, err
	}
	fields := logrus.Fields{
		"strategy": s.Strategy,
		"train":    len(s.Train),
		"holdout":  len(s.Holdout),
	}
	if s.Strategy == config.SplitRandom {
		t.log.WithFields(fields).Warn("Random split ignores time order, evaluation may be optimistic")
	} else {
		fields["cutoff"] = s.Cutoff
		fields["held_out_users"] = len(s.HeldOutUsers)
		fields["dropped"] = s.Dropped
		t.log.WithFields(fields).Info("Split examples")
	}
	return s, nil
}

// Train fits the configured model family on train. An empty training set
// or a numerical failure yields a *types.TrainingFailure.
func (t *Trainer) Train(ctx context.Context, schema types.FeatureSchema, train []types.TrainingExample) (*TrainedModel, error) {
	positives := types.CountPositives(train)
	fail := func(reason string, err error) error {
		return &types.TrainingFailure{Reason: reason, Examples: len(train), Positives: positives, Err: err}
	}
	if len(train) == 0 {
		return nil, fail("empty training set", nil)
	}
	for _, ex := range train {
		if len(ex.Vector.Values) != len(schema.Names) {
			return nil, fail("feature vector does not match schema", nil)
		}
	}

	m := &TrainedModel{
		ID:                   uuid.NewString(),
		SchemaVersion:        version.ModelSchemaVersion,
		Kind:                 t.cfg.ModelKind,
		FeatureNames:         append([]string(nil), schema.Names...),
		FeatureSchemaVersion: schema.Version,
		Threshold:            t.cfg.Threshold,
		Seed:                 t.cfg.RandomSeed,
		SplitStrategy:        t.cfg.SplitStrategy,
		TrainedAt:            t.now().UTC(),
		TrainExamples:        len(train),
		TrainPositives:       positives,
	}
	log := t.log.WithFields(logrus.Fields{
		"model_id":  m.ID,
		"kind":      m.Kind,
		"examples":  len(train),
		"positives": positives,
	})
	singleClass := positives == 0 || positives == len(train)
	if singleClass {
		log.Warn("Training set has a single class")
	}

	if m.Kind == config.ModelRules {
		m.Rules = &RulesParams{MinSeverity: t.cfg.RulesMinSeverity}
		m.Threshold = float64(types.SeverityRank(t.cfg.RulesMinSeverity)) / float64(types.SeverityRank(types.SeverityCritical))
		log.Info("Rules model ready")
		return m, nil
	}

	rows := make([][]float64, len(train))
	y := make([]int, len(train))
	for i, ex := range train {
		rows[i] = ex.Vector.Values
		y[i] = ex.Label
	}
	m.Scaler = FitScaler(rows)
	x := m.Scaler.TransformAll(rows)

	switch m.Kind {
	case config.ModelLogistic:
		if singleClass {
			m.Logistic = constantLogistic(len(schema.Names), positives, len(train))
			break
		}
		fit := logisticFit{
			l2:        t.cfg.L2,
			maxIter:   t.cfg.MaxIterations,
			tolerance: t.cfg.Tolerance,
			weights:   classWeights(t.cfg.ClassWeight, len(train), positives),
		}
		params, err := fit.fit(ctx, x, y)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fail("logistic regression", err)
		}
		m.Logistic = params
		log = log.WithFields(logrus.Fields{"iterations": params.Iterations, "loss": params.FinalLoss})
	case config.ModelNaiveBayes:
		m.NaiveBayes = fitNaiveBayes(x, y, t.cfg.VarSmoothing)
	default:
		return nil, fail("unknown model kind "+m.Kind, nil)
	}
	log.Info("Model trained")
	return m, nil
}

// classWeights returns the sample weight of benign and malicious examples.
// Balanced weights are n / (2 × class count).
func classWeights(mode string, n, positives int) [2]float64 {
	negatives := n - positives
	if mode != config.ClassWeightBalanced || positives == 0 || negatives == 0 {
		return [2]float64{1, 1}
	}
	return [2]float64{
		float64(n) / (2 * float64(negatives)),
		float64(n) / (2 * float64(positives)),
	}
}
