package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/insider-threat-pipeline/internal/artifact"
	"github.com/invisible-tech/insider-threat-pipeline/internal/detection"
	"github.com/invisible-tech/insider-threat-pipeline/internal/evaluation"
	"github.com/invisible-tech/insider-threat-pipeline/internal/features"
	"github.com/invisible-tech/insider-threat-pipeline/internal/ingest"
	"github.com/invisible-tech/insider-threat-pipeline/internal/labels"
	"github.com/invisible-tech/insider-threat-pipeline/internal/metrics"
	"github.com/invisible-tech/insider-threat-pipeline/internal/narrative"
	"github.com/invisible-tech/insider-threat-pipeline/internal/training"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// WarningOutsideWindow is the DataQualityWarning kind for events dated
// outside the configured observation window.
const WarningOutsideWindow = "outside_window"

// IngestStats is the content of ingest_stats.json.
type IngestStats struct {
	Files    []ingest.FileStats   `json:"files"`
	Failures []ingest.FileFailure `json:"failures,omitempty"`
	Total    int                  `json:"total"`
	Emitted  int                  `json:"emitted"`
	Skipped  int                  `json:"skipped"`
}

// Ingest reads the raw release into events.jsonl and ingest_stats.json.
func (r *Runner) Ingest(ctx context.Context, run *artifact.Run) (*ingest.Result, error) {
	var res *ingest.Result
	err := r.stage(ctx, run, StageIngest, func(_ *artifact.Manifest) (map[string]int, error) {
		sources, err := r.cfg.SourceTypes()
		if err != nil {
			return nil, err
		}
		roles, err := ingest.LoadRoleDirectory(r.cfg.LDAPPath(), r.log)
		if err != nil {
			return nil, err
		}
		in := ingest.New(sources, r.cfg.Ingest.Parallelism, ingest.Options{
			Location:  r.loc,
			OrgDomain: r.cfg.Dataset.OrgDomain,
			Roles:     roles,
			Logger:    r.log,
		})
		res, err = in.Run(ctx, r.cfg.ReleaseDir())
		if err != nil {
			return nil, err
		}
		recordIngestMetrics(res)
		total, emitted, skipped := res.Totals()
		counts := map[string]int{
			"files":    len(res.Files),
			"failures": len(res.Failures),
			"total":    total,
			"emitted":  emitted,
			"skipped":  skipped,
		}
		for _, f := range res.Failures {
			r.log.WithFields(logrus.Fields{"source": f.Source, "path": f.Path}).WithError(f.Err).Warn("Source file not ingested")
		}
		if _, err := run.WriteEvents(res.Stream()); err != nil {
			return counts, err
		}
		stats := IngestStats{Files: res.Files, Failures: res.Failures, Total: total, Emitted: emitted, Skipped: skipped}
		return counts, run.WriteJSON(artifact.FileIngestStats, stats)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func recordIngestMetrics(res *ingest.Result) {
	for _, f := range res.Files {
		src := string(f.Source)
		metrics.RecordsIngested.WithLabelValues(src).Add(float64(f.Emitted))
		for reason, n := range f.SkipReasons {
			metrics.RecordsSkipped.WithLabelValues(src, reason).Add(float64(n))
		}
	}
	for _, f := range res.Failures {
		metrics.FilesFailed.WithLabelValues(string(f.Source)).Inc()
	}
}

// eventSeq streams events.jsonl; the returned func reports a read error
// once the sequence is exhausted.
func eventSeq(run *artifact.Run) (iter.Seq[types.NormalizedEvent], func() error) {
	var err error
	seq := func(yield func(types.NormalizedEvent) bool) {
		err = run.ScanEvents(func(ev types.NormalizedEvent) error {
			if !yield(ev) {
				return errStop
			}
			return nil
		})
		if errors.Is(err, errStop) {
			err = nil
		}
	}
	return seq, func() error { return err }
}

var errStop = errors.New("stop iteration")

// BuildFeatures turns events.jsonl into features.csv, narratives.csv and
// alerts.jsonl.
func (r *Runner) BuildFeatures(ctx context.Context, run *artifact.Run) (*types.FeatureTable, []*types.Alert, error) {
	var (
		table  *types.FeatureTable
		alerts []*types.Alert
	)
	err := r.stage(ctx, run, StageFeatures, func(m *artifact.Manifest) (map[string]int, error) {
		opts := features.Options{
			Location:         r.loc,
			WorkdayStartHour: r.cfg.Features.WorkdayStartHour,
			WorkdayEndHour:   r.cfg.Features.WorkdayEndHour,
			WindowStart:      types.Day(r.cfg.Features.WindowStart),
			WindowEnd:        types.Day(r.cfg.Features.WindowEnd),
			DomainCategories: r.cfg.Features.DomainCategories,
		}
		events, readErr := eventSeq(run)
		var stats features.Stats
		table, stats = features.BuildTable(events, opts)
		if err := readErr(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		counts := map[string]int{
			"events":         stats.Events,
			"outside_window": stats.OutsideWindow,
			"users":          stats.Users,
			"days":           stats.Days,
			"vectors":        stats.Vectors,
		}
		if stats.OutsideWindow > 0 {
			w := &types.DataQualityWarning{
				Kind:   WarningOutsideWindow,
				Detail: fmt.Sprintf("events outside %s..%s", stats.WindowStart, stats.WindowEnd),
				Count:  stats.OutsideWindow,
			}
			r.warn(w)
		}
		metrics.FeatureVectors.Set(float64(len(table.Vectors)))
		m.FeatureSchemaVersion = table.Schema.Version
		if err := run.WriteFeatures(table); err != nil {
			return counts, err
		}

		events, readErr = eventSeq(run)
		stories, err := narrative.Build(events, r.loc)
		if err == nil {
			err = readErr()
		}
		if err != nil {
			return counts, fmt.Errorf("narratives: %w", err)
		}
		counts["narratives"] = len(stories)
		if err := run.WriteNarratives(stories); err != nil {
			return counts, err
		}

		alerts = detection.NewEngine().EvaluateTable(table)
		for _, a := range alerts {
			metrics.AlertsGenerated.WithLabelValues(a.RuleID, a.Severity).Inc()
			r.log.WithFields(logrus.Fields{
				"alert_id": a.ID, "rule_id": a.RuleID, "rule_name": a.RuleName,
				"severity": a.Severity, "user": a.User, "day": a.Day, "mitre": a.MitreID,
			}).Debug("Detection rule fired")
		}
		counts["alerts"] = len(alerts)
		return counts, run.WriteAlerts(alerts)
	})
	if err != nil {
		return nil, nil, err
	}
	return table, alerts, nil
}

func (r *Runner) warn(w *types.DataQualityWarning) {
	metrics.DataQualityWarnings.WithLabelValues(w.Kind).Add(float64(w.Count))
	r.log.WithFields(logrus.Fields{"kind": w.Kind, "count": w.Count}).Warn(w.Detail)
}

// loadLabels reads the configured label source: an explicit labels CSV
// when set, the CERT answers directory otherwise.
func (r *Runner) loadLabels() ([]types.LabelRecord, error) {
	if r.cfg.Dataset.LabelsFile != "" {
		return labels.LoadCSV(r.cfg.Dataset.LabelsFile)
	}
	return labels.LoadInsiders(r.cfg.AnswersPath(), r.cfg.Dataset.Release, r.loc)
}

// JoinLabels attaches ground truth to features.csv and writes examples.jsonl.
func (r *Runner) JoinLabels(ctx context.Context, run *artifact.Run) (*labels.JoinResult, error) {
	var res *labels.JoinResult
	err := r.stage(ctx, run, StageLabels, func(_ *artifact.Manifest) (map[string]int, error) {
		table, err := run.ReadFeatures()
		if err != nil {
			return nil, err
		}
		records, err := r.loadLabels()
		if err != nil {
			return map[string]int{"vectors": len(table.Vectors)}, err
		}
		ix := labels.NewIndex(records)
		res = labels.Join(table, ix)
		counts := map[string]int{
			"labels":    ix.Len(),
			"vectors":   res.Stats.Vectors,
			"examples":  res.Stats.Examples,
			"matched":   res.Stats.Matched,
			"positives": res.Stats.Positives,
			"negatives": res.Stats.Negatives,
			"orphans":   res.Stats.Orphans,
		}
		if res.Warning != nil {
			r.warn(res.Warning)
		}
		if res.Stats.Positives == 0 {
			r.log.WithField("labels", ix.Len()).Warn("No malicious entity-day in the examples")
		}
		return counts, run.WriteExamples(artifact.FileExamples, res.Examples)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Train splits examples.jsonl, writes holdout.jsonl and fits the model.
// No model.json is written when training fails.
func (r *Runner) Train(ctx context.Context, run *artifact.Run) (*training.TrainedModel, error) {
	var model *training.TrainedModel
	err := r.stage(ctx, run, StageTrain, func(m *artifact.Manifest) (map[string]int, error) {
		schema, err := run.ReadFeatureSchema()
		if err != nil {
			return nil, err
		}
		examples, err := run.ReadExamples(artifact.FileExamples)
		if err != nil {
			return nil, err
		}
		trainer := training.NewTrainer(r.cfg.Training, r.log)
		split, err := trainer.Split(examples)
		if err != nil {
			return nil, err
		}
		recordSplitMetrics("train", split.Train)
		recordSplitMetrics("holdout", split.Holdout)
		counts := map[string]int{
			"examples":          len(examples),
			"train":             len(split.Train),
			"train_positives":   types.CountPositives(split.Train),
			"holdout":           len(split.Holdout),
			"holdout_positives": types.CountPositives(split.Holdout),
			"dropped":           split.Dropped,
		}
		if err := run.WriteExamples(artifact.FileHoldout, split.Holdout); err != nil {
			return counts, err
		}
		model, err = trainer.Train(ctx, schema, split.Train)
		if err != nil {
			return counts, err
		}
		m.ModelID = model.ID
		return counts, run.WriteModel(model)
	})
	if err != nil {
		return nil, err
	}
	return model, nil
}

func recordSplitMetrics(split string, examples []types.TrainingExample) {
	pos := types.CountPositives(examples)
	metrics.TrainingExamples.WithLabelValues(split, "malicious").Add(float64(pos))
	metrics.TrainingExamples.WithLabelValues(split, "benign").Add(float64(len(examples) - pos))
}

// Evaluate scores holdout.jsonl with model.json and writes report.json.
func (r *Runner) Evaluate(ctx context.Context, run *artifact.Run) (*evaluation.Report, error) {
	var report *evaluation.Report
	err := r.stage(ctx, run, StageEvaluate, func(_ *artifact.Manifest) (map[string]int, error) {
		model, err := run.ReadModel()
		if err != nil {
			return nil, err
		}
		schema, err := run.ReadFeatureSchema()
		if err != nil {
			return nil, err
		}
		if err := model.CheckCompatible(schema); err != nil {
			return nil, err
		}
		holdout, err := run.ReadExamples(artifact.FileHoldout)
		if err != nil {
			return nil, err
		}
		report, err = evaluation.Evaluate(ctx, model, holdout, evaluation.Options{TopK: r.cfg.Evaluation.TopK})
		if err != nil {
			return map[string]int{"examples": len(holdout)}, err
		}
		recordReportMetrics(report)
		r.log.WithFields(logrus.Fields{
			"model_id":  report.ModelID,
			"precision": report.Precision,
			"recall":    report.Recall,
			"f1":        report.F1,
		}).Info("Evaluated model")
		counts := map[string]int{
			"examples":  report.Examples,
			"positives": report.Positives,
			"tp":        report.Confusion.TP,
			"fp":        report.Confusion.FP,
			"tn":        report.Confusion.TN,
			"fn":        report.Confusion.FN,
		}
		return counts, run.WriteJSON(artifact.FileReport, report)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func recordReportMetrics(rep *evaluation.Report) {
	metrics.EvaluationScore.WithLabelValues("precision").Set(rep.Precision)
	metrics.EvaluationScore.WithLabelValues("recall").Set(rep.Recall)
	metrics.EvaluationScore.WithLabelValues("f1").Set(rep.F1)
	metrics.EvaluationScore.WithLabelValues("accuracy").Set(rep.Accuracy)
	if rep.ROCAUC != nil {
		metrics.EvaluationScore.WithLabelValues("roc_auc").Set(*rep.ROCAUC)
	} else {
		metrics.EvaluationScore.DeleteLabelValues("roc_auc")
	}
	if rep.AveragePrecision != nil {
		metrics.EvaluationScore.WithLabelValues("average_precision").Set(*rep.AveragePrecision)
	} else {
		metrics.EvaluationScore.DeleteLabelValues("average_precision")
	}
}
