// Package metrics holds the Prometheus collectors of the pipeline. They live
// in a dedicated registry that is dumped to a textfile at the end of every
// run; the pipeline exposes no HTTP endpoint.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every pipeline collector (registered once). The values
// describe a single run; call Reset before starting the next one.
var Registry = prometheus.NewRegistry()

var (
	RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itp_records_ingested_total",
			Help: "Raw log records normalized into events",
		},
		[]string{"source"},
	)
	RecordsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itp_records_skipped_total",
			Help: "Raw log records skipped as malformed",
		},
		[]string{"source", "reason"},
	)
	FilesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itp_files_failed_total",
			Help: "Raw log files whose ingestion was aborted",
		},
		[]string{"source"},
	)
	FeatureVectors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "itp_feature_vectors",
			Help: "Entity-day feature vectors built by the run",
		},
	)
	DataQualityWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itp_data_quality_warnings_total",
			Help: "Non-fatal data quality findings",
		},
		[]string{"kind"},
	)
	TrainingExamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itp_training_examples_total",
			Help: "Labeled examples per split and label",
		},
		[]string{"split", "label"},
	)
	AlertsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itp_alerts_generated_total",
			Help: "Detection rule alerts generated",
		},
		[]string{"rule", "severity"},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "itp_stage_duration_seconds",
			Help:    "Wall time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"stage"},
	)
	StageRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itp_stage_runs_total",
			Help: "Pipeline stage executions by outcome",
		},
		[]string{"stage", "status"},
	)
	EvaluationScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "itp_evaluation_score",
			Help: "Latest evaluation metrics of the trained model",
		},
		[]string{"metric"},
	)
)

func init() {
	Registry.MustRegister(
		RecordsIngested,
		RecordsSkipped,
		FilesFailed,
		FeatureVectors,
		DataQualityWarnings,
		TrainingExamples,
		AlertsGenerated,
		StageDuration,
		StageRuns,
		EvaluationScore,
	)
}

// Reset clears every collector so that a new run starts from zero.
func Reset() {
	RecordsIngested.Reset()
	RecordsSkipped.Reset()
	FilesFailed.Reset()
	FeatureVectors.Set(0)
	DataQualityWarnings.Reset()
	TrainingExamples.Reset()
	AlertsGenerated.Reset()
	StageDuration.Reset()
	StageRuns.Reset()
	EvaluationScore.Reset()
}

// WriteTextfile dumps the registry in the Prometheus text format, e.g. for
// the node-exporter textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
