package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/features"
	"github.com/invisible-tech/insider-threat-pipeline/internal/narrative"
	"github.com/invisible-tech/insider-threat-pipeline/internal/training"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
	"github.com/invisible-tech/insider-threat-pipeline/internal/version"
)

func newTestRun(t *testing.T) (*Store, *Run) {
	t.Helper()
	store := NewStore(t.TempDir(), "r4.2")
	run, err := store.NewRun(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return store, run
}

func TestStore_Runs(t *testing.T) {
	store := NewStore(t.TempDir(), "r4.2")

	_, err := store.LatestRun()
	assert.ErrorIs(t, err, ErrNoRuns)

	first, err := store.NewRun(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	second, err := store.NewRun(time.Date(2024, 3, 2, 8, 0, 0, 0, time.FixedZone("X", 3600)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.ID, "20240301T120000.000000000Z-"))
	assert.True(t, strings.HasPrefix(second.ID, "20240302T070000.000000000Z-"))
	assert.Len(t, first.ID, len("20240301T120000.000000000Z-")+8)

	// unrelated directories are not runs
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "scratch"), 0o755))

	ids, err := store.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, ids)

	latest, err := store.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = store.OpenRun("missing")
	assert.Error(t, err)
}

func TestStore_LatestRun_SameInstant(t *testing.T) {
	store := NewStore(t.TempDir(), "r4.2")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var last *Run
	for i := 0; i < 50; i++ {
		run, err := store.NewRun(now)
		require.NoError(t, err)
		last = run
	}

	ids, err := store.Runs()
	require.NoError(t, err)
	assert.Len(t, ids, 50)
	latest, err := store.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, last.ID, latest.ID)
}

func TestRun_Events(t *testing.T) {
	_, run := newTestRun(t)
	events := []types.NormalizedEvent{
		{ID: "1", UserID: "AAA0001", Timestamp: time.Date(2010, 1, 4, 9, 0, 0, 0, time.UTC), Source: types.SourceLogon, Type: types.EventLogon, PC: "PC-1"},
		{ID: "2", UserID: "AAA0001", Timestamp: time.Date(2010, 1, 4, 10, 0, 0, 0, time.UTC), Source: types.SourceHTTP, Type: types.EventHTTPVisit,
			Categorical: map[string]string{types.PayloadDomain: "wikileaks.org"}},
	}
	n, err := run.WriteEvents(sliceSeq(events))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := run.ReadEvents()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "wikileaks.org", got[1].Cat(types.PayloadDomain))
	assert.True(t, events[0].Timestamp.Equal(got[0].Timestamp))

	stop := errors.New("stop")
	seen := 0
	err = run.ScanEvents(func(types.NormalizedEvent) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func TestRun_FeaturesRoundTrip(t *testing.T) {
	_, run := newTestRun(t)
	schema := features.NewSchema(map[string][]string{"leak": {"wikileaks.org"}})
	vals := make([]float64, len(schema.Names))
	vals[0] = 3
	vals[1] = 0.125
	table := &types.FeatureTable{
		Schema: schema,
		Vectors: []types.FeatureVector{
			{User: "AAA0001", Day: "2010-01-04", Role: "Salesman", Values: vals},
			{User: "AAA0001", Day: "2010-01-05", Role: "Salesman", Values: make([]float64, len(schema.Names))},
		},
	}
	require.NoError(t, run.WriteFeatures(table))

	got, err := run.ReadFeatures()
	require.NoError(t, err)
	assert.Equal(t, schema.Version, got.Schema.Version)
	assert.Equal(t, schema.Names, got.Schema.Names)
	assert.Equal(t, table.Vectors, got.Vectors)

	raw, err := os.ReadFile(run.Path(FileFeatures))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "user,day,role,"+schema.Names[0]))
}

func TestRun_ReadFeatures_BadHeader(t *testing.T) {
	_, run := newTestRun(t)
	require.NoError(t, os.WriteFile(run.Path(FileFeatures), []byte("day,user\n"), 0o644))
	_, err := run.ReadFeatures()
	var sm *types.SchemaMismatchError
	assert.ErrorAs(t, err, &sm)
}

func TestRun_Narratives(t *testing.T) {
	_, run := newTestRun(t)
	require.NoError(t, run.WriteNarratives([]narrative.Narrative{
		{Day: "2010-01-04", User: "AAA0001", Text: "User AAA0001 (Role: Salesman) on PC-1: Logged on at 09:00."},
	}))
	raw, err := os.ReadFile(run.Path(FileNarratives))
	require.NoError(t, err)
	assert.Equal(t, "date,user,narrative\n2010-01-04,AAA0001,User AAA0001 (Role: Salesman) on PC-1: Logged on at 09:00.\n", string(raw))
}

func TestRun_ExamplesAndAlerts(t *testing.T) {
	_, run := newTestRun(t)
	examples := []types.TrainingExample{
		{Vector: types.FeatureVector{User: "A", Day: "2010-01-04", Values: []float64{1, 2}}, Label: types.LabelMalicious, Scenario: "1"},
		{Vector: types.FeatureVector{User: "B", Day: "2010-01-04", Values: []float64{0, 0}}, Label: types.LabelBenign},
	}
	require.NoError(t, run.WriteExamples(FileHoldout, examples))
	got, err := run.ReadExamples(FileHoldout)
	require.NoError(t, err)
	assert.Equal(t, examples, got)

	require.NoError(t, run.WriteAlerts([]*types.Alert{{ID: "ITP-002:A:2010-01-04", RuleID: "ITP-002", Severity: types.SeverityCritical}}))
	alerts, err := run.ReadAlerts()
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "ITP-002", alerts[0].RuleID)
	assert.True(t, run.Exists(FileAlerts))
	assert.False(t, run.Exists(FileReport))
}

func TestRun_ModelVersionCheck(t *testing.T) {
	_, run := newTestRun(t)
	m := &training.TrainedModel{ID: "m1", SchemaVersion: version.ModelSchemaVersion, Kind: config.ModelRules, Threshold: 0.5}
	require.NoError(t, run.WriteModel(m))
	got, err := run.ReadModel()
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)

	m.SchemaVersion = version.ModelSchemaVersion + 1
	require.NoError(t, run.WriteModel(m))
	_, err = run.ReadModel()
	assert.Error(t, err)
}

func TestRun_Manifest(t *testing.T) {
	_, run := newTestRun(t)
	raw := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(raw, "logon.csv"), []byte("id,date,user,pc,activity\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(raw, "README"), []byte("x"), 0o644))

	cfg := config.Default()
	m := NewManifest(run, cfg, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, m.HashInputs(raw, filepath.Join(raw, "absent")))
	require.Len(t, m.Inputs, 1)

	m.SetStage(StageRecord{Name: "ingest", Status: StatusFailed, Error: "boom"})
	m.SetStage(StageRecord{Name: "ingest", Status: StatusSucceeded, Duration: 2 * time.Second, Counts: map[string]int{"emitted": 10}})
	m.SetStage(StageRecord{Name: "features", Status: StatusSucceeded})
	require.NoError(t, run.WriteManifest(m))

	got, err := run.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.RunID)
	assert.Equal(t, "r4.2", got.Release)
	assert.Equal(t, cfg.Training, got.Config.Training)
	assert.Equal(t, m.Inputs[0].Hash, got.Inputs[0].Hash)
	require.Len(t, got.Stages, 2)
	ingest, ok := got.Stage("ingest")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, ingest.Status)
	assert.Equal(t, 2*time.Second, ingest.Duration)
	assert.Equal(t, 10, ingest.Counts["emitted"])
}

func TestRun_WriteAtomicLeavesNoTemp(t *testing.T) {
	_, run := newTestRun(t)
	require.NoError(t, run.WriteJSON(FileIngestStats, map[string]int{"files": 5}))
	entries, err := os.ReadDir(run.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileIngestStats, entries[0].Name())
}

func TestRun_ReadFeatureSchema(t *testing.T) {
	_, run := newTestRun(t)
	schema := features.NewSchema(nil)
	require.NoError(t, run.WriteFeatures(&types.FeatureTable{Schema: schema}))
	got, err := run.ReadFeatureSchema()
	require.NoError(t, err)
	assert.Equal(t, schema, got)
}
