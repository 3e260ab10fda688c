package detection

import (
	"testing"

	"github.com/invisible-tech/insider-threat-pipeline/internal/features"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

var testSchema = features.NewSchema(map[string][]string{
	CategoryLeak:         {"wikileaks.org"},
	CategoryJobSearch:    {"monster.com"},
	CategoryHacking:      {"keylogger.org"},
	CategoryCloudStorage: {"dropbox.com"},
})

func vector(set map[string]float64) types.FeatureVector {
	v := types.FeatureVector{User: "ACM2278", Day: "2010-08-18", Role: "ITAdmin", Values: make([]float64, len(testSchema.Names))}
	for name, val := range set {
		i := testSchema.Index(name)
		if i < 0 {
			panic("unknown feature " + name)
		}
		v.Values[i] = val
	}
	return v
}

func ruleIDs(alerts []*types.Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.RuleID
	}
	return ids
}

func TestNewEngine(t *testing.T) {
	e := NewEngine()
	if e == nil {
		t.Fatal("NewEngine returned nil")
	}
	if len(e.Rules()) < 7 {
		t.Errorf("len(Rules()) = %d, want >= 7", len(e.Rules()))
	}

	seen := map[string]bool{}
	for _, r := range e.Rules() {
		if seen[r.ID] {
			t.Errorf("duplicate rule %s", r.ID)
		}
		seen[r.ID] = true
		if types.SeverityRank(r.Severity) == 0 {
			t.Errorf("rule %s has unknown severity %q", r.ID, r.Severity)
		}
	}
}

func TestEngine_Evaluate_NoMatch(t *testing.T) {
	alerts := NewEngine().Evaluate(testSchema, vector(map[string]float64{
		features.LogonCount: 1, features.HTTPCount: 20, features.EmailCount: 3,
	}))
	if len(alerts) != 0 {
		t.Errorf("Evaluate = %v, want no alerts", ruleIDs(alerts))
	}
}

func TestEngine_Evaluate_Rules(t *testing.T) {
	tests := []struct {
		rule     string
		severity string
		set      map[string]float64
	}{
		{"ITP-001", types.SeverityHigh, map[string]float64{features.AfterHoursDeviceCount: 1, features.DeviceConnectCount: 1}},
		{"ITP-002", types.SeverityCritical, map[string]float64{features.CategoryFeature(CategoryLeak): 2}},
		{"ITP-004", types.SeverityHigh, map[string]float64{features.CategoryFeature(CategoryHacking): 1}},
		{"ITP-005", types.SeverityMedium, map[string]float64{features.EmailExternalRecipientCount: 6, features.EmailAttachmentCount: 1}},
		{"ITP-006", types.SeverityLow, map[string]float64{features.AfterHoursLogonCount: 1}},
		{"ITP-007", types.SeverityMedium, map[string]float64{features.FileExeCopyCount: 1}},
		{"ITP-008", types.SeverityHigh, map[string]float64{features.CategoryUploadFeature(CategoryCloudStorage): 1}},
	}
	e := NewEngine()
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			alerts := e.Evaluate(testSchema, vector(tt.set))
			if len(alerts) != 1 {
				t.Fatalf("Evaluate = %v, want [%s]", ruleIDs(alerts), tt.rule)
			}
			a := alerts[0]
			if a.RuleID != tt.rule {
				t.Errorf("RuleID = %q, want %q", a.RuleID, tt.rule)
			}
			if a.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", a.Severity, tt.severity)
			}
			if want := tt.rule + ":ACM2278:2010-08-18"; a.ID != want {
				t.Errorf("ID = %q, want %q", a.ID, want)
			}
			if a.Role != "ITAdmin" {
				t.Errorf("Role = %q, want ITAdmin", a.Role)
			}
			if len(a.Actions) == 0 {
				t.Error("alert carries no actions")
			}
		})
	}
}

func TestEngine_Evaluate_JobSearchNeedsDevice(t *testing.T) {
	e := NewEngine()
	if alerts := e.Evaluate(testSchema, vector(map[string]float64{features.CategoryFeature(CategoryJobSearch): 3})); len(alerts) != 0 {
		t.Errorf("job search alone: got %v", ruleIDs(alerts))
	}

	alerts := e.Evaluate(testSchema, vector(map[string]float64{
		features.CategoryFeature(CategoryJobSearch): 3, features.DeviceConnectCount: 1,
	}))
	if len(alerts) != 1 || alerts[0].RuleID != "ITP-003" {
		t.Errorf("job search with device: got %v, want [ITP-003]", ruleIDs(alerts))
	}
}

func TestEngine_Evaluate_MassEmailThreshold(t *testing.T) {
	e := NewEngine()
	for _, set := range []map[string]float64{
		{features.EmailExternalRecipientCount: 4, features.EmailAttachmentCount: 2},
		{features.EmailExternalRecipientCount: 10},
	} {
		if alerts := e.Evaluate(testSchema, vector(set)); len(alerts) != 0 {
			t.Errorf("Evaluate(%v) = %v, want no alerts", set, ruleIDs(alerts))
		}
	}
}

func TestEngine_Evaluate_CloudUploadNeedsCloudTarget(t *testing.T) {
	// a cloud storage visit and an upload elsewhere on the same day
	alerts := NewEngine().Evaluate(testSchema, vector(map[string]float64{
		features.CategoryFeature(CategoryCloudStorage): 3,
		features.HTTPUploadCount:                       2,
		features.CategoryUploadFeature(CategoryLeak):   2,
	}))
	for _, a := range alerts {
		if a.RuleID == "ITP-008" {
			t.Errorf("ITP-008 fired for uploads outside cloud storage: %v", ruleIDs(alerts))
		}
	}
}

func TestEngine_MaxSeverity(t *testing.T) {
	e := NewEngine()
	v := vector(map[string]float64{
		features.AfterHoursLogonCount:          1,
		features.CategoryFeature(CategoryLeak): 1,
		features.AfterHoursDeviceCount:         1,
	})
	if got, want := e.MaxSeverity(testSchema, v), types.SeverityRank(types.SeverityCritical); got != want {
		t.Errorf("MaxSeverity = %d, want %d", got, want)
	}
	if alerts := e.Evaluate(testSchema, v); len(alerts) != 3 {
		t.Errorf("Evaluate = %v, want 3 alerts", ruleIDs(alerts))
	}
	if got := e.MaxSeverity(testSchema, vector(nil)); got != 0 {
		t.Errorf("MaxSeverity of a quiet day = %d, want 0", got)
	}
}

func TestEngine_MissingCategoryColumns(t *testing.T) {
	schema := features.NewSchema(nil)
	v := types.FeatureVector{User: "U", Day: "2010-01-04", Values: make([]float64, len(schema.Names))}
	if alerts := NewEngine().Evaluate(schema, v); len(alerts) != 0 {
		t.Errorf("Evaluate = %v, want no alerts", ruleIDs(alerts))
	}
}

func TestEngine_EvaluateTable(t *testing.T) {
	table := &types.FeatureTable{Schema: testSchema, Vectors: []types.FeatureVector{
		vector(map[string]float64{features.FileExeCopyCount: 1}),
		vector(nil),
		vector(map[string]float64{features.AfterHoursLogonCount: 2}),
	}}
	alerts := NewEngine().EvaluateTable(table)
	if len(alerts) != 2 {
		t.Fatalf("EvaluateTable = %v, want 2 alerts", ruleIDs(alerts))
	}
	if alerts[0].RuleID != "ITP-007" || alerts[1].RuleID != "ITP-006" {
		t.Errorf("EvaluateTable = %v, want [ITP-007 ITP-006]", ruleIDs(alerts))
	}
}

func TestNewEngineWithRules(t *testing.T) {
	e := NewEngineWithRules([]*Rule{{
		ID: "X-1", Severity: types.SeverityLow,
		Condition: func(d Day) bool { return d.F(features.TotalEvents) > 100 },
	}})
	if n := len(e.Evaluate(testSchema, vector(map[string]float64{features.TotalEvents: 101}))); n != 1 {
		t.Errorf("above threshold: %d alerts, want 1", n)
	}
	if n := len(e.Evaluate(testSchema, vector(map[string]float64{features.TotalEvents: 100}))); n != 0 {
		t.Errorf("at threshold: %d alerts, want 0", n)
	}
}
