// Package detection provides the heuristic rules engine that flags
// suspicious entity-days from their feature vectors.
package detection

import (
	"fmt"

	"github.com/invisible-tech/insider-threat-pipeline/internal/features"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// Domain categories the default rules look at.
const (
	CategoryLeak         = "leak"
	CategoryJobSearch    = "job_search"
	CategoryHacking      = "hacking"
	CategoryCloudStorage = "cloud_storage"
)

// massEmailRecipients is the external recipient count from which a day of
// email with attachments is flagged.
const massEmailRecipients = 5

// Day gives rules named access to one feature vector.
type Day struct {
	schema types.FeatureSchema
	vec    types.FeatureVector
}

// F returns the named feature, or 0 when the schema lacks it.
func (d Day) F(name string) float64 {
	return d.schema.Value(d.vec, name)
}

func (d Day) category(c string) float64 {
	return d.F(features.CategoryFeature(c))
}

func (d Day) uploads(c string) float64 {
	return d.F(features.CategoryUploadFeature(c))
}

// Rule defines a detection rule: condition and metadata.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    string
	MitreTactic string
	MitreID     string
	Condition   func(d Day) bool
	Actions     []string
}

// Engine evaluates feature vectors against rules and produces alerts.
type Engine struct {
	rules []*Rule
}

// NewEngine creates a detection engine with the default rule set.
func NewEngine() *Engine {
	return &Engine{rules: defaultRules()}
}

// NewEngineWithRules creates an engine over a custom rule set.
func NewEngineWithRules(rules []*Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate runs all rules against one vector. Alert ids are derived from
// rule, user and day, so re-running on the same data yields the same alerts.
func (e *Engine) Evaluate(schema types.FeatureSchema, vec types.FeatureVector) []*types.Alert {
	d := Day{schema: schema, vec: vec}
	var alerts []*types.Alert
	for _, rule := range e.rules {
		if !rule.Condition(d) {
			continue
		}
		alerts = append(alerts, &types.Alert{
			ID:          fmt.Sprintf("%s:%s:%s", rule.ID, vec.User, vec.Day),
			User:        vec.User,
			Day:         vec.Day,
			Role:        vec.Role,
			Severity:    rule.Severity,
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Description: rule.Description,
			MitreTactic: rule.MitreTactic,
			MitreID:     rule.MitreID,
			Actions:     rule.Actions,
		})
	}
	return alerts
}

// EvaluateTable runs Evaluate over every vector of the table, in table order.
func (e *Engine) EvaluateTable(table *types.FeatureTable) []*types.Alert {
	var alerts []*types.Alert
	for _, vec := range table.Vectors {
		alerts = append(alerts, e.Evaluate(table.Schema, vec)...)
	}
	return alerts
}

// MaxSeverity returns the highest severity rank among the rules that fire
// on vec, or 0 when none does.
func (e *Engine) MaxSeverity(schema types.FeatureSchema, vec types.FeatureVector) int {
	d := Day{schema: schema, vec: vec}
	best := 0
	for _, rule := range e.rules {
		if r := types.SeverityRank(rule.Severity); r > best && rule.Condition(d) {
			best = r
		}
	}
	return best
}

// Rules returns the loaded rules (read-only).
func (e *Engine) Rules() []*Rule {
	return e.rules
}

func defaultRules() []*Rule {
	return []*Rule{
		{
			ID:          "ITP-001",
			Name:        "After-Hours Removable Media",
			Description: "Removable media connected outside working hours",
			Severity:    types.SeverityHigh,
			MitreTactic: "Exfiltration",
			MitreID:     "T1052.001",
			Condition: func(d Day) bool {
				return d.F(features.AfterHoursDeviceCount) > 0
			},
			Actions: []string{"Review files copied to the device", "Confirm business need with manager"},
		},
		{
			ID:          "ITP-002",
			Name:        "Leak Site Activity",
			Description: "User visited a known leak publication site",
			Severity:    types.SeverityCritical,
			MitreTactic: "Exfiltration",
			MitreID:     "T1567",
			Condition: func(d Day) bool {
				return d.category(CategoryLeak) > 0
			},
			Actions: []string{"Escalate to insider threat team", "Preserve web proxy logs", "Review recent uploads"},
		},
		{
			ID:          "ITP-003",
			Name:        "Job Search With Removable Media",
			Description: "Job search browsing on a day with removable media use",
			Severity:    types.SeverityMedium,
			MitreTactic: "Collection",
			MitreID:     "T1005",
			Condition: func(d Day) bool {
				return d.category(CategoryJobSearch) > 0 && d.F(features.DeviceConnectCount) > 0
			},
			Actions: []string{"Check HR records for resignation", "Review files copied to the device"},
		},
		{
			ID:          "ITP-004",
			Name:        "Hacking Tool Sites",
			Description: "User browsed keylogger or surveillance tool vendors",
			Severity:    types.SeverityHigh,
			MitreTactic: "Resource Development",
			MitreID:     "T1588.002",
			Condition: func(d Day) bool {
				return d.category(CategoryHacking) > 0
			},
			Actions: []string{"Scan workstation for installed tools", "Review privileged account use"},
		},
		{
			ID:          "ITP-005",
			Name:        "Mass External Email With Attachments",
			Description: "Attachments sent to many recipients outside the organization",
			Severity:    types.SeverityMedium,
			MitreTactic: "Exfiltration",
			MitreID:     "T1048.003",
			Condition: func(d Day) bool {
				return d.F(features.EmailExternalRecipientCount) >= massEmailRecipients &&
					d.F(features.EmailAttachmentCount) > 0
			},
			Actions: []string{"Review attachment contents", "Verify recipients"},
		},
		{
			ID:          "ITP-006",
			Name:        "After-Hours Logon",
			Description: "Interactive logon outside working hours",
			Severity:    types.SeverityLow,
			MitreTactic: "Initial Access",
			MitreID:     "T1078",
			Condition: func(d Day) bool {
				return d.F(features.AfterHoursLogonCount) > 0
			},
			Actions: []string{"Compare with user's usual schedule"},
		},
		{
			ID:          "ITP-007",
			Name:        "Executable Copied",
			Description: "Executable file copied to or from removable media",
			Severity:    types.SeverityMedium,
			MitreTactic: "Lateral Movement",
			MitreID:     "T1570",
			Condition: func(d Day) bool {
				return d.F(features.FileExeCopyCount) > 0
			},
			Actions: []string{"Identify the executable", "Scan destination hosts"},
		},
		{
			ID:          "ITP-008",
			Name:        "Cloud Storage Upload",
			Description: "Upload to a personal cloud storage provider",
			Severity:    types.SeverityHigh,
			MitreTactic: "Exfiltration",
			MitreID:     "T1567.002",
			Condition: func(d Day) bool {
				return d.uploads(CategoryCloudStorage) > 0
			},
			Actions: []string{"Identify uploaded content", "Check data classification"},
		},
	}
}
