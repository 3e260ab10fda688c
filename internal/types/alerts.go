package types

// Alert severities, ordered from least to most severe.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// SeverityRank maps a severity onto 1..4 (0 for unknown values).
func SeverityRank(s string) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Alert is a detection rule hit on one entity-day.
type Alert struct {
	ID          string   `json:"id"`
	User        string   `json:"user"`
	Day         Day      `json:"day"`
	Role        string   `json:"role,omitempty"`
	Severity    string   `json:"severity"`
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name"`
	Description string   `json:"description"`
	MitreTactic string   `json:"mitre_tactic,omitempty"`
	MitreID     string   `json:"mitre_id,omitempty"`
	Actions     []string `json:"recommended_actions"`
}
