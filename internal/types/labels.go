package types

// Label values used in training examples.
const (
	LabelBenign    = 0
	LabelMalicious = 1
)

// LabelRecord designates one entity-day as malicious or benign.
type LabelRecord struct {
	User      string `json:"user"`
	Day       Day    `json:"day"`
	Scenario  string `json:"scenario,omitempty"`
	Malicious bool   `json:"malicious"`
	Source    string `json:"source,omitempty"`
}

// Key returns the entity-day the label applies to.
func (l LabelRecord) Key() EntityDay {
	return EntityDay{User: l.User, Day: l.Day}
}

// TrainingExample pairs a feature vector with its ground-truth label.
type TrainingExample struct {
	Vector   FeatureVector `json:"vector"`
	Label    int           `json:"label"`
	Scenario string        `json:"scenario,omitempty"`
}

// Key returns the entity-day of the example.
func (e TrainingExample) Key() EntityDay {
	return e.Vector.Key()
}

// CountPositives returns how many examples carry the malicious label.
func CountPositives(examples []TrainingExample) int {
	n := 0
	for _, ex := range examples {
		if ex.Label == LabelMalicious {
			n++
		}
	}
	return n
}
