package domain

// RuleSpec is the serialisable form of a rule. Type selects the rule kind
// from the registry; the remaining fields are kind-specific.
type RuleSpec struct {
	Type        string   `json:"type" yaml:"type"`
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Weight      *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`   // nil means 1.0
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil means true

	// predicate
	AnyOf []Predicate `json:"any_of,omitempty" yaml:"any_of,omitempty"`
	AllOf []Predicate `json:"all_of,omitempty" yaml:"all_of,omitempty"`
	Tag   string      `json:"tag,omitempty" yaml:"tag,omitempty"`

	// amount_over, velocity, country_risk
	Field      string   `json:"field,omitempty" yaml:"field,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MaxTx      *int     `json:"max_tx,omitempty" yaml:"max_tx,omitempty"`
	WindowDays int      `json:"window_days,omitempty" yaml:"window_days,omitempty"`
	HighRisk   []string `json:"high_risk,omitempty" yaml:"high_risk,omitempty"`

	// cel
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// WeightOrDefault returns the configured weight, or 1.0 when unset.
func (s RuleSpec) WeightOrDefault() float64 {
	if s.Weight == nil {
		return 1.0
	}
	return *s.Weight
}

// IsEnabled reports whether the rule participates in evaluation.
func (s RuleSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Predicate is a single field/operator/value comparison.
type Predicate struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"`
	Value any    `json:"value" yaml:"value"`
}

// RuleOutcome is produced for every rule that contributed to a score.
type RuleOutcome struct {
	RuleID           string         `json:"rule_id"`
	ContributedScore float64        `json:"contributed_score"`
	Details          map[string]any `json:"details,omitempty"`
}
