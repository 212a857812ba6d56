package rules

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Constructor builds a Rule from its specification. Every validation
// happens here so evaluation never fails on configuration.
type Constructor func(spec *domain.RuleSpec) (Rule, error)

// registry maps a rule type name to its constructor. Types are resolved
// once, when a rule set is loaded.
var registry = map[string]Constructor{
	"predicate":    newPredicateRule,
	"amount_over":  newAmountOverRule,
	"velocity":     newVelocityRule,
	"country_risk": newCountryRiskRule,
	"cel":          newCELRule,
}

// Kinds returns the registered rule type names, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build resolves spec.Type and constructs the rule. Errors are
// *domain.ConfigError carrying the rule id.
func Build(spec *domain.RuleSpec) (Rule, error) {
	if spec == nil {
		return nil, &domain.ConfigError{Err: fmt.Errorf("%w: nil rule spec", domain.ErrInvalidInput)}
	}
	ctor, ok := registry[spec.Type]
	if !ok {
		return nil, &domain.ConfigError{RuleID: spec.ID, Err: fmt.Errorf("%w: %q", domain.ErrUnknownRuleType, spec.Type)}
	}
	r, err := ctor(spec)
	if err != nil {
		return nil, &domain.ConfigError{RuleID: spec.ID, Err: err}
	}
	return r, nil
}
