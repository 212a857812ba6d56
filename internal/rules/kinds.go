package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Rule is a loaded, immutable rule of any registered kind.
type Rule interface {
	ID() string
	Weight() float64
	Enabled() bool

	// Evaluate returns the rule's score delta and details. A non-positive
	// delta means the rule did not fire.
	Evaluate(payload map[string]any) (float64, map[string]any)
}

// matcher is implemented by kinds whose firing is a boolean match rather
// than a magnitude.
type matcher interface {
	Match(payload map[string]any) bool
}

type base struct {
	id      string
	weight  float64
	enabled bool
}

func (b base) ID() string      { return b.id }
func (b base) Weight() float64 { return b.weight }
func (b base) Enabled() bool   { return b.enabled }

func newBase(spec *domain.RuleSpec) (base, error) {
	id := spec.ID
	if id == "" {
		id = spec.Type
	}
	w := spec.WeightOrDefault()
	if !finite(w) {
		return base{}, fmt.Errorf("%w: weight %v is not finite", domain.ErrInvalidInput, w)
	}
	if w < 0 {
		return base{}, fmt.Errorf("%w: weight %v is negative", domain.ErrInvalidInput, w)
	}
	return base{id: id, weight: w, enabled: spec.IsEnabled()}, nil
}

// predicateRule fires when (any_of is empty or one any_of predicate holds)
// and every all_of predicate holds.
type predicateRule struct {
	base
	tag   string
	anyOf []predicate
	allOf []predicate
}

func newPredicateRule(spec *domain.RuleSpec) (Rule, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: id", domain.ErrMissingField)
	}
	if len(spec.AnyOf) == 0 && len(spec.AllOf) == 0 {
		return nil, fmt.Errorf("%w: any_of or all_of", domain.ErrMissingField)
	}
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	r := &predicateRule{base: b, tag: spec.Tag}
	for _, p := range spec.AnyOf {
		cp, err := compilePredicate(p)
		if err != nil {
			return nil, err
		}
		r.anyOf = append(r.anyOf, cp)
	}
	for _, p := range spec.AllOf {
		cp, err := compilePredicate(p)
		if err != nil {
			return nil, err
		}
		r.allOf = append(r.allOf, cp)
	}
	return r, nil
}

func (r *predicateRule) Match(payload map[string]any) bool {
	anyOK := len(r.anyOf) == 0
	for _, p := range r.anyOf {
		if p.holds(payload) {
			anyOK = true
			break
		}
	}
	if !anyOK {
		return false
	}
	for _, p := range r.allOf {
		if !p.holds(payload) {
			return false
		}
	}
	return true
}

func (r *predicateRule) Evaluate(payload map[string]any) (float64, map[string]any) {
	if !r.Match(payload) {
		return 0, nil
	}
	details := map[string]any{"matched": true}
	if r.tag != "" {
		details["tag"] = r.tag
	}
	return r.weight, details
}

// amountOverRule scores (amount - threshold) / max(threshold, 1) * weight
// for amounts above the threshold.
type amountOverRule struct {
	base
	field     string
	threshold decimal.Decimal
	weightDec decimal.Decimal
}

func newAmountOverRule(spec *domain.RuleSpec) (Rule, error) {
	if spec.Threshold == nil {
		return nil, fmt.Errorf("%w: threshold", domain.ErrMissingField)
	}
	if !finite(*spec.Threshold) {
		return nil, fmt.Errorf("%w: threshold %v is not finite", domain.ErrInvalidInput, *spec.Threshold)
	}
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	return &amountOverRule{
		base:      b,
		field:     fieldOr(spec.Field, "amount"),
		threshold: decimal.NewFromFloat(*spec.Threshold),
		weightDec: decimal.NewFromFloat(b.weight),
	}, nil
}

func (r *amountOverRule) Evaluate(payload map[string]any) (float64, map[string]any) {
	raw, ok := Resolve(payload, r.field)
	if !ok {
		return 0, nil
	}
	amt, ok := toDecimal(raw)
	if !ok || !amt.GreaterThan(r.threshold) {
		return 0, nil
	}
	denom := decimal.Max(r.threshold, decimal.NewFromInt(1))
	delta := amt.Sub(r.threshold).Div(denom).Mul(r.weightDec)
	return delta.InexactFloat64(), map[string]any{
		"threshold": r.threshold.InexactFloat64(),
		"amount":    amt.InexactFloat64(),
	}
}

// velocityRule reads a precomputed transaction count (by default
// tx_count_<window>d from the velocity enricher) and scores the excess over
// max_tx proportionally.
type velocityRule struct {
	base
	field      string
	maxTx      int
	windowDays int
}

func newVelocityRule(spec *domain.RuleSpec) (Rule, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	maxTx := 10
	if spec.MaxTx != nil {
		maxTx = *spec.MaxTx
	}
	if maxTx < 0 {
		return nil, fmt.Errorf("%w: max_tx %d is negative", domain.ErrInvalidInput, maxTx)
	}
	window := spec.WindowDays
	if window <= 0 {
		window = 1
	}
	return &velocityRule{
		base:       b,
		field:      fieldOr(spec.Field, fmt.Sprintf("tx_count_%dd", window)),
		maxTx:      maxTx,
		windowDays: window,
	}, nil
}

func (r *velocityRule) Evaluate(payload map[string]any) (float64, map[string]any) {
	raw, ok := Resolve(payload, r.field)
	if !ok {
		return 0, nil
	}
	cnt, ok := toFloat(raw)
	if !ok || cnt <= float64(r.maxTx) {
		return 0, nil
	}
	delta := (cnt - float64(r.maxTx)) / float64(max(r.maxTx, 1)) * r.weight
	return delta, map[string]any{
		"count":       cnt,
		"max_tx":      r.maxTx,
		"window_days": r.windowDays,
	}
}

// countryRiskRule contributes its weight when the country is on the
// high-risk list. Matching is case-insensitive.
type countryRiskRule struct {
	base
	field    string
	highRisk map[string]struct{}
}

func newCountryRiskRule(spec *domain.RuleSpec) (Rule, error) {
	if len(spec.HighRisk) == 0 {
		return nil, fmt.Errorf("%w: high_risk", domain.ErrMissingField)
	}
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(spec.HighRisk))
	for _, c := range spec.HighRisk {
		set[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return &countryRiskRule{base: b, field: fieldOr(spec.Field, "country"), highRisk: set}, nil
}

func (r *countryRiskRule) Match(payload map[string]any) bool {
	raw, ok := Resolve(payload, r.field)
	if !ok {
		return false
	}
	s, ok := raw.(string)
	if !ok {
		return false
	}
	_, hit := r.highRisk[strings.ToUpper(s)]
	return hit
}

func (r *countryRiskRule) Evaluate(payload map[string]any) (float64, map[string]any) {
	if !r.Match(payload) {
		return 0, nil
	}
	c, _ := Resolve(payload, r.field)
	return r.weight, map[string]any{"country": strings.ToUpper(c.(string))}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func fieldOr(field, def string) string {
	if field == "" {
		return def
	}
	return field
}
