// Package rules provides the declarative rule DSL, the rule kind registry
// and the copy-on-reload rule engine.
package rules

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Evaluate reports whether rule matches payload.
func Evaluate(rule Rule, payload map[string]any) bool {
	if !rule.Enabled() {
		return false
	}
	if m, ok := rule.(matcher); ok {
		return m.Match(payload)
	}
	delta, _ := rule.Evaluate(payload)
	return delta > 0
}

// EvaluateRule returns the score delta and tags of a single rule. A rule
// that does not fire yields (0, nil).
func EvaluateRule(rule Rule, payload map[string]any) (float64, map[string]any) {
	if !rule.Enabled() {
		return 0, nil
	}
	delta, tags := rule.Evaluate(payload)
	if !(delta > 0) || math.IsInf(delta, 0) {
		return 0, nil
	}
	return delta, tags
}

// EvaluateAll sums the deltas of every firing rule, clamping the running
// total to [0, 1] after each addition. Outcomes follow declaration order.
func EvaluateAll(rules []Rule, payload map[string]any) (float64, []domain.RuleOutcome) {
	var (
		total    float64
		outcomes []domain.RuleOutcome
	)
	for _, r := range rules {
		delta, tags := EvaluateRule(r, payload)
		if delta == 0 {
			continue
		}
		total = clamp01(total + delta)
		outcomes = append(outcomes, domain.RuleOutcome{
			RuleID:           r.ID(),
			ContributedScore: delta,
			Details:          tags,
		})
	}
	return total, outcomes
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// RuleSet is an immutable, ordered collection of loaded rules together with
// the specs they were built from.
type RuleSet struct {
	rules []Rule
	specs []*domain.RuleSpec
}

// LoadRuleSet builds every spec or none: the first invalid spec fails the
// whole load with a *domain.ConfigError.
func LoadRuleSet(specs []*domain.RuleSpec) (*RuleSet, error) {
	set := &RuleSet{
		rules: make([]Rule, 0, len(specs)),
		specs: make([]*domain.RuleSpec, 0, len(specs)),
	}
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		r, err := Build(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID()]; dup {
			return nil, &domain.ConfigError{RuleID: r.ID(), Err: fmt.Errorf("%w: duplicate rule id", domain.ErrInvalidInput)}
		}
		seen[r.ID()] = struct{}{}
		set.rules = append(set.rules, r)
		cp := *spec
		set.specs = append(set.specs, &cp)
	}
	return set, nil
}

// Rules returns the loaded rules in declaration order.
func (s *RuleSet) Rules() []Rule { return s.rules }

// Len returns the number of rules, enabled or not.
func (s *RuleSet) Len() int { return len(s.rules) }

// Evaluate runs EvaluateAll over the set.
func (s *RuleSet) Evaluate(payload map[string]any) (float64, []domain.RuleOutcome) {
	return EvaluateAll(s.rules, payload)
}

// Engine holds the active rule set. Reloads build a new set and swap it in
// atomically; evaluations in flight finish against the set they started
// with. Reloads are serialised, so a ReloadFrom that listed older specs
// cannot install them over a newer set.
type Engine struct {
	current  atomic.Pointer[RuleSet]
	reloadMu sync.Mutex
}

// NewEngine creates an engine with an empty rule set.
func NewEngine() *Engine {
	e := &Engine{}
	e.current.Store(&RuleSet{})
	return e
}

// Snapshot returns the active rule set.
func (e *Engine) Snapshot() *RuleSet {
	return e.current.Load()
}

// Evaluate scores payload against the active rule set.
func (e *Engine) Evaluate(payload map[string]any) (float64, []domain.RuleOutcome) {
	return e.Snapshot().Evaluate(payload)
}

// ValidateRules builds specs without installing them.
func (e *Engine) ValidateRules(specs []*domain.RuleSpec) error {
	_, err := LoadRuleSet(specs)
	return err
}

// ReloadRules replaces the active rule set. On error the previous set
// stays active.
func (e *Engine) ReloadRules(specs []*domain.RuleSpec) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	return e.install(specs)
}

func (e *Engine) install(specs []*domain.RuleSpec) error {
	set, err := LoadRuleSet(specs)
	metrics.ObserveReload(err)
	if err != nil {
		return err
	}
	e.current.Store(set)
	return nil
}

// Source supplies stored rule specifications in declaration order.
type Source interface {
	ListRuleSpecs(ctx context.Context) ([]*domain.RuleSpec, error)
}

// ReloadFrom replaces the active rule set with the specs listed by src.
func (e *Engine) ReloadFrom(ctx context.Context, src Source) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	specs, err := src.ListRuleSpecs(ctx)
	if err != nil {
		metrics.ObserveReload(err)
		return fmt.Errorf("failed to list rules: %w", err)
	}
	return e.install(specs)
}

// GetLoadedRules returns copies of the active rule specifications.
func (e *Engine) GetLoadedRules() []*domain.RuleSpec {
	set := e.Snapshot()
	out := make([]*domain.RuleSpec, len(set.specs))
	for i, s := range set.specs {
		cp := *s
		out[i] = &cp
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return e.Snapshot().Len()
}
