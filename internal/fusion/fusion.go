// Package fusion combines a rule score and an anomaly score into one
// bounded risk score.
package fusion

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Eps keeps logits finite at the edges of [0, 1].
const Eps = 1e-6

// Bounds of Fuse's output. In float64 the sigmoid rounds to exactly 1 for
// logits above about 37 and to 0 below about -745.
var (
	minFused = math.Nextafter(0, 1)
	maxFused = math.Nextafter(1, 0)
)

// Clamp bounds v to [0, 1]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// Logit is ln(p / (1 - p)) with p first clamped to [Eps, 1-Eps].
func Logit(p float64) float64 {
	p = math.Min(math.Max(p, Eps), 1-Eps)
	return math.Log(p / (1 - p))
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Fuse combines the scores in the logit domain:
//
//	sigmoid(mw*logit(m) + rw*logit(r) + bias)
//
// Inputs outside [0, 1] are clamped silently. The result lies strictly
// inside (0, 1) for any finite configuration.
func Fuse(modelScore, ruleScore float64, cfg domain.FusionConfig) float64 {
	m := Clamp(modelScore)
	r := Clamp(ruleScore)
	z := cfg.ModelWeight*Logit(m) + cfg.RuleWeight*Logit(r) + cfg.Bias
	return math.Min(math.Max(Sigmoid(z), minFused), maxFused)
}

// Blend is the linear policy: clamp(rw*rules + aw*anomaly).
func Blend(ruleScore, anomalyScore float64, w domain.BlendWeights) float64 {
	return Clamp(w.RuleWeight*ruleScore + w.AnomalyWeight*anomalyScore)
}

// Policy is a fusion strategy selectable by name.
type Policy interface {
	Name() string
	Combine(ruleScore, anomalyScore float64) float64
}

// Linear is the Blend policy.
type Linear struct{ Weights domain.BlendWeights }

func (p Linear) Name() string { return domain.FusionLinear }

func (p Linear) Combine(ruleScore, anomalyScore float64) float64 {
	return Blend(ruleScore, anomalyScore, p.Weights)
}

// LogitDomain is the Fuse policy; the anomaly score plays the model role.
type LogitDomain struct{ Config domain.FusionConfig }

func (p LogitDomain) Name() string { return domain.FusionLogit }

func (p LogitDomain) Combine(ruleScore, anomalyScore float64) float64 {
	return Fuse(anomalyScore, ruleScore, p.Config)
}

// NewPolicy returns the policy named by mode. Empty selects linear.
func NewPolicy(mode string, blend domain.BlendWeights, cfg domain.FusionConfig) (Policy, error) {
	switch mode {
	case "", domain.FusionLinear:
		return Linear{Weights: blend}, nil
	case domain.FusionLogit:
		return LogitDomain{Config: cfg}, nil
	}
	return nil, fmt.Errorf("%w: fusion mode %q", domain.ErrInvalidInput, mode)
}
