// Package ensemble combines several anomaly detectors into one score.
package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Method selects how constituent scores are combined.
type Method string

const (
	// MethodWeightedAvg uses fitted weights when present and the
	// arithmetic mean before that.
	MethodWeightedAvg Method = "weighted_avg"

	// MethodLearned requires fitted weights; scoring fails until they are
	// installed.
	MethodLearned Method = "learned"
)

// ParseMethod maps a configuration string to a Method. Empty means
// MethodWeightedAvg.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodWeightedAvg:
		return MethodWeightedAvg, nil
	case MethodLearned:
		return MethodLearned, nil
	}
	return "", fmt.Errorf("%w: ensemble method %q", domain.ErrInvalidInput, s)
}

const weightTolerance = 1e-9

// Aggregator holds an ordered list of detectors and the current weight
// vector. Weights are swapped atomically; a scoring call reads them once.
type Aggregator struct {
	name      string
	detectors []detector.Detector
	method    Method
	threshold float64
	weights   atomic.Pointer[[]float64]
}

// New creates an aggregator over detectors.
func New(detectors []detector.Detector, method Method) (*Aggregator, error) {
	if len(detectors) == 0 {
		return nil, domain.ErrNoDetectors
	}
	return &Aggregator{
		name:      "ensemble",
		detectors: append([]detector.Detector(nil), detectors...),
		method:    method,
		threshold: 0.5,
	}, nil
}

// WithThreshold sets the Predict cut-off.
func (a *Aggregator) WithThreshold(t float64) *Aggregator {
	a.threshold = t
	return a
}

func (a *Aggregator) Name() string { return a.name }

// Method returns the combination method.
func (a *Aggregator) Method() Method { return a.method }

// Detectors returns the constituent detector names in order.
func (a *Aggregator) Detectors() []string {
	names := make([]string, len(a.detectors))
	for i, d := range a.detectors {
		names[i] = d.Name()
	}
	return names
}

// Weights returns a copy of the fitted weights, or nil before fitting.
func (a *Aggregator) Weights() []float64 {
	w := a.weights.Load()
	if w == nil {
		return nil
	}
	return append([]float64(nil), (*w)...)
}

// SetWeights installs a weight vector, typically one persisted from an
// earlier fit. Weights must be non-negative and sum to 1.
func (a *Aggregator) SetWeights(w []float64) error {
	if len(w) != len(a.detectors) {
		return fmt.Errorf("%w: %d weights for %d detectors", domain.ErrDimensionMismatch, len(w), len(a.detectors))
	}
	var sum float64
	for i, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: weight %d is %v", domain.ErrInvalidInput, i, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1", domain.ErrInvalidInput, sum)
	}
	cp := append([]float64(nil), w...)
	a.weights.Store(&cp)
	return nil
}

// FitWeights fits a logistic regression over the stacked detector scores
// of X against labels y, and installs |coef| normalised to sum to 1.
// Callers must not run it concurrently with itself.
func (a *Aggregator) FitWeights(ctx context.Context, X [][]float64, y []bool) ([]float64, error) {
	if len(X) != len(y) {
		return nil, fmt.Errorf("%w: %d rows, %d labels", domain.ErrDimensionMismatch, len(X), len(y))
	}
	stacked, err := a.stack(ctx, X)
	if err != nil {
		return nil, err
	}

	coef, err := fitLogistic(stacked, y, defaultLogisticConfig())
	if err != nil {
		return nil, err
	}

	w := normaliseAbs(coef)
	if err := a.SetWeights(w); err != nil {
		return nil, err
	}
	slog.Info("ensemble weights fitted", "detectors", a.Detectors(), "weights", w, "rows", len(X))
	return a.Weights(), nil
}

// Score returns one ensemble score per row.
func (a *Aggregator) Score(ctx context.Context, X [][]float64) ([]float64, error) {
	w, err := a.activeWeights()
	if err != nil {
		return nil, err
	}
	stacked, err := a.stack(ctx, X)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range stacked {
		out[i] = combine(row, w)
	}
	return out, nil
}

// Predict thresholds Score.
func (a *Aggregator) Predict(ctx context.Context, X [][]float64) ([]bool, error) {
	scores, err := a.Score(ctx, X)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(scores))
	for i, s := range scores {
		out[i] = s > a.threshold
	}
	return out, nil
}

// Explain returns, per row, the ensemble score and each detector's name,
// score and effective weight. It reads the same weight snapshot and runs
// the same combination as Score.
func (a *Aggregator) Explain(ctx context.Context, X [][]float64) ([]detector.Explanation, error) {
	w, err := a.activeWeights()
	if err != nil {
		return nil, err
	}
	stacked, err := a.stack(ctx, X)
	if err != nil {
		return nil, err
	}
	eff := effectiveWeights(w, len(a.detectors))
	reason := "mean"
	if w != nil {
		reason = "weighted"
	}

	out := make([]detector.Explanation, len(X))
	for i, row := range stacked {
		score := combine(row, w)
		contribs := make([]detector.Contribution, len(a.detectors))
		for j, d := range a.detectors {
			contribs[j] = detector.Contribution{Name: d.Name(), Score: row[j], Weight: eff[j]}
		}
		out[i] = detector.Explanation{
			Score:        score,
			Anomalous:    score > a.threshold,
			Reason:       reason,
			Contributors: contribs,
		}
	}
	return out, nil
}

func (a *Aggregator) activeWeights() ([]float64, error) {
	p := a.weights.Load()
	if p == nil {
		if a.method == MethodLearned {
			return nil, domain.ErrNotFitted
		}
		return nil, nil
	}
	return *p, nil
}

// stack returns an n×m matrix: row i holds every detector's score for X[i].
// A failing detector aborts with a *domain.DetectorError.
func (a *Aggregator) stack(ctx context.Context, X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i := range out {
		out[i] = make([]float64, len(a.detectors))
	}
	for j, d := range a.detectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores, err := d.Score(ctx, X)
		if err != nil {
			return nil, &domain.DetectorError{Detector: d.Name(), Err: err}
		}
		if len(scores) != len(X) {
			return nil, &domain.DetectorError{Detector: d.Name(), Err: fmt.Errorf("%w: %d scores for %d rows", domain.ErrDimensionMismatch, len(scores), len(X))}
		}
		for i, s := range scores {
			if math.IsNaN(s) || math.IsInf(s, 0) {
				return nil, &domain.DetectorError{Detector: d.Name(), Err: fmt.Errorf("non-finite score at row %d", i)}
			}
			out[i][j] = s
		}
	}
	return out, nil
}

// combine is the dot product with w, or the arithmetic mean when w is nil.
func combine(scores, w []float64) float64 {
	var s float64
	if w == nil {
		for _, v := range scores {
			s += v
		}
		return s / float64(len(scores))
	}
	for j, v := range scores {
		s += v * w[j]
	}
	return s
}

func effectiveWeights(w []float64, n int) []float64 {
	if w != nil {
		return w
	}
	eff := make([]float64, n)
	for i := range eff {
		eff[i] = 1 / float64(n)
	}
	return eff
}

// normaliseAbs maps coefficients to |c| / sum|c|. An all-zero vector maps
// to uniform weights.
func normaliseAbs(coef []float64) []float64 {
	var sum float64
	for _, c := range coef {
		sum += math.Abs(c)
	}
	w := make([]float64, len(coef))
	for i, c := range coef {
		if sum == 0 {
			w[i] = 1 / float64(len(coef))
			continue
		}
		w[i] = math.Abs(c) / sum
	}
	return w
}
