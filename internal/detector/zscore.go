package detector

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ZScore scores a row by its mean absolute standardised deviation from
// fitted per-feature means.
type ZScore struct {
	name      string
	mean      []float64
	std       []float64
	threshold float64
}

// ZScoreParams are the fitted parameters of a ZScore detector.
type ZScoreParams struct {
	Mean      []float64 `json:"mean" yaml:"mean"`
	Std       []float64 `json:"std" yaml:"std"`
	Threshold float64   `json:"threshold" yaml:"threshold"`
}

// NewZScore builds a detector from fitted statistics. A zero std column is
// treated as unit variance.
func NewZScore(name string, p ZScoreParams) (*ZScore, error) {
	if len(p.Mean) == 0 || len(p.Mean) != len(p.Std) {
		return nil, fmt.Errorf("%w: zscore needs equal, non-empty mean and std", domain.ErrDimensionMismatch)
	}
	std := make([]float64, len(p.Std))
	for i, s := range p.Std {
		if s < 0 {
			return nil, fmt.Errorf("%w: negative std at %d", domain.ErrInvalidInput, i)
		}
		if s == 0 {
			s = 1
		}
		std[i] = s
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	return &ZScore{name: name, mean: append([]float64(nil), p.Mean...), std: std, threshold: threshold}, nil
}

func (d *ZScore) Name() string { return d.name }

func (d *ZScore) Score(ctx context.Context, X [][]float64) ([]float64, error) {
	if err := checkRows(X, len(d.mean)); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		var sum float64
		for _, z := range d.deviations(row) {
			sum += z
		}
		out[i] = sum / float64(len(row))
	}
	return out, nil
}

func (d *ZScore) Predict(ctx context.Context, X [][]float64) ([]bool, error) {
	scores, err := d.Score(ctx, X)
	if err != nil {
		return nil, err
	}
	return predictFromScores(scores, d.threshold), nil
}

func (d *ZScore) Explain(ctx context.Context, X [][]float64) ([]Explanation, error) {
	scores, err := d.Score(ctx, X)
	if err != nil {
		return nil, err
	}
	out := make([]Explanation, len(X))
	for i, row := range X {
		out[i] = Explanation{
			Score:     scores[i],
			Anomalous: scores[i] > d.threshold,
			Reason:    "mean absolute z-score",
			Features:  d.deviations(row),
		}
	}
	return out, nil
}

func (d *ZScore) deviations(row []float64) []float64 {
	z := make([]float64, len(row))
	for j, v := range row {
		z[j] = math.Abs(v-d.mean[j]) / d.std[j]
	}
	return z
}
