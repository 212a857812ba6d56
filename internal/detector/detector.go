// Package detector defines the anomaly detector capability interface and
// the fitted, inference-only detectors that implement it.
package detector

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector is any fitted anomaly model. Scores are finite and higher means
// more anomalous; implementations whose native convention is inverted
// normalise before returning. X is row-major: one row per observation.
type Detector interface {
	Name() string
	Score(ctx context.Context, X [][]float64) ([]float64, error)
	Predict(ctx context.Context, X [][]float64) ([]bool, error)
	Explain(ctx context.Context, X [][]float64) ([]Explanation, error)
}

// Explanation is the per-row reason for a score.
type Explanation struct {
	Score     float64 `json:"score"`
	Anomalous bool    `json:"anomalous"`
	Reason    string  `json:"reason,omitempty"`

	// Features holds per-feature contributions, in input column order.
	Features []float64 `json:"features,omitempty"`

	// Contributors lists constituent detectors for composite models.
	Contributors []Contribution `json:"contributors,omitempty"`
}

// Contribution is one detector's part in a composite score.
type Contribution struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// checkRows validates that every row has dim finite columns.
func checkRows(X [][]float64, dim int) error {
	for i, row := range X {
		if len(row) != dim {
			return fmt.Errorf("%w: row %d has %d columns, want %d", domain.ErrDimensionMismatch, i, len(row), dim)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: row %d column %d is not finite", domain.ErrInvalidInput, i, j)
			}
		}
	}
	return nil
}

// predictFromScores thresholds scores; shared by the concrete detectors.
func predictFromScores(scores []float64, threshold float64) []bool {
	out := make([]bool, len(scores))
	for i, s := range scores {
		out[i] = s > threshold
	}
	return out
}
