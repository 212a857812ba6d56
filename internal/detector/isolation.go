package detector

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const eulerGamma = 0.5772156649

// IsolationNode is one node of a fitted isolation tree. Leaves have no
// children and carry the number of training samples that reached them.
type IsolationNode struct {
	Feature int            `json:"feature,omitempty" yaml:"feature,omitempty"`
	Split   float64        `json:"split,omitempty" yaml:"split,omitempty"`
	Size    int            `json:"size,omitempty" yaml:"size,omitempty"`
	Left    *IsolationNode `json:"left,omitempty" yaml:"left,omitempty"`
	Right   *IsolationNode `json:"right,omitempty" yaml:"right,omitempty"`
}

func (n *IsolationNode) leaf() bool { return n.Left == nil && n.Right == nil }

// IsolationForestParams are the fitted trees and their sub-sample size.
type IsolationForestParams struct {
	Dim        int              `json:"dim" yaml:"dim"`
	SampleSize int              `json:"sample_size" yaml:"sample_size"`
	Threshold  float64          `json:"threshold" yaml:"threshold"`
	Trees      []*IsolationNode `json:"trees" yaml:"trees"`
}

// IsolationForest scores rows by average isolation depth. Short paths are
// anomalous, so the score is 2^(-E[h(x)]/c(n)), which rises toward 1 for
// outliers and sits near 0.5 for ordinary points.
type IsolationForest struct {
	name      string
	dim       int
	c         float64
	threshold float64
	trees     []*IsolationNode
}

// NewIsolationForest validates the tree structure up front so scoring
// cannot index outside a row.
func NewIsolationForest(name string, p IsolationForestParams) (*IsolationForest, error) {
	if len(p.Trees) == 0 {
		return nil, fmt.Errorf("%w: isolation forest has no trees", domain.ErrInvalidInput)
	}
	if p.Dim <= 0 || p.SampleSize < 2 {
		return nil, fmt.Errorf("%w: isolation forest needs dim > 0 and sample_size >= 2", domain.ErrInvalidInput)
	}
	for i, t := range p.Trees {
		if err := validateTree(t, p.Dim); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = 0.6
	}
	return &IsolationForest{
		name:      name,
		dim:       p.Dim,
		c:         averagePathLength(p.SampleSize),
		threshold: threshold,
		trees:     p.Trees,
	}, nil
}

func validateTree(n *IsolationNode, dim int) error {
	if n == nil {
		return fmt.Errorf("%w: nil node", domain.ErrInvalidInput)
	}
	if n.leaf() {
		return nil
	}
	if n.Left == nil || n.Right == nil {
		return fmt.Errorf("%w: internal node needs two children", domain.ErrInvalidInput)
	}
	if n.Feature < 0 || n.Feature >= dim {
		return fmt.Errorf("%w: split feature %d outside [0,%d)", domain.ErrDimensionMismatch, n.Feature, dim)
	}
	if err := validateTree(n.Left, dim); err != nil {
		return err
	}
	return validateTree(n.Right, dim)
}

func (d *IsolationForest) Name() string { return d.name }

func (d *IsolationForest) Score(ctx context.Context, X [][]float64) ([]float64, error) {
	if err := checkRows(X, d.dim); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		out[i] = math.Pow(2, -d.meanPath(row)/d.c)
	}
	return out, nil
}

func (d *IsolationForest) Predict(ctx context.Context, X [][]float64) ([]bool, error) {
	scores, err := d.Score(ctx, X)
	if err != nil {
		return nil, err
	}
	return predictFromScores(scores, d.threshold), nil
}

func (d *IsolationForest) Explain(ctx context.Context, X [][]float64) ([]Explanation, error) {
	scores, err := d.Score(ctx, X)
	if err != nil {
		return nil, err
	}
	out := make([]Explanation, len(X))
	for i, row := range X {
		out[i] = Explanation{
			Score:     scores[i],
			Anomalous: scores[i] > d.threshold,
			Reason:    fmt.Sprintf("mean isolation depth %.2f (expected %.2f)", d.meanPath(row), d.c),
			Features:  d.splitCounts(row),
		}
	}
	return out, nil
}

func (d *IsolationForest) meanPath(row []float64) float64 {
	var total float64
	for _, t := range d.trees {
		total += pathLength(t, row, 0)
	}
	return total / float64(len(d.trees))
}

// splitCounts reports, per feature, the share of splits on the row's paths
// that used it.
func (d *IsolationForest) splitCounts(row []float64) []float64 {
	counts := make([]float64, d.dim)
	var total float64
	for _, t := range d.trees {
		for n := t; !n.leaf(); {
			counts[n.Feature]++
			total++
			if row[n.Feature] < n.Split {
				n = n.Left
			} else {
				n = n.Right
			}
		}
	}
	if total > 0 {
		for i := range counts {
			counts[i] /= total
		}
	}
	return counts
}

func pathLength(n *IsolationNode, row []float64, depth int) float64 {
	for !n.leaf() {
		if row[n.Feature] < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.Size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST
// search over n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+eulerGamma) - 2.0*float64(n-1)/float64(n)
}
