package detector

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestZScore(t *testing.T) {
	ctx := context.Background()
	d, err := NewZScore("z", ZScoreParams{Mean: []float64{100, 1}, Std: []float64{10, 0}, Threshold: 2})
	if err != nil {
		t.Fatalf("NewZScore failed: %v", err)
	}

	scores, err := d.Score(ctx, [][]float64{{100, 1}, {130, 2}})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if scores[0] != 0 {
		t.Errorf("expected 0 for the mean row, got %v", scores[0])
	}
	if scores[1] != 2 {
		t.Errorf("expected (3 + 1) / 2 = 2, got %v", scores[1])
	}

	flags, _ := d.Predict(ctx, [][]float64{{100, 1}, {200, 1}})
	if flags[0] || !flags[1] {
		t.Errorf("unexpected predictions %v", flags)
	}

	exps, _ := d.Explain(ctx, [][]float64{{130, 2}})
	if exps[0].Score != scores[1] || len(exps[0].Features) != 2 || exps[0].Features[0] != 3 {
		t.Errorf("explanation must match score, got %+v", exps[0])
	}

	t.Run("DimensionMismatch", func(t *testing.T) {
		_, err := d.Score(ctx, [][]float64{{1, 2, 3}})
		if !errors.Is(err, domain.ErrDimensionMismatch) {
			t.Errorf("expected dimension mismatch, got %v", err)
		}
	})

	t.Run("NonFinite", func(t *testing.T) {
		_, err := d.Score(ctx, [][]float64{{math.NaN(), 1}})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected invalid input, got %v", err)
		}
	})
}

func sampleForest(t *testing.T) *IsolationForest {
	t.Helper()
	tree := &IsolationNode{
		Feature: 0,
		Split:   5,
		Left:    &IsolationNode{Size: 1},
		Right: &IsolationNode{
			Feature: 0,
			Split:   10,
			Left:    &IsolationNode{Size: 50},
			Right:   &IsolationNode{Size: 49},
		},
	}
	f, err := NewIsolationForest("iforest", IsolationForestParams{Dim: 1, SampleSize: 100, Trees: []*IsolationNode{tree}})
	if err != nil {
		t.Fatalf("NewIsolationForest failed: %v", err)
	}
	return f
}

func TestIsolationForest(t *testing.T) {
	ctx := context.Background()
	f := sampleForest(t)

	scores, err := f.Score(ctx, [][]float64{{0}, {7}})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if !(scores[0] > scores[1]) {
		t.Errorf("isolated point must score higher: %v", scores)
	}
	if scores[0] <= 0 || scores[0] >= 1 || scores[1] <= 0 || scores[1] >= 1 {
		t.Errorf("scores must lie in (0,1): %v", scores)
	}

	flags, _ := f.Predict(ctx, [][]float64{{0}, {7}})
	if !flags[0] || flags[1] {
		t.Errorf("unexpected predictions %v", flags)
	}

	exps, _ := f.Explain(ctx, [][]float64{{7}})
	if exps[0].Score != scores[1] || exps[0].Features[0] != 1 {
		t.Errorf("unexpected explanation %+v", exps[0])
	}

	t.Run("RejectsBadTree", func(t *testing.T) {
		bad := &IsolationNode{Feature: 3, Left: &IsolationNode{Size: 1}, Right: &IsolationNode{Size: 1}}
		_, err := NewIsolationForest("bad", IsolationForestParams{Dim: 1, SampleSize: 10, Trees: []*IsolationNode{bad}})
		if !errors.Is(err, domain.ErrDimensionMismatch) {
			t.Errorf("expected dimension mismatch, got %v", err)
		}
	})
}

func TestReconstruction(t *testing.T) {
	ctx := context.Background()
	// Rank-1 model that only reproduces the first feature.
	r, err := NewReconstruction("ae", ReconstructionParams{
		Mean:      []float64{0, 0},
		Scale:     []float64{1, 1},
		Encoder:   [][]float64{{1, 0}},
		Decoder:   [][]float64{{1}, {0}},
		Threshold: 1,
	})
	if err != nil {
		t.Fatalf("NewReconstruction failed: %v", err)
	}

	scores, err := r.Score(ctx, [][]float64{{5, 0}, {0, 2}})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if scores[0] != 0 {
		t.Errorf("expected perfect reconstruction, got %v", scores[0])
	}
	if scores[1] != 2 {
		t.Errorf("expected mse (0 + 4) / 2 = 2, got %v", scores[1])
	}

	exps, _ := r.Explain(ctx, [][]float64{{0, -2}})
	if exps[0].Features[1] != 2 || !exps[0].Anomalous {
		t.Errorf("unexpected explanation %+v", exps[0])
	}

	_, err = NewReconstruction("bad", ReconstructionParams{Mean: []float64{0}, Scale: []float64{1}, Encoder: [][]float64{{1, 2}}, Decoder: [][]float64{{1}}})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

func TestGraph(t *testing.T) {
	ctx := context.Background()
	g, err := NewGraph("graph", GraphParams{
		Dim:                 3,
		SenderCol:           1,
		ReceiverCol:         2,
		CentralityThreshold: 0.9,
		Edges:               [][2]int64{{1, 2}, {2, 3}, {4, 5}},
	})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}

	// 3 -> 1 closes the cycle 1 -> 2 -> 3.
	scores, err := g.Score(ctx, [][]float64{{0, 3, 1}, {0, 4, 6}})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if scores[0] != 0.4 {
		t.Errorf("expected cycle score 0.4, got %v", scores[0])
	}
	if scores[1] != 0 {
		t.Errorf("expected no signal, got %v", scores[1])
	}

	g.AddEdge(5, 4)
	scores, _ = g.Score(ctx, [][]float64{{0, 4, 5}})
	if scores[0] != 0.4 {
		t.Errorf("expected cycle after AddEdge, got %v", scores[0])
	}

	_, err = NewGraph("bad", GraphParams{Dim: 2, SenderCol: 0, ReceiverCol: 2})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

const sampleModels = `
method: learned
weights: [0.25, 0.75]
detectors:
  - kind: zscore
    name: amount-z
    zscore:
      mean: [100, 2]
      std: [50, 1]
  - kind: isolation_forest
    isolation_forest:
      dim: 2
      sample_size: 64
      trees:
        - feature: 0
          split: 500
          left: {size: 60}
          right: {size: 4}
`

func TestParseModels(t *testing.T) {
	mf, dets, err := ParseModels([]byte(sampleModels))
	if err != nil {
		t.Fatalf("ParseModels failed: %v", err)
	}
	if mf.Method != "learned" || len(mf.Weights) != 2 {
		t.Errorf("unexpected model file header %+v", mf)
	}
	if len(dets) != 2 || dets[0].Name() != "amount-z" || dets[1].Name() != "isolation_forest" {
		t.Fatalf("unexpected detectors: %v", dets)
	}

	t.Run("MissingParams", func(t *testing.T) {
		_, _, err := ParseModels([]byte("detectors:\n  - kind: graph\n    name: g\n"))
		var detErr *domain.DetectorError
		if !errors.As(err, &detErr) || detErr.Detector != "g" || !errors.Is(err, domain.ErrMissingField) {
			t.Errorf("expected DetectorError for g, got %v", err)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		_, _, err := ParseModels([]byte("method: weighted_avg\n"))
		if !errors.Is(err, domain.ErrNoDetectors) {
			t.Errorf("expected ErrNoDetectors, got %v", err)
		}
	})
}
