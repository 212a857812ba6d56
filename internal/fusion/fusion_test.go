package fusion

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestFuse(t *testing.T) {
	cfg := domain.DefaultFusionConfig()

	t.Run("HighScoresStayBelowOne", func(t *testing.T) {
		high := Fuse(0.9, 0.9, cfg)
		mid := Fuse(0.5, 0.5, cfg)
		if !(high < 1) {
			t.Errorf("expected < 1, got %v", high)
		}
		if !(high > mid) {
			t.Errorf("expected %v > %v", high, mid)
		}
		if math.Abs(mid-0.5) > 1e-12 {
			t.Errorf("neutral inputs with zero bias should give 0.5, got %v", mid)
		}
		// logit(0.9) * (0.7 + 0.3) = ln 9
		if math.Abs(high-0.9) > 1e-9 {
			t.Errorf("expected 0.9, got %v", high)
		}
	})

	t.Run("ClampIdempotent", func(t *testing.T) {
		for _, m := range []float64{0, 0.1, 0.37, 0.5, 0.99, 1} {
			for _, r := range []float64{0, 0.25, 0.8, 1} {
				if Fuse(Clamp(m), Clamp(r), cfg) != Fuse(m, r, cfg) {
					t.Errorf("Fuse not idempotent under clamp at (%v, %v)", m, r)
				}
			}
		}
	})

	t.Run("OutOfRangeInputsClamped", func(t *testing.T) {
		if Fuse(7, -3, cfg) != Fuse(1, 0, cfg) {
			t.Error("inputs outside [0,1] must behave as their clamped values")
		}
	})

	t.Run("StrictlyInsideUnitInterval", func(t *testing.T) {
		extreme := domain.FusionConfig{ModelWeight: 1, RuleWeight: 1}
		lo := Fuse(0, 0, extreme)
		hi := Fuse(1, 1, extreme)
		if !(lo > 0 && hi < 1) {
			t.Errorf("expected (0,1), got lo=%v hi=%v", lo, hi)
		}
	})

	t.Run("LargeWeightsStayInside", func(t *testing.T) {
		tests := []domain.FusionConfig{
			{ModelWeight: 3, RuleWeight: 1},
			{ModelWeight: 50, RuleWeight: 50, Bias: 10},
			{ModelWeight: 1, RuleWeight: 1, Bias: 1e6},
		}
		for _, cfg := range tests {
			if hi := Fuse(1, 1, cfg); !(hi > 0 && hi < 1) {
				t.Errorf("%+v: expected hi in (0,1), got %v", cfg, hi)
			}
			neg := cfg
			neg.Bias = -cfg.Bias
			if lo := Fuse(0, 0, neg); !(lo > 0 && lo < 1) {
				t.Errorf("%+v: expected lo in (0,1), got %v", neg, lo)
			}
		}
	})

	t.Run("Bias", func(t *testing.T) {
		shifted := Fuse(0.5, 0.5, domain.FusionConfig{ModelWeight: 0.7, RuleWeight: 0.3, Bias: 1})
		if math.Abs(shifted-Sigmoid(1)) > 1e-12 {
			t.Errorf("expected sigmoid(1), got %v", shifted)
		}
	})
}

func TestLogitBounds(t *testing.T) {
	if math.IsInf(Logit(0), 0) || math.IsInf(Logit(1), 0) {
		t.Error("logit must stay finite at the boundaries")
	}
	if Logit(0.5) != 0 {
		t.Errorf("expected logit(0.5) = 0, got %v", Logit(0.5))
	}
}

func TestBlend(t *testing.T) {
	w := domain.BlendWeights{RuleWeight: 0.6, AnomalyWeight: 0.4}
	if got := Blend(0.5, 0.5, w); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("expected 0.5, got %v", got)
	}
	if got := Blend(1, 5, w); got != 1 {
		t.Errorf("expected clamp to 1, got %v", got)
	}
	if got := Blend(0, 0, w); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestNewPolicy(t *testing.T) {
	blend := domain.BlendWeights{RuleWeight: 1, AnomalyWeight: 0}
	cfg := domain.DefaultFusionConfig()

	p, err := NewPolicy("", blend, cfg)
	if err != nil || p.Name() != domain.FusionLinear {
		t.Fatalf("expected linear default, got %v, %v", p, err)
	}
	if p.Combine(0.3, 0.9) != 0.3 {
		t.Errorf("linear policy ignored weights")
	}

	p, err = NewPolicy(domain.FusionLogit, blend, cfg)
	if err != nil || p.Name() != domain.FusionLogit {
		t.Fatalf("expected logit policy, got %v, %v", p, err)
	}
	if p.Combine(0.2, 0.8) != Fuse(0.8, 0.2, cfg) {
		t.Errorf("logit policy must treat the anomaly score as the model score")
	}

	if _, err := NewPolicy("harmonic", blend, cfg); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}
