package velocity

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/shopspring/decimal"
)

func obs(amount string, ts time.Time) *domain.Observation {
	return &domain.Observation{EntityID: "e", Amount: decimal.RequireFromString(amount), Timestamp: ts}
}

func TestCompute(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	history := []*domain.Observation{
		obs("100", now.Add(-2*time.Hour)), // in 1d, 7d, 30d
		obs("300", now.Add(-3*day)),       // in 7d, 30d
		obs("600", now.Add(-10*day)),      // in 30d
		obs("999", now.Add(-40*day)),      // outside every window
		obs("50", now.Add(time.Hour)),     // after ts
		obs("70", now.Add(-24*time.Hour)), // exactly on the 1d boundary: excluded
	}

	feats := Compute(history, decimal.NewFromInt(200), now, []int{1, 7, 30})

	checks := map[string]float64{
		"tx_count_1d":       1,
		"tx_amount_sum_1d":  100,
		"tx_amount_avg_1d":  100,
		"tx_count_7d":       3,
		"tx_amount_sum_7d":  470,
		"tx_count_30d":      4,
		"tx_amount_sum_30d": 1070,
		"tx_amount_avg_30d": 267.5,
	}
	for name, want := range checks {
		got, ok := feats[name].(float64)
		if !ok {
			t.Fatalf("%s missing or not float64: %v", name, feats[name])
		}
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("%s: expected %v, got %v", name, want, got)
		}
	}

	meanAvg := (100 + 470.0/3 + 267.5) / 3
	ratio := feats["amount_to_avg_ratio"].(float64)
	if math.Abs(ratio-200/meanAvg) > 1e-6 {
		t.Errorf("expected ratio %v, got %v", 200/meanAvg, ratio)
	}
}

func TestComputeEmptyHistory(t *testing.T) {
	feats := Compute(nil, decimal.NewFromInt(5), time.Now(), []int{1})
	if feats["tx_count_1d"].(float64) != 0 || feats["tx_amount_avg_1d"].(float64) != 0 {
		t.Errorf("expected zero features, got %v", feats)
	}
	if r := feats["amount_to_avg_ratio"].(float64); math.IsInf(r, 0) || math.IsNaN(r) {
		t.Errorf("ratio must stay finite, got %v", r)
	}
}

func TestEnricherObserve(t *testing.T) {
	// Create temp database
	tmpFile, err := os.CreateTemp("", "velocity-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	store := features.NewStore(features.NewMemoryBackend(100))
	defer store.Close()

	cfg := domain.DefaultConfig().Scoring
	enricher := NewEnricher(repo, store, cfg, nil)

	ctx := context.Background()
	base := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

	t.Run("FirstObservation", func(t *testing.T) {
		feats, err := enricher.Observe(ctx, "user-001", decimal.NewFromInt(100), base)
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if feats["tx_count_1d"].(float64) != 0 {
			t.Errorf("current transaction must not count itself, got %v", feats["tx_count_1d"])
		}
	})

	t.Run("HistoryAccumulates", func(t *testing.T) {
		for i := 1; i <= 4; i++ {
			if _, err := enricher.Observe(ctx, "user-001", decimal.NewFromInt(100), base.Add(time.Duration(i)*time.Minute)); err != nil {
				t.Fatalf("Observe failed: %v", err)
			}
		}

		got, err := store.GetFeatures(ctx, cfg.FeatureNamespace, "user-001", []string{"tx_count_1d", "tx_amount_avg_7d"})
		if err != nil {
			t.Fatalf("GetFeatures failed: %v", err)
		}
		if got["tx_count_1d"] != 4.0 {
			t.Errorf("expected 4 prior transactions, got %v", got["tx_count_1d"])
		}
		if got["tx_amount_avg_7d"] != 100.0 {
			t.Errorf("expected avg 100, got %v", got["tx_amount_avg_7d"])
		}
	})

	t.Run("EntitiesIndependent", func(t *testing.T) {
		feats, err := enricher.Observe(ctx, "user-002", decimal.NewFromInt(10), base.Add(time.Hour))
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if feats["tx_count_30d"].(float64) != 0 {
			t.Errorf("expected no history for user-002, got %v", feats["tx_count_30d"])
		}
	})

	t.Run("RequiresEntity", func(t *testing.T) {
		_, err := enricher.Observe(ctx, "", decimal.NewFromInt(1), base)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}
