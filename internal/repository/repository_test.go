package repository

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func f64(v float64) *float64 { return &v }
func boolp(v bool) *bool     { return &v }

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	// Create temp database file
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRuleSpec", func(t *testing.T) {
		spec := &domain.RuleSpec{
			Type: "predicate",
			ID:   "high-amount",
			AllOf: []domain.Predicate{
				{Field: "amount", Op: "gt", Value: 1000.0},
				{Field: "country", Op: "in", Value: []any{"NG", "RU"}},
			},
			Weight: f64(0.4),
			Tag:    "amount",
		}

		if err := repo.SaveRuleSpec(ctx, spec); err != nil {
			t.Fatalf("SaveRuleSpec failed: %v", err)
		}

		got, err := repo.GetRuleSpec(ctx, "high-amount")
		if err != nil {
			t.Fatalf("GetRuleSpec failed: %v", err)
		}
		if got.Type != "predicate" || got.WeightOrDefault() != 0.4 {
			t.Errorf("unexpected spec %+v", got)
		}
		if len(got.AllOf) != 2 || got.AllOf[0].Op != "gt" {
			t.Errorf("predicates not preserved: %+v", got.AllOf)
		}
		if !got.IsEnabled() {
			t.Error("expected enabled by default")
		}
	})

	t.Run("GetRuleSpecNotFound", func(t *testing.T) {
		_, err := repo.GetRuleSpec(ctx, "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpsertKeepsPosition", func(t *testing.T) {
		if err := repo.SaveRuleSpec(ctx, &domain.RuleSpec{Type: "amount_over", ID: "amt", Threshold: f64(500)}); err != nil {
			t.Fatalf("SaveRuleSpec failed: %v", err)
		}
		// update the first rule; it must stay first
		if err := repo.SaveRuleSpec(ctx, &domain.RuleSpec{
			Type:    "predicate",
			ID:      "high-amount",
			AnyOf:   []domain.Predicate{{Field: "amount", Op: "gt", Value: 5000.0}},
			Enabled: boolp(false),
		}); err != nil {
			t.Fatalf("SaveRuleSpec update failed: %v", err)
		}

		specs, err := repo.ListRuleSpecs(ctx)
		if err != nil {
			t.Fatalf("ListRuleSpecs failed: %v", err)
		}
		if len(specs) != 2 {
			t.Fatalf("expected 2 specs, got %d", len(specs))
		}
		if specs[0].ID != "high-amount" || specs[1].ID != "amt" {
			t.Errorf("unexpected order: %s, %s", specs[0].ID, specs[1].ID)
		}
		if specs[0].IsEnabled() {
			t.Error("expected updated rule to be disabled")
		}
	})

	t.Run("ReplaceRuleSpecs", func(t *testing.T) {
		replacement := []*domain.RuleSpec{
			{Type: "country_risk", ID: "geo", HighRisk: []string{"KP"}},
			{Type: "velocity"},
			{Type: "amount_over", ID: "amt", Threshold: f64(2000)},
		}
		if err := repo.ReplaceRuleSpecs(ctx, replacement); err != nil {
			t.Fatalf("ReplaceRuleSpecs failed: %v", err)
		}

		specs, err := repo.ListRuleSpecs(ctx)
		if err != nil {
			t.Fatalf("ListRuleSpecs failed: %v", err)
		}
		want := []string{"geo", "", "amt"}
		if len(specs) != len(want) {
			t.Fatalf("expected %d specs, got %d", len(want), len(specs))
		}
		for i, id := range want {
			if specs[i].ID != id {
				t.Errorf("position %d: expected %q, got %q", i, id, specs[i].ID)
			}
		}

		if _, err := repo.GetRuleSpec(ctx, "velocity"); err != nil {
			t.Errorf("rule without id should be stored under its type: %v", err)
		}
		if _, err := repo.GetRuleSpec(ctx, "high-amount"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("replaced rule should be gone, got %v", err)
		}
	})

	t.Run("ReplaceRuleSpecsIsAtomic", func(t *testing.T) {
		err := repo.ReplaceRuleSpecs(ctx, []*domain.RuleSpec{
			{Type: "amount_over", ID: "new"},
			{Type: "amount_over", ID: "new"},
		})
		if err == nil {
			t.Fatal("expected duplicate ids to fail")
		}

		specs, err := repo.ListRuleSpecs(ctx)
		if err != nil {
			t.Fatalf("ListRuleSpecs failed: %v", err)
		}
		if len(specs) != 3 || specs[0].ID != "geo" {
			t.Errorf("failed replace must leave previous list intact, got %d specs", len(specs))
		}
	})

	t.Run("DeleteRuleSpec", func(t *testing.T) {
		if err := repo.DeleteRuleSpec(ctx, "geo"); err != nil {
			t.Fatalf("DeleteRuleSpec failed: %v", err)
		}
		if err := repo.DeleteRuleSpec(ctx, "geo"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("EnsembleWeights", func(t *testing.T) {
		if _, err := repo.GetEnsembleWeights(ctx, "ensemble"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		if err := repo.SaveEnsembleWeights(ctx, "ensemble", []float64{0.25, 0.75}); err != nil {
			t.Fatalf("SaveEnsembleWeights failed: %v", err)
		}
		if err := repo.SaveEnsembleWeights(ctx, "ensemble", []float64{0.6, 0.4}); err != nil {
			t.Fatalf("SaveEnsembleWeights overwrite failed: %v", err)
		}

		w, err := repo.GetEnsembleWeights(ctx, "ensemble")
		if err != nil {
			t.Fatalf("GetEnsembleWeights failed: %v", err)
		}
		if len(w) != 2 || w[0] != 0.6 || w[1] != 0.4 {
			t.Errorf("expected [0.6 0.4], got %v", w)
		}
	})

	t.Run("Observations", func(t *testing.T) {
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		amounts := []string{"10.10", "20.20", "30.30"}
		for i, a := range amounts {
			obs := &domain.Observation{
				EntityID:  "acct-1",
				Amount:    decimal.RequireFromString(a),
				Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			}
			if err := repo.SaveObservation(ctx, obs); err != nil {
				t.Fatalf("SaveObservation failed: %v", err)
			}
			if obs.ID == "" {
				t.Error("expected generated id")
			}
		}
		other := &domain.Observation{EntityID: "acct-2", Amount: decimal.NewFromInt(1), Timestamp: base}
		if err := repo.SaveObservation(ctx, other); err != nil {
			t.Fatalf("SaveObservation failed: %v", err)
		}

		got, err := repo.ListObservations(ctx, "acct-1", base.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("ListObservations failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 observations, got %d", len(got))
		}
		if !got[0].Amount.Equal(decimal.RequireFromString("20.20")) {
			t.Errorf("expected 20.20 first, got %s", got[0].Amount)
		}
		if !got[1].Timestamp.Equal(base.Add(48 * time.Hour)) {
			t.Errorf("unexpected timestamp %v", got[1].Timestamp)
		}
	})

	t.Run("ObservationRequiresEntity", func(t *testing.T) {
		err := repo.SaveObservation(ctx, &domain.Observation{Amount: decimal.NewFromInt(1)})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("unexpected postgres rebind %q", got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite query must be unchanged, got %q", got)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestDataSource(t *testing.T) {
	t.Run("SQLite", func(t *testing.T) {
		name, dsn, err := dataSource(domain.RepositoryConfig{Driver: "sqlite"})
		if err != nil {
			t.Fatalf("dataSource failed: %v", err)
		}
		if name != "sqlite" {
			t.Errorf("expected sqlite driver, got %q", name)
		}
		if !strings.HasPrefix(dsn, "file:./kestrel.db?") || !strings.Contains(dsn, "_pragma=journal_mode(WAL)") {
			t.Errorf("unexpected dsn %q", dsn)
		}
	})

	t.Run("Postgres", func(t *testing.T) {
		name, dsn, err := dataSource(domain.RepositoryConfig{
			Driver:           "postgres",
			PostgresUser:     "scorer",
			PostgresPassword: `it's secret`,
		})
		if err != nil {
			t.Fatalf("dataSource failed: %v", err)
		}
		if name != "postgres" {
			t.Errorf("expected postgres driver, got %q", name)
		}
		want := `host=localhost port=5432 user=scorer password='it\'s secret' dbname=kestrel sslmode=disable application_name=kestrel`
		if dsn != want {
			t.Errorf("dsn = %q, want %q", dsn, want)
		}
	})
}
