// Package velocity maintains rolling per-entity transaction features.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// ratioEps keeps amount_to_avg_ratio finite for entities with no history.
const ratioEps = 1e-8

// Enricher records observations and refreshes the derived velocity
// features of their entity in the feature store.
type Enricher struct {
	repo      domain.Repository
	store     *features.Store
	namespace string
	windows   []int
	ttl       time.Duration
	logger    *slog.Logger
}

// NewEnricher creates an enricher writing under cfg.FeatureNamespace for
// cfg.VelocityWindows (default 1, 7 and 30 days).
func NewEnricher(repo domain.Repository, store *features.Store, cfg domain.ScoringConfig, logger *slog.Logger) *Enricher {
	windows := slices.Clone(cfg.VelocityWindows)
	if len(windows) == 0 {
		windows = []int{1, 7, 30}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		repo:      repo,
		store:     store,
		namespace: cfg.FeatureNamespace,
		windows:   windows,
		ttl:       cfg.FeatureTTL,
		logger:    logger,
	}
}

// Windows returns the configured day windows.
func (e *Enricher) Windows() []int { return slices.Clone(e.windows) }

// Observe computes the velocity features of a new transaction from the
// entity's history, records the transaction and writes the features.
// Counts and sums exclude the transaction itself.
func (e *Enricher) Observe(ctx context.Context, entityID string, amount decimal.Decimal, ts time.Time) (map[string]any, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", domain.ErrInvalidInput)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	longest := slices.Max(e.windows)
	history, err := e.repo.ListObservations(ctx, entityID, ts.Add(-time.Duration(longest)*day))
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	feats := Compute(history, amount, ts, e.windows)

	if err := e.repo.SaveObservation(ctx, &domain.Observation{
		EntityID:  entityID,
		Amount:    amount,
		Timestamp: ts,
	}); err != nil {
		return nil, fmt.Errorf("failed to record observation: %w", err)
	}

	if err := e.store.PutFeatures(ctx, e.namespace, entityID, feats, e.ttl); err != nil {
		return nil, fmt.Errorf("failed to write features: %w", err)
	}

	e.logger.Debug("velocity features updated",
		"entity_id", entityID,
		"history", len(history),
	)
	return feats, nil
}

// Compute derives, for each window w in days:
//
//	tx_count_<w>d, tx_amount_sum_<w>d, tx_amount_avg_<w>d
//
// over history inside (ts - w, ts], plus amount_to_avg_ratio, the amount
// over the mean of the window averages.
func Compute(history []*domain.Observation, amount decimal.Decimal, ts time.Time, windows []int) map[string]any {
	feats := make(map[string]any, 3*len(windows)+1)
	var avgSum float64

	for _, w := range windows {
		start := ts.Add(-time.Duration(w) * day)
		count := 0
		sum := decimal.Zero
		for _, o := range history {
			if o.Timestamp.After(start) && !o.Timestamp.After(ts) {
				count++
				sum = sum.Add(o.Amount)
			}
		}
		avg := sum.Div(decimal.NewFromInt(int64(max(count, 1))))

		feats[fmt.Sprintf("tx_count_%dd", w)] = float64(count)
		feats[fmt.Sprintf("tx_amount_sum_%dd", w)] = sum.InexactFloat64()
		feats[fmt.Sprintf("tx_amount_avg_%dd", w)] = avg.InexactFloat64()
		avgSum += avg.InexactFloat64()
	}

	meanAvg := 0.0
	if len(windows) > 0 {
		meanAvg = avgSum / float64(len(windows))
	}
	feats["amount_to_avg_ratio"] = amount.InexactFloat64() / (meanAvg + ratioEps)
	return feats
}
