// Package scoring orchestrates a scoring call: feature fetch, rule pass,
// anomaly pass, fusion and the auditable response.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/fusion"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-scoring")

// ReasonAnomaly is the primary reason when the anomaly term dominates.
const ReasonAnomaly = "anomaly"

// Pipeline is safe for concurrent use. It holds no per-call state; the
// shared state lives in the rule engine, the feature store and the
// detector's weights.
type Pipeline struct {
	engine   *rules.Engine
	store    *features.Store
	detector detector.Detector
	cfg      domain.ScoringConfig
	logger   *slog.Logger
}

// NewPipeline creates a pipeline. det may be nil, in which case every
// anomaly score is 0.
func NewPipeline(engine *rules.Engine, store *features.Store, det detector.Detector, cfg domain.ScoringConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		engine:   engine,
		store:    store,
		detector: det,
		cfg:      cfg,
		logger:   logger,
	}
}

// Config returns the scoring configuration.
func (p *Pipeline) Config() domain.ScoringConfig { return p.cfg }

// HasDetector reports whether an anomaly pass is configured.
func (p *Pipeline) HasDetector() bool { return p.detector != nil }

// Score runs one scoring call.
func (p *Pipeline) Score(ctx context.Context, req *domain.ScoreRequest) (*domain.ScoreResponse, error) {
	start := time.Now()
	if req == nil || req.EntityID == "" {
		return nil, fmt.Errorf("%w: entity_id is required", domain.ErrInvalidInput)
	}

	policy, err := p.policy(req)
	if err != nil {
		metrics.ScoreErrors.WithLabelValues(metrics.StageFusion).Inc()
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "scoring.Score",
		trace.WithAttributes(
			attribute.String("entity.id", req.EntityID),
			attribute.String("fusion.mode", policy.Name()),
		),
	)
	defer span.End()

	fail := func(stage string, err error) (*domain.ScoreResponse, error) {
		metrics.ScoreErrors.WithLabelValues(stage).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Fetch
	names := p.cfg.FeatureNames
	cached, err := p.store.GetFeatures(ctx, p.cfg.FeatureNamespace, req.EntityID, names)
	if err != nil {
		return fail(metrics.StageFeatures, fmt.Errorf("fetch features: %w", err))
	}
	metrics.ObserveLookups(len(names), len(cached))

	// Merge; the live payload wins.
	view := make(map[string]any, len(cached)+len(req.Payload))
	for k, v := range cached {
		view[k] = v
	}
	for k, v := range req.Payload {
		view[k] = v
	}

	// Rules
	ruleScore, outcomes := p.engine.Evaluate(view)
	for _, o := range outcomes {
		metrics.RuleHits.WithLabelValues(o.RuleID).Inc()
	}
	span.SetAttributes(
		attribute.Float64("rules.score", ruleScore),
		attribute.Int("rules.fired", len(outcomes)),
	)

	if err := ctx.Err(); err != nil {
		return fail(metrics.StageCanceled, err)
	}

	// Anomaly
	anomalyScore := 0.0
	if p.detector != nil {
		x := Vectorize(view, names)
		scores, err := p.detector.Score(ctx, [][]float64{x})
		if err != nil {
			return fail(metrics.StageAnomaly, wrapDetector(p.detector.Name(), err))
		}
		if len(scores) != 1 {
			return fail(metrics.StageAnomaly, &domain.DetectorError{
				Detector: p.detector.Name(),
				Err:      fmt.Errorf("%w: expected 1 score, got %d", domain.ErrDimensionMismatch, len(scores)),
			})
		}
		anomalyScore = scores[0]
		span.SetAttributes(attribute.Float64("anomaly.score", anomalyScore))
	}

	if err := ctx.Err(); err != nil {
		return fail(metrics.StageCanceled, err)
	}

	// Fuse
	risk := policy.Combine(ruleScore, anomalyScore)
	threshold := p.cfg.AlertThreshold

	resp := &domain.ScoreResponse{
		ScoreID:      uuid.New().String(),
		EntityID:     req.EntityID,
		RiskScore:    risk,
		RuleScore:    ruleScore,
		AnomalyScore: anomalyScore,
		Breakdown: map[string]float64{
			"rules":   ruleScore,
			"anomaly": anomalyScore,
		},
		FeaturesUsed:  append([]string{}, names...),
		Outcomes:      outcomes,
		FusionMode:    policy.Name(),
		Alert:         threshold > 0 && risk >= threshold,
		PrimaryReason: primaryReason(policy, ruleScore, anomalyScore, outcomes),
		ProcessingMs:  time.Since(start).Milliseconds(),
	}

	metrics.ScoreRequests.WithLabelValues(policy.Name()).Inc()
	metrics.RiskScore.Observe(risk)
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Float64("risk.score", risk),
		attribute.Bool("risk.alert", resp.Alert),
	)

	p.logger.Debug("scored",
		"score_id", resp.ScoreID,
		"entity_id", resp.EntityID,
		"risk_score", risk,
		"rule_score", ruleScore,
		"anomaly_score", anomalyScore,
		"alert", resp.Alert,
	)

	return resp, nil
}

// FuseScores combines a model score and a rule score in the logit
// domain. cfg overrides the configured multipliers when non-nil.
func (p *Pipeline) FuseScores(modelScore, ruleScore float64, cfg *domain.FusionConfig) float64 {
	c := p.cfg.Fusion
	if cfg != nil {
		c = *cfg
	}
	return fusion.Fuse(modelScore, ruleScore, c)
}

func (p *Pipeline) policy(req *domain.ScoreRequest) (fusion.Policy, error) {
	mode := p.cfg.FusionMode
	if req.FusionMode != "" {
		mode = req.FusionMode
	}
	blend := p.cfg.Blend
	if req.Blend != nil {
		blend = *req.Blend
	}
	fc := p.cfg.Fusion
	if req.Fusion != nil {
		fc = *req.Fusion
	}
	return fusion.NewPolicy(mode, blend, fc)
}

// Vectorize lays out view in the order of names. Absent and
// non-numeric values become 0.
func Vectorize(view map[string]any, names []string) []float64 {
	x := make([]float64, len(names))
	for i, n := range names {
		x[i] = numeric(view[n])
	}
	return x
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	case decimal.Decimal:
		return n.InexactFloat64()
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

func wrapDetector(name string, err error) error {
	var de *domain.DetectorError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.DetectorError{Detector: name, Err: err}
}

// primaryReason names the largest rule contribution, or ReasonAnomaly
// when the anomaly side of the fusion outweighs the rule side.
func primaryReason(policy fusion.Policy, ruleScore, anomalyScore float64, outcomes []domain.RuleOutcome) string {
	var ruleTerm, anomalyTerm float64
	switch pol := policy.(type) {
	case fusion.Linear:
		ruleTerm = pol.Weights.RuleWeight * ruleScore
		anomalyTerm = pol.Weights.AnomalyWeight * anomalyScore
	case fusion.LogitDomain:
		ruleTerm = pol.Config.RuleWeight * ruleScore
		anomalyTerm = pol.Config.ModelWeight * anomalyScore
	default:
		ruleTerm, anomalyTerm = ruleScore, anomalyScore
	}

	if anomalyTerm > 0 && anomalyTerm > ruleTerm {
		return ReasonAnomaly
	}

	best := ""
	top := 0.0
	for _, o := range outcomes {
		if o.ContributedScore > top {
			best, top = o.RuleID, o.ContributedScore
		}
	}
	return best
}
