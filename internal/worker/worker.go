// Package worker consumes scoring work from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/shopspring/decimal"
)

// QueueGroup is the queue every worker joins for score requests and
// observations, so each message is handled once per cluster.
const QueueGroup = "kestrel-workers"

// errStopped is returned for messages delivered after Stop began.
var errStopped = errors.New("worker stopped")

// Worker processes score requests, observations and rule reloads.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	engine   *rules.Engine
	pipeline *scoring.Pipeline
	enricher *velocity.Enricher

	mu            sync.Mutex
	stopped       bool
	subscriptions []domain.Subscription
	wg            sync.WaitGroup // in-flight handlers; Add only under mu while !stopped
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of queue subscriptions per topic.
	Concurrency int
}

// NewWorker creates a new async worker. repo and enricher may be nil;
// the matching topics are then not consumed.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine *rules.Engine, pipeline *scoring.Pipeline, enricher *velocity.Enricher) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		engine:   engine,
		pipeline: pipeline,
		enricher: enricher,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes the worker to its topics.
func (w *Worker) Start(cfg Config) error {
	n := cfg.Concurrency
	if n <= 0 {
		n = 1
	}

	for i := 0; i < n; i++ {
		if err := w.queue(domain.TopicScoreRequest, w.processScoreRequest); err != nil {
			return err
		}
		if w.enricher != nil {
			if err := w.queue(domain.TopicObservation, w.processObservation); err != nil {
				return err
			}
		}
	}

	// Every node reloads, so this is a plain subscription.
	if w.repo != nil {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicRulesReload, w.track(w.processReload))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", domain.TopicRulesReload, err)
		}
		w.addSubscription(sub)
	}

	slog.Info("workers started",
		"concurrency", n,
		"subscriptions", len(w.GetStats().Topics),
	)
	return nil
}

func (w *Worker) queue(topic string, h domain.MessageHandler) error {
	sub, err := w.bus.QueueSubscribe(w.ctx, topic, QueueGroup, w.track(h))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	w.addSubscription(sub)
	return nil
}

func (w *Worker) addSubscription(sub domain.Subscription) {
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
}

// track counts in-flight handlers so Stop can wait for them. Messages
// arriving once Stop has begun are refused.
func (w *Worker) track(h domain.MessageHandler) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return errStopped
		}
		w.wg.Add(1)
		w.mu.Unlock()

		defer w.wg.Done()
		return h(ctx, msg)
	}
}

// ScoreRequestMessage is the payload on TopicScoreRequest.
type ScoreRequestMessage struct {
	RequestID string `json:"request_id"`
	domain.ScoreRequest
}

// ObservationMessage is the payload on TopicObservation.
type ObservationMessage struct {
	EntityID  string          `json:"entity_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// processScoreRequest scores a request and publishes a ScoreResult. A
// failed score is published with its error rather than dropped.
func (w *Worker) processScoreRequest(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req ScoreRequestMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse score request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	result := domain.ScoreResult{RequestID: req.RequestID}
	resp, err := w.pipeline.Score(ctx, &req.ScoreRequest)
	if err != nil {
		slog.Error("scoring failed",
			"request_id", req.RequestID,
			"entity_id", req.EntityID,
			"error", err,
		)
		result.Error = err.Error()
	} else {
		result.Response = resp
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode score result: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicScoreResult, payload); err != nil {
		slog.Error("failed to publish score result",
			"request_id", req.RequestID,
			"error", err,
		)
		return err
	}

	if resp != nil && resp.Alert {
		if err := w.bus.Publish(ctx, domain.TopicScoreAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"request_id", req.RequestID,
				"error", err,
			)
		}
	}

	if resp != nil {
		slog.Info("score request processed",
			"request_id", req.RequestID,
			"entity_id", resp.EntityID,
			"risk_score", resp.RiskScore,
			"alert", resp.Alert,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return nil
}

// processObservation feeds the velocity enricher.
func (w *Worker) processObservation(ctx context.Context, msg *domain.Message) error {
	var obs ObservationMessage
	if err := json.Unmarshal(msg.Payload, &obs); err != nil {
		slog.Error("failed to parse observation",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if _, err := w.enricher.Observe(ctx, obs.EntityID, obs.Amount, obs.Timestamp); err != nil {
		slog.Error("observation failed",
			"entity_id", obs.EntityID,
			"error", err,
		)
		return err
	}
	return nil
}

// processReload reloads the rule set from the repository. A rejected set
// leaves the current snapshot in place.
func (w *Worker) processReload(ctx context.Context, msg *domain.Message) error {
	err := w.engine.ReloadFrom(ctx, w.repo)
	if err != nil {
		slog.Error("rule reload failed",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	slog.Info("rules reloaded",
		"message_id", msg.ID,
		"rules", w.engine.RulesCount(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	// Unsubscribe all
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
