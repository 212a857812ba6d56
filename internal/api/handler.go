package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/shopspring/decimal"
)

// Deps are the collaborators of the HTTP handlers. Repo, Bus and Enricher
// are optional.
type Deps struct {
	Repo     domain.Repository
	Store    *features.Store
	Bus      domain.EventBus
	Engine   *rules.Engine
	Pipeline *scoring.Pipeline
	Enricher *velocity.Enricher
	Version  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	store    *features.Store
	bus      domain.EventBus
	engine   *rules.Engine
	pipeline *scoring.Pipeline
	enricher *velocity.Enricher
	version  string

	// rulesMu keeps persist-then-reload atomic across rule writes, so the
	// repository and the engine end up holding the same set.
	rulesMu sync.Mutex
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		repo:     d.Repo,
		store:    d.Store,
		bus:      d.Bus,
		engine:   d.Engine,
		pipeline: d.Pipeline,
		enricher: d.Enricher,
		version:  d.Version,
	}
}

// Score handles POST /score.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var req domain.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}

	resp, err := h.pipeline.Score(r.Context(), &req)
	if err != nil {
		slog.Error("scoring failed",
			"entity_id", req.EntityID,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// FuseRequest is the request body for POST /score/fuse.
type FuseRequest struct {
	ModelScore *float64             `json:"model_score"`
	RuleScore  *float64             `json:"rule_score"`
	Config     *domain.FusionConfig `json:"config,omitempty"`
}

// FuseScores handles POST /score/fuse.
func (h *Handler) FuseScores(w http.ResponseWriter, r *http.Request) {
	var req FuseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ModelScore == nil || req.RuleScore == nil {
		writeError(w, http.StatusBadRequest, "model_score and rule_score are required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]float64{
		"risk_score": h.pipeline.FuseScores(*req.ModelScore, *req.RuleScore, req.Config),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.checkDeps(r.Context()) != nil {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"rules":   h.engine.RulesCount(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.checkDeps(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) checkDeps(ctx context.Context) error {
	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			return err
		}
	}
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			return err
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ListRules returns the active rule specifications in declaration order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves an active rule by id.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, spec := range h.engine.GetLoadedRules() {
		if spec.ID == ruleID || (spec.ID == "" && spec.Type == ruleID) {
			writeJSON(w, http.StatusOK, spec)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// ReplaceRulesRequest is the request body for PUT /rules.
type ReplaceRulesRequest struct {
	Rules []*domain.RuleSpec `json:"rules"`
}

// ReplaceRules handles PUT /rules: validate, persist, then swap. Nothing
// changes unless every rule builds.
func (h *Handler) ReplaceRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ReplaceRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.engine.ValidateRules(req.Rules); err != nil {
		writeErr(w, err)
		return
	}

	h.rulesMu.Lock()
	defer h.rulesMu.Unlock()

	if h.repo != nil {
		if err := h.repo.ReplaceRuleSpecs(ctx, req.Rules); err != nil {
			slog.Error("failed to persist rules", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save rules")
			return
		}
	}

	if err := h.engine.ReloadRules(req.Rules); err != nil {
		writeErr(w, err)
		return
	}
	h.broadcastReload(ctx)

	slog.Info("rules replaced", "count", len(req.Rules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules replaced",
		"count":   len(req.Rules),
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	h.rulesMu.Lock()
	defer h.rulesMu.Unlock()

	if err := h.engine.ReloadFrom(ctx, h.repo); err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeErr(w, err)
		return
	}
	h.broadcastReload(ctx)

	count := h.engine.RulesCount()
	slog.Info("rules reloaded from database", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// broadcastReload tells other nodes to reload from the shared repository.
func (h *Handler) broadcastReload(ctx context.Context) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, domain.TopicRulesReload, nil); err != nil {
		slog.Warn("failed to broadcast rule reload", "error", err)
	}
}

// PutFeaturesRequest is the request body for PUT /features/{namespace}/{entity}.
type PutFeaturesRequest struct {
	Features   map[string]any `json:"features"`
	TTLSeconds int            `json:"ttl_seconds"`
}

// PutFeatures stores features for an entity.
func (h *Handler) PutFeatures(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	entity := chi.URLParam(r, "entity")

	var req PutFeaturesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Features) == 0 {
		writeError(w, http.StatusBadRequest, "features are required")
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.store.PutFeatures(r.Context(), ns, entity, req.Features, ttl); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stored": len(req.Features),
	})
}

// GetFeatures returns the present features of an entity. ?names= is a
// comma-separated list.
func (h *Handler) GetFeatures(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	entity := chi.URLParam(r, "entity")

	var names []string
	for _, n := range strings.Split(r.URL.Query().Get("names"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		writeError(w, http.StatusBadRequest, "names query parameter is required")
		return
	}

	found, err := h.store.GetFeatures(r.Context(), ns, entity, names)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"namespace": ns,
		"entity_id": entity,
		"features":  found,
	})
}

// ObservationRequest is the request body for POST /observations.
type ObservationRequest struct {
	EntityID  string          `json:"entity_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Observe records a transaction and returns the refreshed velocity
// features.
func (h *Handler) Observe(w http.ResponseWriter, r *http.Request) {
	if h.enricher == nil {
		writeError(w, http.StatusServiceUnavailable, "velocity enrichment not available")
		return
	}

	var req ObservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	feats, err := h.enricher.Observe(r.Context(), req.EntityID, req.Amount, req.Timestamp)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": req.EntityID,
		"features":  feats,
	})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var cfgErr *domain.ConfigError
	var detErr *domain.DetectorError

	switch {
	case errors.As(err, &cfgErr),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrUnknownRuleType),
		errors.Is(err, domain.ErrUnsupportedOperator),
		errors.Is(err, domain.ErrMissingField):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &detErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
