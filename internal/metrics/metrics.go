// Package metrics exposes Prometheus instrumentation for scoring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Error stages reported on ScoreErrors.
const (
	StageFeatures = "features"
	StageRules    = "rules"
	StageAnomaly  = "anomaly"
	StageFusion   = "fusion"
	StageCanceled = "canceled"
)

var (
	ScoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_score_requests_total",
		Help: "Scoring calls by fusion mode.",
	}, []string{"fusion_mode"})

	ScoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_score_errors_total",
		Help: "Failed scoring calls by pipeline stage.",
	}, []string{"stage"})

	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_risk_score",
		Help:    "Distribution of fused risk scores.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	RuleHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rule_hits_total",
		Help: "Rules that contributed a positive score.",
	}, []string{"rule_id"})

	RuleReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rule_reloads_total",
		Help: "Rule set reloads by result.",
	}, []string{"result"})

	FeatureLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_feature_lookups_total",
		Help: "Feature store lookups by result.",
	}, []string{"result"})

	ScoringDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_scoring_duration_seconds",
		Help:    "End-to-end scoring latency.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

// ObserveReload records the outcome of a rule reload.
func ObserveReload(err error) {
	if err != nil {
		RuleReloads.WithLabelValues("error").Inc()
		return
	}
	RuleReloads.WithLabelValues("ok").Inc()
}

// ObserveLookups records hits and misses of one feature fetch.
func ObserveLookups(requested, found int) {
	if found > 0 {
		FeatureLookups.WithLabelValues("hit").Add(float64(found))
	}
	if miss := requested - found; miss > 0 {
		FeatureLookups.WithLabelValues("miss").Add(float64(miss))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
