package domain

// ScoreRequest is a single scoring call.
type ScoreRequest struct {
	EntityID string         `json:"entity_id"`
	Payload  map[string]any `json:"payload"`

	// Optional per-call overrides of the configured fusion.
	FusionMode string        `json:"fusion_mode,omitempty"`
	Blend      *BlendWeights `json:"blend,omitempty"`
	Fusion     *FusionConfig `json:"fusion,omitempty"`
}

// ScoreResponse is the auditable result of a scoring call.
type ScoreResponse struct {
	ScoreID       string             `json:"score_id"`
	EntityID      string             `json:"entity_id"`
	RiskScore     float64            `json:"risk_score"`
	RuleScore     float64            `json:"rule_score"`
	AnomalyScore  float64            `json:"anomaly_score"`
	Breakdown     map[string]float64 `json:"breakdown"`
	FeaturesUsed  []string           `json:"features_used"`
	Outcomes      []RuleOutcome      `json:"outcomes,omitempty"`
	FusionMode    string             `json:"fusion_mode"`
	Alert         bool               `json:"alert"`
	PrimaryReason string             `json:"primary_reason,omitempty"`
	ProcessingMs  int64              `json:"processing_ms"`
}

// ScoreResult is the bus envelope published for asynchronous requests.
type ScoreResult struct {
	RequestID string         `json:"request_id"`
	Response  *ScoreResponse `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
}
