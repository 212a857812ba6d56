//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Kestrel
// server.
//
// These tests drive the COMPLETE scoring pipeline over HTTP:
//
//	Payload + cached features → Rules → Anomaly → Fusion → Response
//
// Run with:
//
//	go run ./cmd/kestrel serve &
//	KESTREL_TEST_URL=http://localhost:8080 go test -tags=integration -v ./tests/integration/...
//
// Each test installs the rule set below with PUT /rules, so the server's
// previous rules are replaced.
//
// | Rule ID      | Kind          | Fires when                              |
// |--------------|---------------|-----------------------------------------|
// | high-value   | amount_over   | amount > 10000                          |
// | sanctioned   | country_risk  | country in {KP, IR}                     |
// | drain        | predicate     | new_balance == 0 and old_balance > 0    |
// | burst        | velocity      | tx_count_1d > 3                         |
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

// ============================================================================
// API Request/Response Types
// ============================================================================

type Blend struct {
	RuleWeight    float64 `json:"rule_weight"`
	AnomalyWeight float64 `json:"anomaly_weight"`
}

// ScoreRequest is the body of POST /score
type ScoreRequest struct {
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
	FusionMode string         `json:"fusion_mode,omitempty"`
	Blend      *Blend         `json:"blend,omitempty"`
}

type Outcome struct {
	RuleID           string  `json:"rule_id"`
	ContributedScore float64 `json:"contributed_score"`
}

// ScoreResponse is what POST /score returns
type ScoreResponse struct {
	ScoreID       string             `json:"score_id"`
	RiskScore     float64            `json:"risk_score"`
	RuleScore     float64            `json:"rule_score"`
	AnomalyScore  float64            `json:"anomaly_score"`
	Breakdown     map[string]float64 `json:"breakdown"`
	Outcomes      []Outcome          `json:"outcomes"`
	Alert         bool               `json:"alert"`
	PrimaryReason string             `json:"primary_reason"`
}

// rulesOnly weights the blend entirely on rules so alerts do not depend on
// the server's model file.
var rulesOnly = &Blend{RuleWeight: 1, AnomalyWeight: 0}

const ruleSet = `{"rules": [
	{"type": "amount_over", "id": "high-value", "threshold": 10000, "weight": 0.5},
	{"type": "country_risk", "id": "sanctioned", "high_risk": ["KP", "IR"], "weight": 0.6},
	{"type": "predicate", "id": "drain", "weight": 0.4,
	 "all_of": [
		{"field": "new_balance", "op": "==", "value": 0},
		{"field": "old_balance", "op": ">", "value": 0}
	 ]},
	{"type": "velocity", "id": "burst", "max_tx": 3, "window_days": 1, "weight": 0.2}
]}`

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func installRules(t *testing.T, config TestConfig) {
	t.Helper()
	status, body := call(t, http.MethodPut, config.BaseURL+"/rules", ruleSet)
	if status != http.StatusOK {
		t.Fatalf("Failed to install rules: %d %s", status, body)
	}
}

func score(t *testing.T, config TestConfig, req ScoreRequest) ScoreResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	status, respBody := call(t, http.MethodPost, config.BaseURL+"/score", string(body))
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(respBody))
	}

	var result ScoreResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}
	return result
}

func uniqueEntity(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// ============================================================================
// SCENARIO 1: Normal Transaction (No Rules Fire)
// ============================================================================

func TestNormalTransaction_NoAlert(t *testing.T) {
	config := getTestConfig()
	installRules(t, config)

	result := score(t, config, ScoreRequest{
		EntityID: uniqueEntity("normal"),
		Payload:  map[string]any{"amount": 500, "country": "DE", "old_balance": 900, "new_balance": 400},
		Blend:    rulesOnly,
	})

	if result.Alert {
		t.Errorf("Expected no alert, got risk %.2f", result.RiskScore)
	}
	if result.RuleScore != 0 || len(result.Outcomes) != 0 {
		t.Errorf("Expected no rule outcomes, got %v", result.Outcomes)
	}
	if result.ScoreID == "" {
		t.Error("Expected a score_id")
	}

	t.Logf("✓ Normal transaction: risk=%.2f", result.RiskScore)
}

// ============================================================================
// SCENARIO 2: Threshold Boundary
// ============================================================================

func TestAmountThresholdBoundary(t *testing.T) {
	config := getTestConfig()
	installRules(t, config)

	exact := score(t, config, ScoreRequest{
		EntityID: uniqueEntity("boundary"),
		Payload:  map[string]any{"amount": 10000},
		Blend:    rulesOnly,
	})
	if exact.RuleScore != 0 {
		t.Errorf("amount_over is strict: expected 0 at threshold, got %.4f", exact.RuleScore)
	}

	above := score(t, config, ScoreRequest{
		EntityID: uniqueEntity("boundary"),
		Payload:  map[string]any{"amount": 15000},
		Blend:    rulesOnly,
	})
	// (15000 - 10000) / 10000 * 0.5
	if above.RuleScore < 0.249 || above.RuleScore > 0.251 {
		t.Errorf("Expected rule score 0.25, got %.4f", above.RuleScore)
	}
	if above.PrimaryReason != "high-value" {
		t.Errorf("Expected primary reason high-value, got %q", above.PrimaryReason)
	}
}

// ============================================================================
// SCENARIO 3: Multiple Signals Alert
// ============================================================================

func TestMultipleSignals_Alert(t *testing.T) {
	config := getTestConfig()
	installRules(t, config)

	result := score(t, config, ScoreRequest{
		EntityID: uniqueEntity("mule"),
		Payload: map[string]any{
			"amount":      20000,
			"country":     "kp",
			"old_balance": 20000,
			"new_balance": 0,
		},
		Blend: rulesOnly,
	})

	// 0.5 + 0.6 + 0.4 clamps to 1
	if result.RuleScore != 1 {
		t.Errorf("Expected clamped rule score 1, got %.4f", result.RuleScore)
	}
	if !result.Alert {
		t.Errorf("Expected alert, got risk %.2f", result.RiskScore)
	}
	if len(result.Outcomes) != 3 {
		t.Errorf("Expected three outcomes, got %v", result.Outcomes)
	}
	if result.PrimaryReason != "sanctioned" {
		t.Errorf("Expected primary reason sanctioned, got %q", result.PrimaryReason)
	}
}

// ============================================================================
// SCENARIO 4: Velocity Features From Observations
// ============================================================================

func TestVelocityFromObservations(t *testing.T) {
	config := getTestConfig()
	installRules(t, config)

	entity := uniqueEntity("burst")
	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"entity_id":%q,"amount":"25.00"}`, entity)
		if status, resp := call(t, http.MethodPost, config.BaseURL+"/observations", body); status != http.StatusOK {
			t.Fatalf("Failed to record observation: %d %s", status, resp)
		}
	}

	result := score(t, config, ScoreRequest{
		EntityID: entity,
		Payload:  map[string]any{"amount": 25},
		Blend:    rulesOnly,
	})

	// The fifth observation saw four prior transactions: (4 - 3) / 3 * 0.2
	fired := false
	for _, o := range result.Outcomes {
		if o.RuleID == "burst" {
			fired = true
		}
	}
	if !fired {
		t.Errorf("Expected burst rule to fire from cached velocity features, got %v", result.Outcomes)
	}
}

// ============================================================================
// SCENARIO 5: Feature Store Round Trip
// ============================================================================

func TestFeatureStoreRoundTrip(t *testing.T) {
	config := getTestConfig()
	entity := uniqueEntity("features")

	status, body := call(t, http.MethodPut, config.BaseURL+"/features/acct/"+entity,
		`{"features":{"tx_count_1d":9,"segment":"smb"},"ttl_seconds":60}`)
	if status != http.StatusOK {
		t.Fatalf("Failed to put features: %d %s", status, body)
	}

	status, body = call(t, http.MethodGet, config.BaseURL+"/features/acct/"+entity+"?names=tx_count_1d,segment,absent", "")
	if status != http.StatusOK {
		t.Fatalf("Failed to get features: %d %s", status, body)
	}

	var out struct {
		Features map[string]any `json:"features"`
	}
	json.Unmarshal(body, &out)
	if out.Features["tx_count_1d"] != 9.0 || out.Features["segment"] != "smb" {
		t.Errorf("Unexpected features %v", out.Features)
	}
	if _, ok := out.Features["absent"]; ok {
		t.Error("Absent features must be omitted")
	}
}

// ============================================================================
// SCENARIO 6: Fusion
// ============================================================================

func TestFuseScores(t *testing.T) {
	config := getTestConfig()

	status, body := call(t, http.MethodPost, config.BaseURL+"/score/fuse", `{"model_score":0.9,"rule_score":0.9}`)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, body)
	}

	var out map[string]float64
	json.Unmarshal(body, &out)
	if out["risk_score"] < 0.8999 || out["risk_score"] > 0.9001 {
		t.Errorf("Expected fused score 0.9, got %v", out["risk_score"])
	}
}

// ============================================================================
// SCENARIO 7: Invalid Rule Sets Are Rejected Atomically
// ============================================================================

func TestInvalidRulesRejected(t *testing.T) {
	config := getTestConfig()
	installRules(t, config)

	status, body := call(t, http.MethodPut, config.BaseURL+"/rules",
		`{"rules":[{"type":"amount_over","id":"ok","threshold":1},{"type":"no_such_kind","id":"broken"}]}`)
	if status != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d: %s", status, body)
	}
	if !strings.Contains(string(body), "broken") {
		t.Errorf("Expected offending rule id in error, got %s", body)
	}

	status, body = call(t, http.MethodGet, config.BaseURL+"/rules/high-value", "")
	if status != http.StatusOK {
		t.Errorf("Previous rule set must stay active, got %d: %s", status, body)
	}
}

// ============================================================================
// SCENARIO 8: Operational Endpoints
// ============================================================================

func TestOperationalEndpoints(t *testing.T) {
	config := getTestConfig()

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		status, body := call(t, http.MethodGet, config.BaseURL+path, "")
		if status != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d: %s", path, status, body)
		}
	}

	_, body := call(t, http.MethodGet, config.BaseURL+"/metrics", "")
	if !strings.Contains(string(body), "kestrel_score_requests_total") {
		t.Error("Expected kestrel_score_requests_total in metrics")
	}
}
