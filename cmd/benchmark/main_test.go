package main

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestMetricsRates(t *testing.T) {
	m := &Metrics{}
	m.Record(true, true)
	m.Record(true, true)
	m.Record(true, false)
	m.Record(false, true)
	m.Record(false, false)

	if m.TotalFraud != 3 || m.TotalNonFraud != 2 {
		t.Fatalf("unexpected totals: fraud=%d non-fraud=%d", m.TotalFraud, m.TotalNonFraud)
	}

	precision, recall, f1, accuracy := m.Rates()
	if math.Abs(precision-2.0/3) > 1e-12 {
		t.Errorf("expected precision 2/3, got %v", precision)
	}
	if math.Abs(recall-2.0/3) > 1e-12 {
		t.Errorf("expected recall 2/3, got %v", recall)
	}
	if math.Abs(f1-2.0/3) > 1e-12 {
		t.Errorf("expected f1 2/3, got %v", f1)
	}
	if math.Abs(accuracy-0.6) > 1e-12 {
		t.Errorf("expected accuracy 0.6, got %v", accuracy)
	}

	empty := &Metrics{}
	if p, r, f, a := empty.Rates(); p != 0 || r != 0 || f != 0 || a != 0 {
		t.Error("empty metrics must have zero rates")
	}
}

func TestScoreTransaction(t *testing.T) {
	var observed, scored int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/observations":
			atomic.AddInt32(&observed, 1)
			w.Write([]byte(`{}`))
		case "/score":
			atomic.AddInt32(&scored, 1)
			var req ScoreRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.EntityID != "C1" || req.Payload["drained"] != true {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"score_id":"s1","risk_score":0.9,"alert":true,"primary_reason":"drain"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tx := PaySimTransaction{Type: "TRANSFER", Amount: 500, NameOrig: "C1", OldBalanceOrg: 500, NewBalanceOrig: 0}

	result, err := scoreTransaction(srv.Client(), Options{BaseURL: srv.URL, Observe: true}, tx)
	if err != nil {
		t.Fatalf("scoreTransaction failed: %v", err)
	}
	if !result.Alert || result.PrimaryReason != "drain" {
		t.Errorf("unexpected result %+v", result)
	}
	if o, s := atomic.LoadInt32(&observed), atomic.LoadInt32(&scored); o != 1 || s != 1 {
		t.Errorf("expected one observation and one score, got %d and %d", o, s)
	}

	if _, err := scoreTransaction(srv.Client(), Options{BaseURL: srv.URL}, PaySimTransaction{NameOrig: "C2"}); err == nil {
		t.Error("expected error on non-200 status")
	}
}
