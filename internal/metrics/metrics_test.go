package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveReload(t *testing.T) {
	ok := testutil.ToFloat64(RuleReloads.WithLabelValues("ok"))
	bad := testutil.ToFloat64(RuleReloads.WithLabelValues("error"))

	ObserveReload(nil)
	ObserveReload(errors.New("boom"))

	if got := testutil.ToFloat64(RuleReloads.WithLabelValues("ok")); got != ok+1 {
		t.Errorf("expected ok=%v, got %v", ok+1, got)
	}
	if got := testutil.ToFloat64(RuleReloads.WithLabelValues("error")); got != bad+1 {
		t.Errorf("expected error=%v, got %v", bad+1, got)
	}
}

func TestObserveLookups(t *testing.T) {
	hit := testutil.ToFloat64(FeatureLookups.WithLabelValues("hit"))
	miss := testutil.ToFloat64(FeatureLookups.WithLabelValues("miss"))

	ObserveLookups(4, 3)

	if got := testutil.ToFloat64(FeatureLookups.WithLabelValues("hit")); got != hit+3 {
		t.Errorf("expected hit=%v, got %v", hit+3, got)
	}
	if got := testutil.ToFloat64(FeatureLookups.WithLabelValues("miss")); got != miss+1 {
		t.Errorf("expected miss=%v, got %v", miss+1, got)
	}
}

func TestHandler(t *testing.T) {
	ScoreRequests.WithLabelValues("linear").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kestrel_score_requests_total") {
		t.Error("expected kestrel_score_requests_total in exposition")
	}
}
