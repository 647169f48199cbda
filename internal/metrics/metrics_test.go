package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWith(reg, reg)

	m.ObserveDecision("audit", "basic", true)
	m.ObserveDecision("audit", "basic", false)
	m.ObserveDecision("audit", "basic", false)
	m.ObserveUsageRecorded()
	m.ObserveSweep(3, 10*time.Millisecond)
	m.ObserveStoreUnavailable("count usage")
	m.ObserveRequest("GET", "/api/usage", 503, time.Millisecond)

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("audit", "basic", "denied")); got != 2 {
		t.Errorf("denied decisions: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.usageRecorded); got != 1 {
		t.Errorf("usage recorded: got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepProcessed); got != 3 {
		t.Errorf("sweep processed: got %v", got)
	}
	if got := testutil.ToFloat64(m.requestErrors.WithLabelValues("GET", "/api/usage", "server_error")); got != 1 {
		t.Errorf("request errors: got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("audit", "free", true)
	m.ObserveUsageRecorded()
	m.ObserveSweep(1, time.Second)
	m.ObserveStoreUnavailable("x")
	m.ObserveRequest("GET", "/", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil handler: got %d", rec.Code)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.ObserveDecision("add_site", "free", false)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `seoaudit_entitlement_decisions_total{action="add_site",outcome="denied",plan="free"} 1`) {
		t.Errorf("exposition missing decision counter:\n%s", body)
	}
}
