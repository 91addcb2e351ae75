package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncErrorKind("transport")
	r.IncErrorKind("transport")
	r.IncLifecycle("cfo_metrics", "success")
	r.IncGateDecision("GATE_TIER_DENY", false)
	r.SetGauge("stream_subscribers", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.ErrorKinds["transport"] != 2 {
		t.Fatalf("expected transport=2 got=%d", snap.ErrorKinds["transport"])
	}
	if snap.LifecycleStatuses["cfo_metrics|success"] != 1 {
		t.Fatalf("expected lifecycle counter, got %#v", snap.LifecycleStatuses)
	}
	if snap.GateDecisions["deny|GATE_TIER_DENY"] != 1 {
		t.Fatalf("expected gate counter, got %#v", snap.GateDecisions)
	}
	if snap.Gauges["stream_subscribers"] != 3 {
		t.Fatalf("expected gauge stream_subscribers=3 got=%v", snap.Gauges["stream_subscribers"])
	}
}

func TestUpstreamLatencyStat(t *testing.T) {
	r := NewRegistry()
	r.ObserveUpstreamLatency(10 * time.Millisecond)
	r.ObserveUpstreamLatency(30 * time.Millisecond)
	snap := r.Snapshot()
	if snap.UpstreamLatencyMS.Count != 2 {
		t.Fatalf("expected count=2 got=%d", snap.UpstreamLatencyMS.Count)
	}
	if snap.UpstreamLatencyMS.MaxMS != 30 {
		t.Fatalf("expected max=30 got=%d", snap.UpstreamLatencyMS.MaxMS)
	}
	if snap.UpstreamLatencyMS.AvgMS != 20 {
		t.Fatalf("expected avg=20 got=%v", snap.UpstreamLatencyMS.AvgMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /v1/transactions", 200, 12*time.Millisecond)
	r.Observe("GET /v1/transactions", 500, 20*time.Millisecond)
	r.IncErrorKind("http")
	r.IncLifecycle("payroll_summary", "pending")
	r.IncGateDecision("GATE_ALLOW", true)
	r.SetGauge("stream_subscribers", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "fingate_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "fingate_backend_error_total{kind=\"http\"} 1") {
		t.Fatalf("missing error kind metric: %s", body)
	}
	if !strings.Contains(body, "fingate_lifecycle_total{resource=\"payroll_summary\",status=\"pending\"} 1") {
		t.Fatalf("missing lifecycle metric: %s", body)
	}
	if !strings.Contains(body, "fingate_gate_decision_total{outcome=\"allow\",reason=\"GATE_ALLOW\"} 1") {
		t.Fatalf("missing gate metric: %s", body)
	}
	if !strings.Contains(body, "fingate_gauge{name=\"stream_subscribers\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncErrorKind("")
	r.IncLifecycle("", "")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "generated_at") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\": ") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
