package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry collects gateway counters: inbound endpoint stats, outbound
// error classifications, lifecycle statuses seen from the backend, and gate
// decisions.
type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	errorKind       map[string]int64
	lifecycle       map[string]int64
	gateDecision    map[string]int64
	upstreamLatency UpstreamLatencyStat
	gauges          map[string]float64
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type UpstreamLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	ErrorKinds        map[string]int64        `json:"error_kinds"`
	LifecycleStatuses map[string]int64        `json:"lifecycle_statuses"`
	GateDecisions     map[string]int64        `json:"gate_decisions"`
	UpstreamLatencyMS UpstreamLatencyStat     `json:"upstream_latency_ms"`
	Gauges            map[string]float64      `json:"gauges"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		errorKind:    map[string]int64{},
		lifecycle:    map[string]int64{},
		gateDecision: map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncErrorKind counts a classified outbound failure (http, provenance,
// transport, validation).
func (r *Registry) IncErrorKind(kind string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.errorKind[kind]++
	r.mu.Unlock()
}

// IncLifecycle counts one interpreted envelope status per resource.
func (r *Registry) IncLifecycle(resource, status string) {
	resource = strings.TrimSpace(resource)
	status = strings.TrimSpace(status)
	if resource == "" || status == "" {
		return
	}
	r.mu.Lock()
	r.lifecycle[resource+"|"+status]++
	r.mu.Unlock()
}

// IncGateDecision counts an allow/deny per gate reason.
func (r *Registry) IncGateDecision(reason string, allowed bool) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "UNKNOWN"
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	r.mu.Lock()
	r.gateDecision[outcome+"|"+reason]++
	r.mu.Unlock()
}

func (r *Registry) ObserveUpstreamLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreamLatency.Count++
	r.upstreamLatency.TotalMS += ms
	r.upstreamLatency.LastMS = ms
	if ms > r.upstreamLatency.MaxMS {
		r.upstreamLatency.MaxMS = ms
	}
	r.upstreamLatency.AvgMS = float64(r.upstreamLatency.TotalMS) / float64(r.upstreamLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		ErrorKinds:        make(map[string]int64, len(r.errorKind)),
		LifecycleStatuses: make(map[string]int64, len(r.lifecycle)),
		GateDecisions:     make(map[string]int64, len(r.gateDecision)),
		UpstreamLatencyMS: r.upstreamLatency,
		Gauges:            make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.errorKind {
		out.ErrorKinds[k] = v
	}
	for k, v := range r.lifecycle {
		out.LifecycleStatuses[k] = v
	}
	for k, v := range r.gateDecision {
		out.GateDecisions[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP fingate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE fingate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "fingate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP fingate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE fingate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "fingate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP fingate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE fingate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "fingate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP fingate_backend_error_total classified outbound failures\n")
		b.WriteString("# TYPE fingate_backend_error_total counter\n")
		for _, kind := range SortedKeys(snap.ErrorKinds) {
			fmt.Fprintf(b, "fingate_backend_error_total{kind=%q} %d\n", kind, snap.ErrorKinds[kind])
		}
		b.WriteString("# HELP fingate_lifecycle_total interpreted envelope statuses by resource\n")
		b.WriteString("# TYPE fingate_lifecycle_total counter\n")
		for _, key := range SortedKeys(snap.LifecycleStatuses) {
			resource, status := splitKey(key)
			fmt.Fprintf(b, "fingate_lifecycle_total{resource=%q,status=%q} %d\n", resource, status, snap.LifecycleStatuses[key])
		}
		b.WriteString("# HELP fingate_gate_decision_total gate outcomes by reason\n")
		b.WriteString("# TYPE fingate_gate_decision_total counter\n")
		for _, key := range SortedKeys(snap.GateDecisions) {
			outcome, reason := splitKey(key)
			fmt.Fprintf(b, "fingate_gate_decision_total{outcome=%q,reason=%q} %d\n", outcome, reason, snap.GateDecisions[key])
		}
		b.WriteString("# HELP fingate_upstream_latency_ms backend call latency in ms\n")
		b.WriteString("# TYPE fingate_upstream_latency_ms gauge\n")
		fmt.Fprintf(b, "fingate_upstream_latency_ms{stat=%q} %d\n", "last", snap.UpstreamLatencyMS.LastMS)
		fmt.Fprintf(b, "fingate_upstream_latency_ms{stat=%q} %.3f\n", "avg", snap.UpstreamLatencyMS.AvgMS)
		fmt.Fprintf(b, "fingate_upstream_latency_ms{stat=%q} %d\n", "max", snap.UpstreamLatencyMS.MaxMS)
		b.WriteString("# HELP fingate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE fingate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "fingate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP fingate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE fingate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "fingate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "fingate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "fingate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "fingate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "fingate_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "fingate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "fingate_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func splitKey(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, "UNKNOWN"
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
