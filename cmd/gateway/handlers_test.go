package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fingate/pkg/aggregator"
	"fingate/pkg/audit"
	"fingate/pkg/backend"
	"fingate/pkg/gate"
	"fingate/pkg/httpx"
	"fingate/pkg/lifecycle"
	"fingate/pkg/metrics"
	"fingate/pkg/requestid"
	"fingate/pkg/store"
	"fingate/pkg/stream"

	"fingate/pkg/freshness"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

type recordingAudit struct {
	mu       sync.Mutex
	appended []audit.Record
	stored   audit.StoredRecord
	getErr   error
	getCalls [][2]string
}

func (a *recordingAudit) Append(ctx context.Context, rec audit.Record) error {
	a.mu.Lock()
	a.appended = append(a.appended, rec)
	a.mu.Unlock()
	return nil
}

func (a *recordingAudit) Get(ctx context.Context, requestID, tenant string) (audit.StoredRecord, error) {
	a.mu.Lock()
	a.getCalls = append(a.getCalls, [2]string{requestID, tenant})
	a.mu.Unlock()
	return a.stored, a.getErr
}

func (a *recordingAudit) records() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.appended...)
}

func newTestGateway(backendURL string) (*Server, *recordingAudit) {
	aud := &recordingAudit{}
	s := &Server{
		Audit:     aud,
		Cache:     store.NewMemoryCache(),
		Metrics:   metrics.NewRegistry(),
		Events:    stream.NewHub(),
		Freshness: freshness.NewTracker(),
		CacheTTL:  30 * time.Second,
		StartedAt: time.Now().UTC(),
	}
	if backendURL != "" {
		s.Backend = backend.New(backendURL, 2*time.Second)
		s.Backend.Logf = func(string, ...any) {}
		s.Bank = aggregator.New(s.Backend)
	}
	return s, aud
}

func testSubject() *gate.Subject {
	return &gate.Subject{
		ID:          "user-1",
		Tenant:      "tenant-a",
		Roles:       []string{"operator"},
		Permissions: []string{"accounts.read"},
		Tier:        gate.TierBusiness,
	}
}

func authedRequest(method, target string, body string, subject *gate.Subject) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := requestid.WithRequestID(req.Context(), "req-inbound-1")
	if subject != nil {
		ctx = gate.WithSubject(ctx, subject)
	}
	return req.WithContext(ctx)
}

func decodeErrorBody(t *testing.T, rr *httptest.ResponseRecorder) httpx.ErrorBody {
	t.Helper()
	var body httpx.ErrorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	return body
}

func successBackend(t *testing.T, hits *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			*hits++
		}
		w.Header().Set(requestid.Header, r.Header.Get(requestid.Header))
		w.Write([]byte(`{"lifecycle":"success","generated_at":"2026-08-30T10:00:00Z","request_id":"be-1","accounts":[{"id":"acc-1"}]}`))
	}))
}

func TestProxyResourceSuccess(t *testing.T) {
	srv := successBackend(t, nil)
	defer srv.Close()
	s, aud := newTestGateway(srv.URL)

	rr := httptest.NewRecorder()
	s.listAccounts(rr, authedRequest(http.MethodGet, "/v1/accounts", "", testSubject()))

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var env lifecycle.Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Lifecycle != lifecycle.StatusSuccess || env.ReasonCode != nil {
		t.Fatalf("got %#v", env)
	}
	if env.RequestID != "be-1" {
		t.Fatalf("request id lost: %q", env.RequestID)
	}
	if !strings.Contains(string(env.Payload), "acc-1") {
		t.Fatalf("payload lost: %s", env.Payload)
	}
	recs := aud.records()
	if len(recs) != 1 || recs[0].Kind != "call" || recs[0].Tenant != "tenant-a" {
		t.Fatalf("audit records: %#v", recs)
	}
}

func TestProxyResourceFailedEnvelopePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestid.Header, r.Header.Get(requestid.Header))
		w.Write([]byte(`{"lifecycle":"failed","reason_code":"computation_error","request_id":"be-2"}`))
	}))
	defer srv.Close()
	s, _ := newTestGateway(srv.URL)

	rr := httptest.NewRecorder()
	s.cfoMetrics(rr, authedRequest(http.MethodGet, "/v1/cfo/metrics", "", testSubject()))

	if rr.Code != http.StatusOK {
		t.Fatalf("failed envelopes ride a 200, got %d", rr.Code)
	}
	var env lifecycle.Envelope
	_ = json.Unmarshal(rr.Body.Bytes(), &env)
	if env.Lifecycle != lifecycle.StatusFailed {
		t.Fatalf("got %#v", env)
	}
	if env.ReasonCode == nil || *env.ReasonCode != lifecycle.ReasonComputationError {
		t.Fatalf("reason lost: %#v", env.ReasonCode)
	}
	if env.ReasonMessage == nil || *env.ReasonMessage == "" {
		t.Fatal("remediation message missing")
	}
	if env.Payload != nil {
		t.Fatalf("failed envelope must not carry payload: %s", env.Payload)
	}
}

func TestProxyResourceCachesSuccess(t *testing.T) {
	hits := 0
	srv := successBackend(t, &hits)
	defer srv.Close()
	s, _ := newTestGateway(srv.URL)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		s.listAccounts(rr, authedRequest(http.MethodGet, "/v1/accounts", "", testSubject()))
		if rr.Code != http.StatusOK {
			t.Fatalf("status %d", rr.Code)
		}
	}
	if hits != 1 {
		t.Fatalf("second request should come from cache, backend saw %d", hits)
	}
}

func TestCachedEnvelopeDemotedToStale(t *testing.T) {
	hits := 0
	srv := successBackend(t, &hits)
	defer srv.Close()
	s, _ := newTestGateway(srv.URL)

	rr := httptest.NewRecorder()
	s.listAccounts(rr, authedRequest(http.MethodGet, "/v1/accounts", "", testSubject()))
	if rr.Code != http.StatusOK {
		t.Fatalf("prime: %d", rr.Code)
	}

	// a freshness event after the cache write means the copy is outdated
	s.Freshness.MarkUpdated("tenant-a", "accounts", time.Now().UTC().Add(time.Minute))

	rr = httptest.NewRecorder()
	s.listAccounts(rr, authedRequest(http.MethodGet, "/v1/accounts", "", testSubject()))
	var env lifecycle.Envelope
	_ = json.Unmarshal(rr.Body.Bytes(), &env)
	if env.Lifecycle != lifecycle.StatusStale {
		t.Fatalf("expected stale, got %q", env.Lifecycle)
	}
	if env.ReasonCode == nil || *env.ReasonCode != lifecycle.ReasonDataStale {
		t.Fatalf("got reason %#v", env.ReasonCode)
	}
	if !strings.Contains(string(env.Payload), "acc-1") {
		t.Fatal("stale envelopes must keep the last good payload")
	}
	if hits != 1 {
		t.Fatalf("demotion must not refetch, backend saw %d", hits)
	}
}

func TestProxyResourceBadEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestid.Header, r.Header.Get(requestid.Header))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()
	s, _ := newTestGateway(srv.URL)

	rr := httptest.NewRecorder()
	s.listInvoices(rr, authedRequest(http.MethodGet, "/v1/invoices", "", testSubject()))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status %d", rr.Code)
	}
	if body := decodeErrorBody(t, rr); body.Code != "BAD_ENVELOPE" {
		t.Fatalf("got %#v", body)
	}
}

func TestWriteBackendErrorMirrorsUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"backend is down for maintenance","code":"MAINTENANCE","request_id":"srv-9"}`))
	}))
	defer srv.Close()
	s, aud := newTestGateway(srv.URL)

	rr := httptest.NewRecorder()
	s.listTransactions(rr, authedRequest(http.MethodGet, "/v1/transactions", "", testSubject()))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status must mirror upstream, got %d", rr.Code)
	}
	body := decodeErrorBody(t, rr)
	if body.Code != "MAINTENANCE" || body.RequestID != "srv-9" {
		t.Fatalf("got %#v", body)
	}
	recs := aud.records()
	if len(recs) != 1 || recs[0].ErrorKind != "http" || recs[0].ReasonCode != "MAINTENANCE" {
		t.Fatalf("audit records: %#v", recs)
	}
}

func TestWriteBackendErrorProvenanceMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestid.Header, "some-other-id")
		w.Write([]byte(`{"lifecycle":"success","accounts":[]}`))
	}))
	defer srv.Close()
	s, _ := newTestGateway(srv.URL)

	rr := httptest.NewRecorder()
	s.listAccounts(rr, authedRequest(http.MethodGet, "/v1/accounts", "", testSubject()))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status %d", rr.Code)
	}
	body := decodeErrorBody(t, rr)
	if body.Code != "PROVENANCE_MISMATCH" {
		t.Fatalf("got %#v", body)
	}
	if !strings.Contains(body.Error, "do not trust") {
		t.Fatalf("message must warn against partial results: %q", body.Error)
	}
}

func TestWriteBackendErrorTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()
	s, _ := newTestGateway(srv.URL)

	req := authedRequest(http.MethodGet, "/v1/invoices", "", testSubject())
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()
	rr := httptest.NewRecorder()
	s.listInvoices(rr, req.WithContext(ctx))

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status %d", rr.Code)
	}
	body := decodeErrorBody(t, rr)
	if body.Code != "UPSTREAM_TIMEOUT" {
		t.Fatalf("got %#v", body)
	}
	if body.RequestID == "" {
		t.Fatal("timeout errors must still carry a request id")
	}
}

func TestWriteBackendErrorUnreachable(t *testing.T) {
	s, _ := newTestGateway("http://127.0.0.1:1")

	rr := httptest.NewRecorder()
	s.listAccounts(rr, authedRequest(http.MethodGet, "/v1/accounts", "", testSubject()))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status %d", rr.Code)
	}
	if body := decodeErrorBody(t, rr); body.Code != "UPSTREAM_UNREACHABLE" {
		t.Fatalf("got %#v", body)
	}
}

func TestGetAccountValidatesID(t *testing.T) {
	s, _ := newTestGateway("http://127.0.0.1:1")
	r := chi.NewRouter()
	r.Get("/v1/accounts/{account_id}", s.getAccount)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest(http.MethodGet, "/v1/accounts/"+strings.Repeat("x", 65), "", testSubject()))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
	if body := decodeErrorBody(t, rr); body.Code != "VALIDATION" {
		t.Fatalf("got %#v", body)
	}
}

func TestBankExchangeRejectsInvalidJSON(t *testing.T) {
	s, _ := newTestGateway("http://127.0.0.1:1")

	rr := httptest.NewRecorder()
	s.bankExchange(rr, authedRequest(http.MethodPost, "/v1/bank/exchange", "{not json", testSubject()))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
	if body := decodeErrorBody(t, rr); body.Code != "VALIDATION" {
		t.Fatalf("got %#v", body)
	}
}

func TestBankExchangePublishesRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestid.Header, r.Header.Get(requestid.Header))
		w.Write([]byte(`{"item_id":"item-1","institution":"First Example Bank"}`))
	}))
	defer srv.Close()
	s, aud := newTestGateway(srv.URL)
	sub := s.Events.Subscribe(8)
	defer s.Events.Unsubscribe(sub)

	rr := httptest.NewRecorder()
	s.bankExchange(rr, authedRequest(http.MethodPost, "/v1/bank/exchange", `{"public_token":"public-xyz"}`, testSubject()))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	select {
	case evt := <-sub:
		if evt.Type != stream.EventDataRefreshed {
			t.Fatalf("got event %q", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no refresh event published")
	}
	recs := aud.records()
	if len(recs) != 1 || recs[0].Path != "/bank/exchange" {
		t.Fatalf("audit records: %#v", recs)
	}
}

func TestExportTransactionsStreamsRaw(t *testing.T) {
	const csv = "date,amount\n2026-08-01,12.50\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestid.Header, r.Header.Get(requestid.Header))
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(csv))
	}))
	defer srv.Close()
	s, _ := newTestGateway(srv.URL)

	rr := httptest.NewRecorder()
	s.exportTransactions(rr, authedRequest(http.MethodGet, "/v1/export/transactions?year=2026", "", testSubject()))

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != csv {
		t.Fatalf("body altered: %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("content disposition %q", cd)
	}
	if rr.Header().Get(requestid.Header) == "" {
		t.Fatal("export must expose the request id header")
	}
}

func TestExportTransactionsRefusesWithoutEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("date,amount\n"))
	}))
	defer srv.Close()
	s, _ := newTestGateway(srv.URL)

	rr := httptest.NewRecorder()
	s.exportTransactions(rr, authedRequest(http.MethodGet, "/v1/export/transactions", "", testSubject()))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status %d", rr.Code)
	}
	if body := decodeErrorBody(t, rr); body.Code != "PROVENANCE_MISSING" {
		t.Fatalf("got %#v", body)
	}
}

func auditRouter(s *Server) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/v1/audit/{request_id}", s.getAudit)
	return r
}

func TestGetAuditScopesTenant(t *testing.T) {
	s, aud := newTestGateway("")
	aud.stored = audit.StoredRecord{RequestID: "req-abc", Kind: "call", Tenant: "tenant-a"}
	r := auditRouter(s)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest(http.MethodGet, "/v1/audit/req-abc", "", testSubject()))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if len(aud.getCalls) != 1 || aud.getCalls[0] != [2]string{"req-abc", "tenant-a"} {
		t.Fatalf("get calls: %#v", aud.getCalls)
	}

	// a compliance officer reads across tenants
	officer := testSubject()
	officer.Roles = []string{"complianceofficer"}
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest(http.MethodGet, "/v1/audit/req-abc", "", officer))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if len(aud.getCalls) != 2 || aud.getCalls[1][1] != "" {
		t.Fatalf("cross-tenant get should be unscoped: %#v", aud.getCalls)
	}
}

func TestGetAuditNotFound(t *testing.T) {
	s, aud := newTestGateway("")
	aud.getErr = pgx.ErrNoRows

	rr := httptest.NewRecorder()
	auditRouter(s).ServeHTTP(rr, authedRequest(http.MethodGet, "/v1/audit/req-missing", "", testSubject()))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d", rr.Code)
	}
	if body := decodeErrorBody(t, rr); body.Code != "NOT_FOUND" {
		t.Fatalf("got %#v", body)
	}
}

func TestGetAuditRejectsMalformedID(t *testing.T) {
	s, aud := newTestGateway("")

	rr := httptest.NewRecorder()
	auditRouter(s).ServeHTTP(rr, authedRequest(http.MethodGet, "/v1/audit/"+strings.Repeat("z", 129), "", testSubject()))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
	if len(aud.getCalls) != 0 {
		t.Fatal("malformed ids must never reach the store")
	}
}

func TestCfoMetricsGuardsNumericFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestid.Header, r.Header.Get(requestid.Header))
		w.Write([]byte(`{"lifecycle":"success","request_id":"be-3","metrics":{"burn_rate":1e999,"runway_months":0,"currency":"USD","cash":125000.5}}`))
	}))
	defer srv.Close()
	s, _ := newTestGateway(srv.URL)

	rr := httptest.NewRecorder()
	s.cfoMetrics(rr, authedRequest(http.MethodGet, "/v1/cfo/metrics", "", testSubject()))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var env lifecycle.Envelope
	_ = json.Unmarshal(rr.Body.Bytes(), &env)
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(payload["burn_rate"]) != "null" {
		t.Fatalf("unreadable metric must become null, got %s", payload["burn_rate"])
	}
	if string(payload["runway_months"]) != "0" {
		t.Fatalf("zero is a valid measurement, got %s", payload["runway_months"])
	}
	if string(payload["currency"]) != `"USD"` || string(payload["cash"]) != "125000.5" {
		t.Fatalf("valid fields altered: %v", payload)
	}
}

func TestGuardNumericPayloadPassesNonObjects(t *testing.T) {
	raw := json.RawMessage(`[1,2,3]`)
	if got := guardNumericPayload(raw); string(got) != `[1,2,3]` {
		t.Fatalf("got %s", got)
	}
	raw = json.RawMessage(`{"a":1}`)
	if got := guardNumericPayload(raw); string(got) != `{"a":1}` {
		t.Fatalf("unchanged payload must come back verbatim, got %s", got)
	}
}

func TestResponseCacheKey(t *testing.T) {
	if got := responseCacheKey(" Tenant-A ", "accounts", ""); got != "resp:tenant-a:accounts" {
		t.Fatalf("got %q", got)
	}
	if got := responseCacheKey("t", "accounts", "year=2026"); got != "resp:t:accounts:year=2026" {
		t.Fatalf("got %q", got)
	}
}
