package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"fingate/pkg/audit"
	"fingate/pkg/backend"
	"fingate/pkg/gate"
	"fingate/pkg/guard"
	"fingate/pkg/httpx"
	"fingate/pkg/lifecycle"
	"fingate/pkg/requestid"
	"fingate/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

// resourceSpec binds one dashboard resource to its backend route, its
// envelope payload member, and whether successful responses may be cached.
// guardNumeric marks KPI payloads whose numeric fields must be classified
// before they are served.
type resourceSpec struct {
	name         string
	backendPath  string
	payloadField string
	cacheable    bool
	guardNumeric bool
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	s.proxyResource(w, r, resourceSpec{name: "accounts", backendPath: "/accounts", payloadField: "accounts", cacheable: true})
}

var accountIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if !accountIDRe.MatchString(accountID) {
		httpx.Error(w, r, http.StatusBadRequest, "VALIDATION", "invalid account id")
		return
	}
	s.proxyResource(w, r, resourceSpec{name: "account", backendPath: "/accounts/" + accountID, payloadField: "account"})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	s.proxyResource(w, r, resourceSpec{name: "transactions", backendPath: "/transactions", payloadField: "transactions", cacheable: true})
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	s.proxyResource(w, r, resourceSpec{name: "invoices", backendPath: "/invoices", payloadField: "invoices", cacheable: true})
}

func (s *Server) payrollSummary(w http.ResponseWriter, r *http.Request) {
	s.proxyResource(w, r, resourceSpec{name: "payroll_summary", backendPath: "/payroll/summary", payloadField: "summary", cacheable: true, guardNumeric: true})
}

func (s *Server) cfoMetrics(w http.ResponseWriter, r *http.Request) {
	s.proxyResource(w, r, resourceSpec{name: "cfo_metrics", backendPath: "/cfo/metrics", payloadField: "metrics", cacheable: true, guardNumeric: true})
}

func (s *Server) govconContracts(w http.ResponseWriter, r *http.Request) {
	s.proxyResource(w, r, resourceSpec{name: "govcon_contracts", backendPath: "/govcon/contracts", payloadField: "contracts", cacheable: true})
}

// proxyResource fetches one enveloped resource from the backend, interprets
// its lifecycle, and re-emits the normalized envelope. Cached envelopes are
// demoted to stale when a freshness event postdates them.
func (s *Server) proxyResource(w http.ResponseWriter, r *http.Request, rs resourceSpec) {
	tenant, actor := subjectIdentity(r.Context())

	if rs.cacheable && s.Cache != nil {
		if env, ok := s.cachedEnvelope(r.Context(), tenant, rs.name, r.URL.RawQuery); ok {
			httpx.WriteJSON(w, http.StatusOK, env)
			return
		}
	}

	path := rs.backendPath
	if q := r.URL.RawQuery; q != "" {
		path += "?" + q
	}
	started := time.Now()
	res, err := s.Backend.Call(r.Context(), backend.CallSpec{Method: http.MethodGet, Path: path})
	latency := time.Since(started)
	s.Metrics.ObserveUpstreamLatency(latency)
	if err != nil {
		s.writeBackendError(w, r, rs.name, err, latency)
		return
	}
	s.auditCall(r.Context(), audit.Record{
		RequestID: res.RequestID,
		Kind:      "call",
		Tenant:    tenant,
		ActorID:   actor,
		Method:    http.MethodGet,
		Path:      rs.backendPath,
		Status:    res.Status,
		LatencyMS: latency.Milliseconds(),
	})

	interp, err := lifecycle.Interpret(res.Body, rs.payloadField)
	if err != nil {
		s.Metrics.IncErrorKind("envelope")
		httpx.Error(w, r, http.StatusBadGateway, "BAD_ENVELOPE", "the service returned an unreadable response")
		return
	}
	if interp.RequestID == "" {
		interp.RequestID = res.RequestID
	}
	s.Metrics.IncLifecycle(rs.name, string(interp.Status))
	if rs.guardNumeric && interp.Payload != nil {
		interp.Payload = guardNumericPayload(interp.Payload)
	}
	env := lifecycle.Wrap(interp)
	if rs.cacheable && s.Cache != nil && interp.Status == lifecycle.StatusSuccess {
		s.storeEnvelope(r.Context(), tenant, rs.name, r.URL.RawQuery, env)
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventLifecycle, map[string]string{
			"resource":   rs.name,
			"status":     string(interp.Status),
			"request_id": interp.RequestID,
		}))
	}
	httpx.WriteJSON(w, http.StatusOK, env)
}

// guardNumericPayload nulls any top-level numeric field that is not a finite
// real number. An unreadable metric renders as unknown, never as zero.
func guardNumericPayload(raw json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	changed := false
	for key, val := range fields {
		var n json.Number
		if err := json.Unmarshal(val, &n); err != nil {
			continue
		}
		if _, ok := guard.Metric(n); !ok {
			fields[key] = json.RawMessage("null")
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}

type cachedEnvelope struct {
	CachedAt time.Time          `json:"cached_at"`
	Envelope lifecycle.Envelope `json:"envelope"`
}

func responseCacheKey(tenant, resource, query string) string {
	key := "resp:" + strings.ToLower(strings.TrimSpace(tenant)) + ":" + resource
	if query != "" {
		key += ":" + query
	}
	return key
}

func (s *Server) cachedEnvelope(ctx context.Context, tenant, resource, query string) (lifecycle.Envelope, bool) {
	raw, err := s.Cache.Get(ctx, responseCacheKey(tenant, resource, query))
	if err != nil || raw == "" {
		return lifecycle.Envelope{}, false
	}
	var entry cachedEnvelope
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return lifecycle.Envelope{}, false
	}
	env := entry.Envelope
	if s.Freshness != nil && s.Freshness.UpdatedSince(tenant, resource, entry.CachedAt) && env.Lifecycle == lifecycle.StatusSuccess {
		env.Lifecycle = lifecycle.StatusStale
		code := lifecycle.ReasonDataStale
		msg := lifecycle.Remediation(code)
		env.ReasonCode = &code
		env.ReasonMessage = &msg
	}
	s.Metrics.IncLifecycle(resource, string(env.Lifecycle))
	return env, true
}

func (s *Server) storeEnvelope(ctx context.Context, tenant, resource, query string, env lifecycle.Envelope) {
	entry, err := json.Marshal(cachedEnvelope{CachedAt: time.Now().UTC(), Envelope: env})
	if err != nil {
		return
	}
	_ = s.Cache.Set(ctx, responseCacheKey(tenant, resource, query), string(entry), s.CacheTTL)
}

// writeBackendError maps a classified call failure onto the inbound response.
// The three failure families stay distinguishable and every body carries the
// request id.
func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, resource string, err error, latency time.Duration) {
	kind := backend.Kind(err)
	s.Metrics.IncErrorKind(kind)
	tenant, actor := subjectIdentity(r.Context())

	status := http.StatusBadGateway
	code := "UPSTREAM_ERROR"
	msg := "the operation failed"
	callID := ""

	var herr *backend.HTTPError
	var perr *backend.ProvenanceError
	var terr *backend.TransportError
	var verr *backend.ValidationError
	switch {
	case errors.As(err, &herr):
		callID = herr.RequestID
		status = herr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		code = herr.Code
		if herr.Message != "" {
			msg = herr.Message
		}
	case errors.As(err, &perr):
		callID = perr.RequestID
		status = http.StatusBadGateway
		code = "PROVENANCE_MISMATCH"
		if perr.Missing {
			code = "PROVENANCE_MISSING"
		}
		msg = "the response could not be verified; do not trust partial results"
	case errors.As(err, &terr):
		callID = terr.RequestID
		code = "UPSTREAM_UNREACHABLE"
		msg = "we couldn't reach the service; try again"
		if errors.Is(terr.Err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			code = "UPSTREAM_TIMEOUT"
		}
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		code = "VALIDATION"
		msg = verr.Message
	}

	if callID == "" {
		callID, _ = requestid.FromContext(r.Context())
	}
	s.auditCall(r.Context(), audit.Record{
		RequestID:  callID,
		Kind:       "call",
		Tenant:     tenant,
		ActorID:    actor,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		ErrorKind:  kind,
		ReasonCode: code,
		LatencyMS:  latency.Milliseconds(),
	})
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventBackendError, map[string]string{
			"resource":   resource,
			"kind":       kind,
			"code":       code,
			"request_id": callID,
		}))
	}
	httpx.Error(w, r, status, code, msg)
}

func (s *Server) auditCall(ctx context.Context, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	_ = s.Audit.Append(ctx, rec)
}

func subjectIdentity(ctx context.Context) (tenant, actor string) {
	subject := gate.SubjectFromContext(ctx)
	if subject == nil {
		return "", ""
	}
	return subject.Tenant, subject.ID
}

type bankExchangeRequest struct {
	PublicToken string `json:"public_token"`
}

func (s *Server) bankLinkToken(w http.ResponseWriter, r *http.Request) {
	tenant, actor := subjectIdentity(r.Context())
	started := time.Now()
	token, err := s.Bank.CreateLinkToken(r.Context(), actor)
	latency := time.Since(started)
	s.Metrics.ObserveUpstreamLatency(latency)
	if err != nil {
		s.writeBackendError(w, r, "bank_link_token", err, latency)
		return
	}
	s.auditCall(r.Context(), audit.Record{
		RequestID: token.RequestID,
		Kind:      "call",
		Tenant:    tenant,
		ActorID:   actor,
		Method:    http.MethodPost,
		Path:      "/bank/link-token",
		Status:    http.StatusOK,
		LatencyMS: latency.Milliseconds(),
	})
	httpx.WriteJSON(w, http.StatusOK, token)
}

func (s *Server) bankExchange(w http.ResponseWriter, r *http.Request) {
	tenant, actor := subjectIdentity(r.Context())
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req bankExchangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, r, http.StatusBadRequest, "VALIDATION", "invalid json")
		return
	}
	started := time.Now()
	result, err := s.Bank.ExchangePublicToken(r.Context(), actor, req.PublicToken)
	latency := time.Since(started)
	s.Metrics.ObserveUpstreamLatency(latency)
	if err != nil {
		s.writeBackendError(w, r, "bank_exchange", err, latency)
		return
	}
	s.auditCall(r.Context(), audit.Record{
		RequestID: result.RequestID,
		Kind:      "call",
		Tenant:    tenant,
		ActorID:   actor,
		Method:    http.MethodPost,
		Path:      "/bank/exchange",
		Status:    http.StatusOK,
		LatencyMS: latency.Milliseconds(),
	})
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventDataRefreshed, map[string]string{
			"tenant":   tenant,
			"resource": "accounts",
		}))
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// exportTransactions streams the raw export through. The echo requirement is
// strict here: an export without verified provenance is never served.
func (s *Server) exportTransactions(w http.ResponseWriter, r *http.Request) {
	tenant, actor := subjectIdentity(r.Context())
	path := "/export/transactions"
	if q := r.URL.RawQuery; q != "" {
		path += "?" + q
	}
	started := time.Now()
	res, err := s.Backend.Call(r.Context(), backend.CallSpec{
		Method:      http.MethodGet,
		Path:        path,
		Raw:         true,
		RequireEcho: true,
		Timeout:     60 * time.Second,
	})
	latency := time.Since(started)
	s.Metrics.ObserveUpstreamLatency(latency)
	if err != nil {
		s.writeBackendError(w, r, "export_transactions", err, latency)
		return
	}
	s.auditCall(r.Context(), audit.Record{
		RequestID: res.RequestID,
		Kind:      "call",
		Tenant:    tenant,
		ActorID:   actor,
		Method:    http.MethodGet,
		Path:      "/export/transactions",
		Status:    res.Status,
		LatencyMS: latency.Milliseconds(),
	})
	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	if cd := res.Header.Get("Content-Disposition"); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	} else {
		w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)
	}
	w.Header().Set(requestid.Header, res.RequestID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id := requestid.Sanitize(chi.URLParam(r, "request_id"))
	if id == "" {
		httpx.Error(w, r, http.StatusBadRequest, "VALIDATION", "invalid request id")
		return
	}
	tenant, _ := s.tenantScope(r.Context())
	rec, err := s.Audit.Get(r.Context(), id, tenant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, r, http.StatusNotFound, "NOT_FOUND", "no audit record for that request id")
			return
		}
		httpx.Error(w, r, http.StatusInternalServerError, "AUDIT_UNAVAILABLE", "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// tenantScope limits audit reads to the caller's tenant unless the caller
// holds a cross-tenant role.
func (s *Server) tenantScope(ctx context.Context) (string, bool) {
	subject := gate.SubjectFromContext(ctx)
	if subject == nil {
		return "", false
	}
	d := gate.Evaluate(subject, gate.RequireAnyRole("complianceofficer", "platformengineer"))
	if d.Allowed {
		return "", true
	}
	return subject.Tenant, true
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, r, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
		return nil, false
	}
	httpx.Error(w, r, http.StatusBadRequest, "VALIDATION", "invalid request body")
	return nil, false
}
