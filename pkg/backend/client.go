// Package backend is the single sanctioned way to call the external backend
// API. Every call carries a request id and a deadline; every failure is
// classified, never swallowed into a generic catch.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"fingate/pkg/redact"
	"fingate/pkg/requestid"
)

const (
	// DefaultTimeout bounds a call when neither the client nor the spec
	// sets one; a hung upstream must not block the caller indefinitely.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 16 << 20
)

// TokenSource yields a bearer credential for one call. Tokens are resolved
// per call and never cached by the client, so a leaked or stale token has a
// minimal blast radius. A nil source or empty token means anonymous.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed-credential TokenSource for tests and service auth.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Timeout    time.Duration

	// Logf defaults to log.Printf. Lines are scrubbed before emit.
	Logf func(format string, args ...any)
}

// CallSpec describes one outbound call.
type CallSpec struct {
	Method  string
	Path    string
	Body    any
	Headers map[string]string
	Timeout time.Duration

	// Raw skips JSON handling and returns the body verbatim (exports,
	// binary downloads).
	Raw bool

	// RequireEcho makes a missing request-id echo a ProvenanceError.
	// Set for audit-sensitive calls; a present-but-mismatched echo is an
	// error on every call.
	RequireEcho bool
}

// Result is a classified 2xx response.
type Result struct {
	Status    int
	Body      []byte
	Header    http.Header
	RequestID string
}

// Decode unmarshals the response body.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

// Call dispatches one audited request. The request id is taken from the
// caller's context when one was propagated, otherwise minted here; either
// way it is attached to the request, surfaced in the Result, and carried by
// every returned error.
func (c *Client) Call(ctx context.Context, spec CallSpec) (*Result, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	propagated, _ := requestid.FromContext(ctx)
	rc := requestid.NewContext(propagated)

	body, err := encodeBody(spec.Body)
	if err != nil {
		return nil, &ValidationError{Field: "body", Message: err.Error()}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = c.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, spec.Method, c.BaseURL+spec.Path, bytes.NewReader(body))
	if err != nil {
		return nil, &ValidationError{Field: "request", Message: err.Error()}
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(requestid.Header, rc.RequestID)

	token, err := c.resolveToken(callCtx)
	if err != nil {
		terr := &TransportError{RequestID: rc.RequestID, Err: err}
		c.logf("backend call failed kind=%s method=%s path=%s request_id=%s err=%v",
			Kind(terr), spec.Method, spec.Path, rc.RequestID, err)
		return nil, terr
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		terr := &TransportError{RequestID: rc.RequestID, Err: err}
		c.logf("backend call failed kind=%s method=%s path=%s request_id=%s err=%v",
			Kind(terr), spec.Method, spec.Path, rc.RequestID, err)
		return nil, terr
	}
	defer resp.Body.Close()
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		terr := &TransportError{RequestID: rc.RequestID, Err: readErr}
		c.logf("backend call failed kind=%s method=%s path=%s request_id=%s err=%v",
			Kind(terr), spec.Method, spec.Path, rc.RequestID, readErr)
		return nil, terr
	}

	c.logf("backend call method=%s path=%s status=%d request_id=%s duration_ms=%d",
		spec.Method, spec.Path, resp.StatusCode, rc.RequestID, time.Since(started).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := classifyHTTPError(resp.StatusCode, respBody, rc.RequestID)
		c.logf("backend call failed kind=%s method=%s path=%s status=%d request_id=%s code=%s",
			Kind(herr), spec.Method, spec.Path, resp.StatusCode, rc.RequestID, herr.Code)
		return nil, herr
	}

	if perr := checkProvenance(resp.Header, respBody, rc.RequestID, spec); perr != nil {
		c.logf("backend call failed kind=%s method=%s path=%s request_id=%s err=%v",
			Kind(perr), spec.Method, spec.Path, rc.RequestID, perr)
		return nil, perr
	}

	return &Result{
		Status:    resp.StatusCode,
		Body:      respBody,
		Header:    resp.Header,
		RequestID: rc.RequestID,
	}, nil
}

func validateSpec(spec CallSpec) error {
	switch spec.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return &ValidationError{Field: "method", Message: "unsupported method " + spec.Method}
	}
	if !strings.HasPrefix(spec.Path, "/") {
		return &ValidationError{Field: "path", Message: "path must begin with /"}
	}
	return nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

// classifyHTTPError extracts error/code/request_id from the response body
// best-effort. The server's request id wins when present; the locally
// generated one is the fallback so correlation never goes dark.
func classifyHTTPError(status int, body []byte, localID string) *HTTPError {
	herr := &HTTPError{Status: status, RequestID: localID, Code: "UNKNOWN"}
	var parsed struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		herr.ParseFailed = true
		herr.Raw = string(body)
		return herr
	}
	herr.Body = append(json.RawMessage(nil), body...)
	herr.Message = parsed.Error
	if parsed.Code != "" {
		herr.Code = parsed.Code
	}
	if id := requestid.Sanitize(parsed.RequestID); id != "" {
		herr.RequestID = id
	}
	return herr
}

func checkProvenance(header http.Header, body []byte, sent string, spec CallSpec) *ProvenanceError {
	echoed := requestid.Sanitize(header.Get(requestid.Header))
	if echoed == "" && !spec.Raw {
		var probe struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(body, &probe); err == nil {
			echoed = requestid.Sanitize(probe.RequestID)
		}
	}
	if echoed == "" {
		if spec.RequireEcho {
			return &ProvenanceError{RequestID: sent, Missing: true}
		}
		return nil
	}
	if echoed != sent {
		return &ProvenanceError{RequestID: sent, Echoed: echoed}
	}
	return nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if c.Tokens == nil {
		return "", nil
	}
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: DefaultTimeout}
}

func (c *Client) logf(format string, args ...any) {
	line := redact.Scrub(fmt.Sprintf(format, args...))
	if c.Logf != nil {
		c.Logf("%s", line)
		return
	}
	log.Printf("%s", line)
}
