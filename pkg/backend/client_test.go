package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fingate/pkg/requestid"
)

func newTestClient(srv *httptest.Server) *Client {
	c := New(srv.URL, 2*time.Second)
	c.Logf = func(string, ...any) {}
	return c
}

func TestCallAttachesRequestIDAndBearer(t *testing.T) {
	var gotID, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(requestid.Header)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set(requestid.Header, gotID)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.Tokens = StaticToken("secret-token")
	res, err := c.Call(context.Background(), CallSpec{Method: http.MethodGet, Path: "/accounts"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotID == "" {
		t.Fatal("request id header missing on outbound call")
	}
	if res.RequestID != gotID {
		t.Fatalf("result id %q != sent id %q", res.RequestID, gotID)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("got auth %q", gotAuth)
	}
}

func TestCallPropagatesCallerRequestID(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(requestid.Header)
		w.Header().Set(requestid.Header, gotID)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx := requestid.WithRequestID(context.Background(), "inbound-7")
	res, err := newTestClient(srv).Call(ctx, CallSpec{Method: http.MethodGet, Path: "/x"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotID != "inbound-7" || res.RequestID != "inbound-7" {
		t.Fatalf("propagation broken: sent=%q result=%q", gotID, res.RequestID)
	}
}

func TestCallClassifiesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"account frozen","code":"ACCOUNT_FROZEN","request_id":"srv-1"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Call(context.Background(), CallSpec{Method: http.MethodGet, Path: "/accounts"})
	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HTTPError, got %T: %v", err, err)
	}
	if herr.Status != http.StatusForbidden {
		t.Fatalf("got status %d", herr.Status)
	}
	if herr.Code != "ACCOUNT_FROZEN" || herr.Message != "account frozen" {
		t.Fatalf("got %#v", herr)
	}
	if herr.RequestID != "srv-1" {
		t.Fatalf("server request id should win: %q", herr.RequestID)
	}
	if Kind(err) != "http" {
		t.Fatalf("kind=%q", Kind(err))
	}
}

func TestCallHTTPErrorWithUnparsableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>upstream exploded</html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Call(context.Background(), CallSpec{Method: http.MethodGet, Path: "/x"})
	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HTTPError, got %T", err)
	}
	if !herr.ParseFailed {
		t.Fatal("expected ParseFailed")
	}
	if !strings.Contains(herr.Raw, "upstream exploded") {
		t.Fatalf("raw body lost: %q", herr.Raw)
	}
	if herr.RequestID == "" {
		t.Fatal("local request id must survive as fallback")
	}
	if herr.Code != "UNKNOWN" {
		t.Fatalf("got code %q", herr.Code)
	}
}

func TestCallMismatchedEchoIsProvenanceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestid.Header, "some-other-id")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Call(context.Background(), CallSpec{Method: http.MethodGet, Path: "/x"})
	var perr *ProvenanceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvenanceError, got %T: %v", err, err)
	}
	if perr.Missing {
		t.Fatal("mismatch, not missing")
	}
	if perr.Echoed != "some-other-id" {
		t.Fatalf("got %#v", perr)
	}
	if Kind(err) != "provenance" {
		t.Fatalf("kind=%q", Kind(err))
	}
}

func TestCallBodyEchoSatisfiesProvenance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no header echo; id only inside the body
		w.Write([]byte(`{"request_id":"` + r.Header.Get(requestid.Header) + `","data":1}`))
	}))
	defer srv.Close()

	ctx := requestid.WithRequestID(context.Background(), "body-echo-1")
	res, err := newTestClient(srv).Call(ctx, CallSpec{Method: http.MethodGet, Path: "/x", RequireEcho: true})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.RequestID != "body-echo-1" {
		t.Fatalf("got %q", res.RequestID)
	}
}

func TestCallMissingEchoOnlyFailsWhenRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":1}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if _, err := c.Call(context.Background(), CallSpec{Method: http.MethodGet, Path: "/x"}); err != nil {
		t.Fatalf("lenient call should pass: %v", err)
	}
	_, err := c.Call(context.Background(), CallSpec{Method: http.MethodGet, Path: "/x", RequireEcho: true})
	var perr *ProvenanceError
	if !errors.As(err, &perr) || !perr.Missing {
		t.Fatalf("expected missing-echo ProvenanceError, got %T: %v", err, err)
	}
}

func TestCallRawSkipsBodyProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestid.Header, r.Header.Get(requestid.Header))
		w.Write([]byte("id,amount\n1,10.00\n"))
	}))
	defer srv.Close()

	res, err := newTestClient(srv).Call(context.Background(), CallSpec{Method: http.MethodGet, Path: "/export", Raw: true, RequireEcho: true})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(string(res.Body), "id,amount") {
		t.Fatalf("body mangled: %q", res.Body)
	}
}

func TestCallTimeoutIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Call(context.Background(), CallSpec{Method: http.MethodGet, Path: "/slow", Timeout: 20 * time.Millisecond})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
	if terr.RequestID == "" {
		t.Fatal("transport error must carry request id")
	}
	if Kind(err) != "transport" {
		t.Fatalf("kind=%q", Kind(err))
	}
}

func TestCallUnreachableHostIsTransportError(t *testing.T) {
	c := New("http://127.0.0.1:1", 200*time.Millisecond)
	c.Logf = func(string, ...any) {}
	_, err := c.Call(context.Background(), CallSpec{Method: http.MethodGet, Path: "/x"})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
}

func TestCallValidation(t *testing.T) {
	c := New("http://localhost", time.Second)
	c.Logf = func(string, ...any) {}
	cases := []CallSpec{
		{Method: "TRACE", Path: "/x"},
		{Method: http.MethodGet, Path: "no-leading-slash"},
		{Method: http.MethodPost, Path: "/x", Body: func() {}},
	}
	for _, spec := range cases {
		_, err := c.Call(context.Background(), spec)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for %#v, got %T: %v", spec, err, err)
		}
	}
	if Kind(&ValidationError{}) != "validation" {
		t.Fatal("kind mismatch")
	}
}

func TestCallScrubsLogLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestid.Header, r.Header.Get(requestid.Header))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var lines []string
	c := New(srv.URL, time.Second)
	c.Logf = func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }
	ctx := requestid.WithRequestID(context.Background(), "cfo@acme.example")
	_, err := c.Call(ctx, CallSpec{Method: http.MethodGet, Path: "/x"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	for _, line := range lines {
		if strings.Contains(line, "acme.example") {
			t.Fatalf("log line leaked an email: %q", line)
		}
	}
	if len(lines) == 0 {
		t.Fatal("expected at least one log line")
	}
}

func TestResultDecode(t *testing.T) {
	res := &Result{Body: []byte(`{"count":3}`)}
	var out struct {
		Count int `json:"count"`
	}
	if err := res.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 3 {
		t.Fatalf("got %d", out.Count)
	}
}
