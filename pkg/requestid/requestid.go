package requestid

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header is the wire header carrying the request id on both directions.
const Header = "x-request-id"

const maxIDLength = 128

// Context ties an outbound call to a single trace id. It is created
// immediately before dispatch and discarded once the response is handled.
type Context struct {
	RequestID string
	IssuedAt  time.Time
}

type contextKey string

const requestIDContextKey contextKey = "fingate.request_id"

// New returns a fresh request id.
func New() string {
	return uuid.NewString()
}

// NewContext builds a call context, preferring the propagated id when present.
func NewContext(propagated string) Context {
	id := Sanitize(propagated)
	if id == "" {
		id = New()
	}
	return Context{RequestID: id, IssuedAt: time.Now().UTC()}
}

// Sanitize trims an incoming id and rejects values that cannot travel in a
// header. An unusable id is treated as absent, never passed through.
func Sanitize(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxIDLength {
		return ""
	}
	for _, r := range id {
		if r <= ' ' || r > '~' {
			return ""
		}
	}
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

// FromContext returns the propagated request id, if any.
func FromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(requestIDContextKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Middleware extracts or mints a request id for every inbound request and
// echoes it on the response so callers can correlate failures.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Sanitize(r.Header.Get(Header))
		if id == "" {
			id = New()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
