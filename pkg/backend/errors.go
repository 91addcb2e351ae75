package backend

import (
	"encoding/json"
	"fmt"
)

// The error taxonomy is closed: a caller can always tell "the remote
// rejected the call" from "the trace chain is broken" from "we never got an
// answer" from "the input never left this process". Every variant carries
// the request id of the call that produced it.

// HTTPError is a non-2xx response. Body holds the parsed error payload when
// the server sent valid JSON; otherwise Raw holds the text and ParseFailed
// is set. The error path never throws a second, more confusing error.
type HTTPError struct {
	Status      int
	Code        string
	Message     string
	RequestID   string
	Body        json.RawMessage
	Raw         string
	ParseFailed bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned %d (%s) request_id=%s", e.Status, e.Code, e.RequestID)
}

// ProvenanceError means the response's request id did not correlate with the
// one sent. Audit-sensitive callers must refuse to display the result: the
// trace chain is broken and downstream evidence linkage cannot be trusted.
type ProvenanceError struct {
	RequestID string
	Echoed    string
	Missing   bool
}

func (e *ProvenanceError) Error() string {
	if e.Missing {
		return fmt.Sprintf("response did not echo request_id=%s", e.RequestID)
	}
	return fmt.Sprintf("response echoed request_id=%s, sent %s", e.Echoed, e.RequestID)
}

// TransportError is a network failure or timeout. Retryable by user action;
// the client never retries on its own.
type TransportError struct {
	RequestID string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend unreachable request_id=%s: %v", e.RequestID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError is malformed input detected before dispatch. Nothing was
// sent to the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Kind returns the metric label for a classified error.
func Kind(err error) string {
	switch err.(type) {
	case *HTTPError:
		return "http"
	case *ProvenanceError:
		return "provenance"
	case *TransportError:
		return "transport"
	case *ValidationError:
		return "validation"
	default:
		return "other"
	}
}
