// Package lifecycle models the four-state envelope every asynchronously
// computed backend resource arrives in. Consumers branch on Status; a boolean
// loading flag cannot distinguish "no data yet" from "data failed".
package lifecycle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"fingate/pkg/guard"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	StatusStale   Status = "stale"
)

// Reason codes form a closed vocabulary; they drive user-facing remediation.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonComputationError = "computation_error"
	ReasonBackendTimeout   = "backend_timeout"
	ReasonDataStale        = "data_stale"
	ReasonNotConfigured    = "not_configured"
	ReasonUnauthorized     = "unauthorized"
	ReasonUnknown          = "unknown"
)

var knownReasons = []string{
	ReasonInsufficientData,
	ReasonComputationError,
	ReasonBackendTimeout,
	ReasonDataStale,
	ReasonNotConfigured,
	ReasonUnauthorized,
	ReasonUnknown,
}

// Interpreted is the result of classifying a raw envelope. Payload is
// non-nil only for success and stale.
type Interpreted struct {
	Status        Status
	ReasonCode    string
	ReasonMessage string
	GeneratedAt   time.Time
	RequestID     string
	Payload       json.RawMessage
}

// Envelope is the outbound wire shape the gateway itself emits.
type Envelope struct {
	Lifecycle     Status          `json:"lifecycle"`
	ReasonCode    *string         `json:"reason_code"`
	ReasonMessage *string         `json:"reason_message,omitempty"`
	GeneratedAt   string          `json:"generated_at"`
	Payload       json.RawMessage `json:"payload"`
	RequestID     string          `json:"request_id"`
}

// Interpret classifies a raw envelope. payloadField names the domain payload
// member ("metrics", "contracts", ...). Violations of the envelope contract
// do not pass through: success without a payload and unrecognized statuses
// both degrade to failed/unknown. Interpretation is idempotent; the same
// bytes always yield the same branch.
func Interpret(raw []byte, payloadField string) (Interpreted, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Interpreted{}, fmt.Errorf("decode envelope: %w", err)
	}
	out := Interpreted{
		ReasonMessage: stringField(fields, "reason_message"),
		RequestID:     stringField(fields, "request_id"),
	}
	if ts := stringField(fields, "generated_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			out.GeneratedAt = parsed.UTC()
		}
	}
	payload := fields[payloadField]
	if isJSONNull(payload) {
		payload = nil
	}
	reason := guard.Status(stringField(fields, "reason_code"), knownReasons, "")

	switch Status(stringField(fields, "lifecycle")) {
	case StatusSuccess:
		if payload == nil {
			// success with no payload breaks the envelope contract
			out.Status = StatusFailed
			out.ReasonCode = ReasonUnknown
			return out, nil
		}
		out.Status = StatusSuccess
		out.Payload = payload
		return out, nil
	case StatusPending:
		out.Status = StatusPending
		out.ReasonCode = orUnknown(reason)
		return out, nil
	case StatusFailed:
		out.Status = StatusFailed
		out.ReasonCode = orUnknown(reason)
		return out, nil
	case StatusStale:
		out.Status = StatusStale
		out.ReasonCode = orUnknown(reason)
		out.Payload = payload
		return out, nil
	default:
		out.Status = StatusFailed
		out.ReasonCode = ReasonUnknown
		return out, nil
	}
}

// DecodePayload unmarshals the payload for success or stale envelopes.
func DecodePayload[T any](in Interpreted) (T, error) {
	var out T
	if in.Status != StatusSuccess && in.Status != StatusStale {
		return out, fmt.Errorf("payload not readable for status %q", in.Status)
	}
	if in.Payload == nil {
		return out, fmt.Errorf("envelope has no payload")
	}
	if err := json.Unmarshal(in.Payload, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// Remediation maps a reason code to the user-facing follow-up action. A
// generic "something went wrong" is never acceptable on its own.
func Remediation(reason string) string {
	switch reason {
	case ReasonInsufficientData:
		return "not enough data yet; check back after more activity is recorded"
	case ReasonComputationError:
		return "the computation failed; contact support with the request id"
	case ReasonBackendTimeout:
		return "the service took too long; retry the request"
	case ReasonDataStale:
		return "the data shown is outdated; a refresh is in progress"
	case ReasonNotConfigured:
		return "connect a data source to enable this view"
	case ReasonUnauthorized:
		return "your session does not permit this data; sign in again"
	default:
		return "an unknown condition occurred; contact support with the request id"
	}
}

// Wrap renders an Interpreted back into the outbound wire shape.
func Wrap(in Interpreted) Envelope {
	env := Envelope{
		Lifecycle:   in.Status,
		GeneratedAt: in.GeneratedAt.UTC().Format(time.RFC3339),
		Payload:     in.Payload,
		RequestID:   in.RequestID,
	}
	if in.GeneratedAt.IsZero() {
		env.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if in.Status != StatusSuccess {
		code := orUnknown(in.ReasonCode)
		env.ReasonCode = &code
		msg := in.ReasonMessage
		if msg == "" {
			msg = Remediation(code)
		}
		env.ReasonMessage = &msg
	}
	return env
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func orUnknown(reason string) string {
	if reason == "" {
		return ReasonUnknown
	}
	return reason
}
