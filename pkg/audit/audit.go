// Package audit persists one redacted record per outbound backend call and
// per gate denial, keyed by request id so any surfaced failure can be
// correlated back to the exact call that produced it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fingate/pkg/redact"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
}

// Record is one audited event. ActorID is hashed before storage; Detail is
// pattern-scrubbed. Kind is "call" or "gate_denial".
type Record struct {
	RequestID  string
	Kind       string
	Tenant     string
	ActorID    string
	Method     string
	Path       string
	Status     int
	ErrorKind  string
	ReasonCode string
	LatencyMS  int64
	Detail     json.RawMessage
	CreatedAt  time.Time
}

// StoredRecord is the persisted, redacted form returned by Get.
type StoredRecord struct {
	RequestID   string          `json:"request_id"`
	Kind        string          `json:"kind"`
	Tenant      string          `json:"tenant"`
	ActorIDHash string          `json:"actor_id_hash"`
	Method      string          `json:"method"`
	Path        string          `json:"path"`
	Status      int             `json:"status"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	ReasonCode  string          `json:"reason_code,omitempty"`
	LatencyMS   int64           `json:"latency_ms"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	detail := redact.ScrubBytes(rec.Detail)
	if len(detail) == 0 {
		detail = nil
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO call_audit
		(request_id, kind, tenant, actor_id_hash, method, path, status, error_kind, reason_code, latency_ms, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.RequestID, rec.Kind, rec.Tenant, redact.HashActor(rec.ActorID, w.HashSalt),
		rec.Method, rec.Path, rec.Status, rec.ErrorKind, rec.ReasonCode, rec.LatencyMS, detail, rec.CreatedAt)
	return err
}

// Get looks up the audit trail for one request id, tenant-scoped when a
// tenant is known.
func (w *Writer) Get(ctx context.Context, requestID, tenant string) (StoredRecord, error) {
	var rec StoredRecord
	query := `
		SELECT request_id, kind, tenant, actor_id_hash, method, path, status, error_kind, reason_code, latency_ms, detail, created_at
		FROM call_audit WHERE request_id=$1
		ORDER BY created_at DESC LIMIT 1
	`
	args := []any{requestID}
	if tenant != "" {
		query = `
			SELECT request_id, kind, tenant, actor_id_hash, method, path, status, error_kind, reason_code, latency_ms, detail, created_at
			FROM call_audit WHERE request_id=$1 AND tenant=$2
			ORDER BY created_at DESC LIMIT 1
		`
		args = append(args, tenant)
	}
	row := w.DB.QueryRow(ctx, query, args...)
	var detail json.RawMessage
	if err := row.Scan(&rec.RequestID, &rec.Kind, &rec.Tenant, &rec.ActorIDHash, &rec.Method, &rec.Path,
		&rec.Status, &rec.ErrorKind, &rec.ReasonCode, &rec.LatencyMS, &detail, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Detail = detail
	return rec, nil
}
