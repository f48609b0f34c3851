// Package audit appends dissemination and redemption records to Postgres.
// Every assembly and every ticket redemption leaves exactly one record,
// whatever its outcome.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer persists audit records.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one audited dissemination or redemption event.
type Record struct {
	RequestID  string
	Event      string
	PID        string
	DSID       string
	Deployment string
	Method     string
	TempID     string
	Role       string
	Outcome    string
	Detail     string
	RemoteAddr string
	CreatedAt  time.Time
}

// Event names.
const (
	EventAssemble   = "dissemination.assemble"
	EventRedeem     = "ticket.redeem"
	EventDatastream = "datastream.get"
)

// Append writes one record. With Redact set, the caller's address is salted
// and hashed before it is stored.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec.RemoteAddr = hashString(rec.RemoteAddr, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO dissemination_audit
		(request_id, event, pid, dsid, deployment_pid, method, temp_id, role, outcome, detail, remote_addr, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.RequestID, rec.Event, rec.PID, rec.DSID, rec.Deployment, rec.Method, rec.TempID, rec.Role, rec.Outcome, rec.Detail, rec.RemoteAddr, rec.CreatedAt)
	return err
}

// Get fetches one record by request id.
func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT request_id, event, pid, dsid, deployment_pid, method, temp_id, role, outcome, detail, remote_addr, created_at
		FROM dissemination_audit WHERE request_id=$1
	`, requestID)
	err := row.Scan(&rec.RequestID, &rec.Event, &rec.PID, &rec.DSID, &rec.Deployment, &rec.Method,
		&rec.TempID, &rec.Role, &rec.Outcome, &rec.Detail, &rec.RemoteAddr, &rec.CreatedAt)
	return rec, err
}
