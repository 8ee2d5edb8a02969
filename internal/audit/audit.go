// Package audit implements the limiter's audit trail (SPEC_FULL.md
// §5), adapted from pkg/audit/audit.go: the evaluator's disable and
// instant-disable actions are recorded as a row when a database is
// configured, and silently dropped otherwise. Re-enables and cleanup
// runs are not recorded: neither the re-enable loop nor the admin API
// holds a Logger. Audit log
// writes are best-effort and must never surface an error to the
// caller, exactly as the teacher's LogAction documents.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS iplimiter_audit_log (
	id SERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Logger records limiter actions. A nil db degrades every Record call
// to a no-op (still satisfying internal/evaluator.Audit).
type Logger struct {
	db  *sql.DB
	log *slog.Logger
}

// New wraps db, an already-open connection shared with
// internal/sqlstore (or nil). It ensures the backing table exists when
// db is non-nil.
func New(ctx context.Context, db *sql.DB, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	if db != nil {
		if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
			log.Warn("audit: failed to ensure schema, audit trail disabled", "err", err)
			db = nil
		}
	}
	return &Logger{db: db, log: log}
}

// Record inserts one audit row. Failures are logged, never returned:
// an audit write must never fail the caller's action.
func (l *Logger) Record(ctx context.Context, action, username, detail string) {
	if l.db == nil {
		return
	}
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO iplimiter_audit_log (username, action, detail) VALUES ($1, $2, $3)`,
		username, action, detail); err != nil {
		l.log.Warn("audit: failed to record action", "action", action, "username", username, "err", err)
	}
}

// Entry is one row returned from Query.
type Entry struct {
	Username  string `json:"username"`
	Action    string `json:"action"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"created_at"`
}

// Query returns the most recent limit audit rows, optionally filtered
// to one username.
func (l *Logger) Query(ctx context.Context, username string, limit int) ([]Entry, error) {
	if l.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if username != "" {
		rows, err = l.db.QueryContext(ctx, `
			SELECT username, action, detail, created_at::text FROM iplimiter_audit_log
			WHERE username = $1 ORDER BY created_at DESC LIMIT $2`, username, limit)
	} else {
		rows, err = l.db.QueryContext(ctx, `
			SELECT username, action, detail, created_at::text FROM iplimiter_audit_log
			ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Username, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DetailJSON marshals a key/value map to a compact JSON string for use
// as Record's detail argument, matching the teacher's arbitrary-detail
// convention without the actor/resource UUID fields this domain has no
// use for.
func DetailJSON(fields map[string]any) string {
	data, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}
