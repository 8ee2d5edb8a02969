// Package sqlstore implements the optional database-backed special
// per-user IP limit override (SPEC_FULL.md §5, "Special per-user
// limits via database"). The connection style (sql.Open("postgres",
// dsn), pool tuning, PingContext on startup) is the teacher's own
// connectDB pattern used across its services/*/cmd/*/main.go entry
// points. A Store with no DSN configured degrades to the config-file
// map (internal/config.Limits.Special) with no behavior change to
// callers — it never errors, it just never overrides anything.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store looks up per-user IP limit overrides in Postgres. When dsn is
// empty, every lookup returns (0, false) and the caller falls back to
// its own default.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the backing table exists. If dsn is
// empty, Open returns a Store with no live connection (every operation
// becomes a no-op), per the "degrade to file/no-op when unset"
// contract in SPEC_FULL.md §9.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return &Store{}, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS special_ip_limits (
	username TEXT PRIMARY KEY,
	ip_limit INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Enabled reports whether this Store has a live database connection.
func (s *Store) Enabled() bool { return s.db != nil }

// DB returns the underlying connection, or nil, so other
// Postgres-backed collaborators (internal/audit) can share the same
// pool instead of opening a second one.
func (s *Store) DB() *sql.DB { return s.db }

// Get returns the database-configured limit for username, if any. The
// database copy takes precedence over the config-file map when both
// are present (SPEC_FULL.md §4).
func (s *Store) Get(ctx context.Context, username string) (int, bool, error) {
	if s.db == nil {
		return 0, false, nil
	}
	var limit int
	err := s.db.QueryRowContext(ctx, `SELECT ip_limit FROM special_ip_limits WHERE username = $1`, username).Scan(&limit)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlstore: get %s: %w", username, err)
	}
	return limit, true, nil
}

// All returns every database-configured limit, for the admin API's
// list operation.
func (s *Store) All(ctx context.Context) (map[string]int, error) {
	if s.db == nil {
		return map[string]int{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT username, ip_limit FROM special_ip_limits`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var u string
		var lim int
		if err := rows.Scan(&u, &lim); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		out[u] = lim
	}
	return out, rows.Err()
}

// Set inserts or updates username's database-configured limit. A
// no-op (success) when no database is configured.
func (s *Store) Set(ctx context.Context, username string, limit int) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO special_ip_limits (username, ip_limit, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (username) DO UPDATE SET ip_limit = EXCLUDED.ip_limit, updated_at = now()`,
		username, limit)
	if err != nil {
		return fmt.Errorf("sqlstore: set %s: %w", username, err)
	}
	return nil
}

// Delete removes username's database-configured limit override. A
// no-op (success) when no database is configured.
func (s *Store) Delete(ctx context.Context, username string) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM special_ip_limits WHERE username = $1`, username); err != nil {
		return fmt.Errorf("sqlstore: delete %s: %w", username, err)
	}
	return nil
}

// Close releases the underlying connection pool, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
