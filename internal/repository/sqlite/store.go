// Package sqlite is a single-node store backed by modernc.org/sqlite. It
// implements every persistence interface of the subsystem on one database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dtroode/deskauth/internal/model"
)

var (
	_ model.CredentialStore   = (*Store)(nil)
	_ model.RateLogStore      = (*Store)(nil)
	_ model.BreakerStateStore = (*Store)(nil)
	_ model.QueueStore        = (*Store)(nil)
)

// Store wraps a *sql.DB limited to one open connection, so transactions
// must issue every statement through their *sql.Tx.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. An empty path or ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return New(db), nil
}

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenant_credentials (
			tenant_id TEXT PRIMARY KEY,
			encrypted_client_id BLOB NOT NULL,
			encrypted_client_secret BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS access_tokens (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			encrypted_token BLOB NOT NULL,
			token_type TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_tokens_tenant_expires ON access_tokens(tenant_id, expires_at)`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			encrypted_token BLOB NOT NULL,
			token_hash BLOB NOT NULL,
			generation INTEGER NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			max_usage_count INTEGER NOT NULL DEFAULT 1,
			active INTEGER NOT NULL DEFAULT 1,
			revoked INTEGER NOT NULL DEFAULT 0,
			revocation_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			revoked_at INTEGER,
			CHECK (usage_count <= max_usage_count),
			UNIQUE (tenant_id, generation)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_refresh_tokens_one_active ON refresh_tokens(tenant_id) WHERE active = 1 AND revoked = 0`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_hash ON refresh_tokens(tenant_id, token_hash)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			ts INTEGER NOT NULL,
			success INTEGER NOT NULL,
			throttled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_log_tenant_ts ON rate_limit_log(tenant_id, ts)`,
		`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			failures INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			total_requests INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			opened_at INTEGER,
			last_failure_at INTEGER,
			last_success_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS request_queue (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			priority INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			scheduled_for INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			result BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_queue_dispatch ON request_queue(status, priority DESC, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_request_queue_finished ON request_queue(finished_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlitedriver.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// Timestamps are stored as UTC unix nanoseconds.

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullNanosPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return nullNanos(*t)
}

func timeFromNull(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}

func timePtrFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
