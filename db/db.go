// Package db provides database connection helpers, schema migration, and small data access helpers.
//
// Two dialects are supported: Postgres (pgx) for shared deployments and an
// embedded SQLite file (modernc.org/sqlite) for single-box installs. Every
// statement in the repository uses $N placeholders and stores timestamps as
// BIGINT unix milliseconds so the same SQL runs on both.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure Go sqlite driver registered as 'sqlite'
)

// Dialect identifies the SQL backend behind a *sql.DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDSN picks the dialect for dsn and returns the string to hand to the driver.
// postgres:// and postgresql:// select Postgres; sqlite://path, file: URIs and bare
// paths select SQLite.
func ParseDSN(dsn string) (Dialect, string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite://")
	default:
		return SQLite, dsn
	}
}

// Connect opens the database named by dsn. SQLite files get their parent
// directory created, WAL journaling, a busy timeout and a single connection so
// writers from the HTTP server and the worker never race for the file lock.
func Connect(dsn string) (*sql.DB, Dialect, error) {
	dialect, target := ParseDSN(dsn)
	if dialect == Postgres {
		database, err := sql.Open("pgx", target)
		if err != nil {
			return nil, dialect, fmt.Errorf("open postgres: %w", err)
		}
		return database, dialect, nil
	}

	if target == "" {
		return nil, dialect, errors.New("empty sqlite path")
	}
	path := target
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, dialect, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	target += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	database, err := sql.Open("sqlite", target)
	if err != nil {
		return nil, dialect, fmt.Errorf("open sqlite: %w", err)
	}
	database.SetMaxOpenConns(1)
	return database, dialect, nil
}

// schema is idempotent; keep it in step with migrations/000001_init.up.sql.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS uploads (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		file_name TEXT NOT NULL UNIQUE,
		original_name TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		uploaded_at BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		next_attempt_at BIGINT NOT NULL DEFAULT 0,
		result_summary TEXT NOT NULL DEFAULT '',
		result_score DOUBLE PRECISION,
		result_raw TEXT NOT NULL DEFAULT '',
		analysis_error TEXT NOT NULL DEFAULT '',
		started_at BIGINT,
		finished_at BIGINT,
		purged_at BIGINT,
		published_url TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uploads_user ON uploads(user_id, uploaded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_uploads_queue ON uploads(status, priority, uploaded_at)`,
	`CREATE TABLE IF NOT EXISTS reference_images (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL UNIQUE,
		original_name TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		uploaded_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		provider TEXT PRIMARY KEY,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at BIGINT NOT NULL DEFAULT 0,
		scope TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL DEFAULT '',
		encryption_version INTEGER NOT NULL DEFAULT 0,
		encryption_key_id TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

// Migrate applies the embedded idempotent schema. It is the fallback when
// versioned migrations cannot run and the path tests use.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, s := range schema {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// ToMillis converts t to unix milliseconds; the zero time maps to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time; 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// FromNullMillis is FromMillis for nullable columns.
func FromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return nil
	}
	t := FromMillis(ms.Int64)
	return &t
}

// GetKV returns the value for key, or "" when absent.
func GetKV(ctx context.Context, db *sql.DB, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetKV upserts key.
func SetKV(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, ToMillis(time.Now()))
	return err
}

// DeleteKV removes key if present.
func DeleteKV(ctx context.Context, db *sql.DB, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key=$1`, key)
	return err
}

// SwapKV sets key to value only while it currently holds old, and reports
// whether this call made the change. Concurrent callers see at most one win.
func SwapKV(ctx context.Context, db *sql.DB, key, old, value string) (bool, error) {
	res, err := db.ExecContext(ctx, `UPDATE kv SET value=$1, updated_at=$2 WHERE key=$3 AND value=$4`,
		value, ToMillis(time.Now()), key, old)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
