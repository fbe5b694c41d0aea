package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 16
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the pipeline tables if needed. Keeping the migration in
// code lets docker-compose bootstrap a working stack with no extra tooling.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS prearchive_sessions (
	project TEXT NOT NULL,
	ts TEXT NOT NULL,
	folder TEXT NOT NULL,
	status TEXT NOT NULL,
	status_time TIMESTAMPTZ NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	label TEXT NOT NULL DEFAULT '',
	source_dir TEXT NOT NULL DEFAULT '',
	last_built TIMESTAMPTZ NOT NULL DEFAULT now(),
	prevent_auto_commit BOOLEAN NOT NULL DEFAULT FALSE,
	prevent_anonymization BOOLEAN NOT NULL DEFAULT FALSE,
	message TEXT NOT NULL DEFAULT '',
	additional_values JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (project, ts, folder)
);
CREATE INDEX IF NOT EXISTS idx_prearchive_sessions_status ON prearchive_sessions(status);
CREATE TABLE IF NOT EXISTS experiments (
	id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	subject TEXT NOT NULL,
	label TEXT NOT NULL,
	location TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_experiments_label ON experiments(label);
CREATE INDEX IF NOT EXISTS idx_experiments_subject ON experiments(subject);
CREATE TABLE IF NOT EXISTS inbox_imports (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	session_path TEXT NOT NULL,
	parameters JSONB,
	phase TEXT NOT NULL,
	cleanup_after_import BOOLEAN NOT NULL DEFAULT FALSE,
	resolution TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
