package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS subgate.subscribers (
	email       TEXT PRIMARY KEY,
	token       TEXT NOT NULL UNIQUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS subgate.newsletters (
	slug                   TEXT PRIMARY KEY,
	vendor_id              TEXT NOT NULL UNIQUE,
	title                  TEXT NOT NULL DEFAULT '',
	requires_double_optin  BOOLEAN NOT NULL DEFAULT FALSE,
	languages              TEXT NOT NULL DEFAULT 'en',
	welcome_id             TEXT NOT NULL DEFAULT '',
	confirm_message        TEXT NOT NULL DEFAULT '',
	private                BOOLEAN NOT NULL DEFAULT FALSE,
	active                 BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS subgate.sms_messages (
	message_id  TEXT PRIMARY KEY,
	vendor_id   TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subgate.failed_tasks (
	id       BIGSERIAL PRIMARY KEY,
	task_id  TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	payload  JSONB NOT NULL DEFAULT '{}',
	exc      TEXT,
	trace    TEXT,
	at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the subgate schema and its tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS subgate`); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, schema)
	return err
}
