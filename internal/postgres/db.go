package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// PoolConfig parses dsn and sizes the pool; maxConns below 1 keeps the
// default of 8.
func PoolConfig(dsn string, maxConns int) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns < 1 {
		maxConns = 8
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	return cfg, nil
}

func Connect(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := PoolConfig(dsn, maxConns)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logrus.WithFields(logrus.Fields{"max_conns": cfg.MaxConns, "host": cfg.ConnConfig.Host}).Info("postgres connected")
	return pool, nil
}

// schema is safe to apply on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id          TEXT PRIMARY KEY,
		items       TEXT[] NOT NULL,
		status      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_status_updated_idx ON orders(status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		seq         BIGSERIAL,
		id          TEXT PRIMARY KEY,
		service     TEXT NOT NULL,
		topic       TEXT NOT NULL,
		key         TEXT NOT NULL,
		value       BYTEA NOT NULL,
		headers     JSONB NOT NULL DEFAULT '{}'::jsonb,
		status      TEXT NOT NULL,
		attempts    INT NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_service_status_seq_idx ON outbox(service, status, seq)`,
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
