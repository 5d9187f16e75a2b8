// Second-Layer is a blockchain event streaming service.
// Copyright (C) 2025  Second Layer Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package storage provides a PostgreSQL-backed persistence layer for
// the event streaming core: schema migrations, a transaction helper,
// and the shared pgxpool.Pool every other internal package issues
// queries against.
//
// Postgres specifically: the job queue's claim semantics need
// SELECT ... FOR UPDATE SKIP LOCKED and the view cache needs
// LISTEN/NOTIFY, neither of which an embedded store provides.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// DB wraps a pgxpool.Pool and provides the migration/transaction
// helpers shared by internal/queue, internal/views, internal/integrity
// and internal/usage.
type DB struct {
	Pool *pgxpool.Pool
}

// Open connects to connString, verifies the connection, and runs
// migrations, returning a ready DB.
func Open(ctx context.Context, connString string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.MaxConns = 16
	cfg.MaxConnLifetime = 0

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{Pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db == nil || db.Pool == nil {
		return
	}
	db.Pool.Close()
}

// WithTx executes fn inside a serializable transaction, committing on
// a nil return and rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AcquireListenConn checks out a dedicated connection from the pool for
// a LISTEN subscription. The caller owns the connection's lifetime and
// must Release it when done; pooled connections used for LISTEN must
// never be returned to the pool's general rotation mid-subscription.
func (db *DB) AcquireListenConn(ctx context.Context) (*pgxpool.Conn, error) {
	return db.Pool.Acquire(ctx)
}

func (db *DB) migrate(ctx context.Context) error {
	if err := db.ensureSchemaMigrationsTable(ctx); err != nil {
		return err
	}
	cur, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if cur < 1 {
		if err := db.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := db.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) ensureSchemaMigrationsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := db.Pool.Exec(ctx, ddl)
	return err
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM schema_migrations WHERE key = 'schema_version'`
	var val string
	err := db.Pool.QueryRow(ctx, q).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (db *DB) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO schema_migrations(key, value) VALUES ('schema_version', $1)
ON CONFLICT (key) DO UPDATE SET value = excluded.value;`
	_, err := db.Pool.Exec(ctx, upsert, fmt.Sprintf("%d", v))
	return err
}

func (db *DB) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
  height INTEGER PRIMARY KEY,
  hash TEXT NOT NULL,
  parent_hash TEXT NOT NULL,
  burn_height BIGINT NOT NULL DEFAULT 0,
  burn_block_time TIMESTAMPTZ NOT NULL,
  network TEXT NOT NULL,
  canonical BOOLEAN NOT NULL DEFAULT TRUE,
  indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_network_height ON blocks(network, height);`,

		`CREATE TABLE IF NOT EXISTS transactions (
  tx_id TEXT PRIMARY KEY,
  block_height INTEGER NOT NULL REFERENCES blocks(height) ON DELETE CASCADE,
  type TEXT NOT NULL CHECK (type IN ('token_transfer','contract_call','smart_contract','coinbase','tenure_change','poison_microblock')),
  sender_address TEXT NOT NULL,
  success BOOLEAN NOT NULL,
  fee BIGINT NOT NULL DEFAULT 0,
  contract_id TEXT,
  function_name TEXT,
  raw_tx BYTEA,
  tx_index INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_block ON transactions(block_height);`,

		`CREATE TABLE IF NOT EXISTS events (
  id BIGSERIAL PRIMARY KEY,
  tx_id TEXT NOT NULL REFERENCES transactions(tx_id) ON DELETE CASCADE,
  block_height INTEGER NOT NULL,
  event_index INTEGER NOT NULL,
  type TEXT NOT NULL CHECK (type IN ('stx_transfer','stx_mint','stx_burn','stx_lock','ft_transfer','ft_mint','ft_burn','nft_transfer','nft_mint','nft_burn','smart_contract_event')),
  asset_identifier TEXT,
  sender TEXT,
  recipient TEXT,
  amount NUMERIC,
  token_id TEXT,
  contract_id TEXT,
  topic TEXT,
  payload JSONB,
  UNIQUE (tx_id, event_index)
);`,
		`CREATE INDEX IF NOT EXISTS idx_events_block ON events(block_height);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);`,

		`CREATE TABLE IF NOT EXISTS streams (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('inactive','active','paused','failed')),
  filters JSONB NOT NULL,
  options JSONB NOT NULL,
  webhook_url TEXT NOT NULL,
  webhook_secret TEXT NOT NULL DEFAULT '',
  owner_key_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_owner ON streams(owner_key_id);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);`,

		`CREATE TABLE IF NOT EXISTS stream_metrics (
  stream_id TEXT PRIMARY KEY REFERENCES streams(id) ON DELETE CASCADE,
  last_triggered_at TIMESTAMPTZ,
  last_triggered_block BIGINT,
  total_deliveries BIGINT NOT NULL DEFAULT 0,
  failed_deliveries BIGINT NOT NULL DEFAULT 0,
  last_error_message TEXT NOT NULL DEFAULT ''
);`,

		`CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
  block_height BIGINT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed')),
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  locked_at TIMESTAMPTZ,
  locked_by TEXT,
  last_error TEXT,
  is_backfill BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  completed_at TIMESTAMPTZ
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, is_backfill, block_height, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_stream ON jobs(stream_id);`,

		`CREATE TABLE IF NOT EXISTS deliveries (
  id TEXT PRIMARY KEY,
  stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
  job_id TEXT REFERENCES jobs(id) ON DELETE SET NULL,
  block_height BIGINT NOT NULL,
  outcome TEXT NOT NULL CHECK (outcome IN ('success','failed')),
  status_code INTEGER,
  response_time_ms BIGINT NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  payload JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_stream_created ON deliveries(stream_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_stream_outcome ON deliveries(stream_id, outcome);`,

		`CREATE TABLE IF NOT EXISTS index_progress (
  network TEXT PRIMARY KEY,
  last_indexed_height BIGINT NOT NULL DEFAULT 0,
  last_contiguous_height BIGINT NOT NULL DEFAULT 0,
  highest_seen_height BIGINT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,

		`CREATE TABLE IF NOT EXISTS views (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  version INTEGER NOT NULL DEFAULT 1,
  status TEXT NOT NULL CHECK (status IN ('active','error')),
  definition JSONB NOT NULL,
  schema_hash TEXT NOT NULL,
  handler_path TEXT NOT NULL DEFAULT '',
  schema_name TEXT NOT NULL,
  last_processed_height BIGINT NOT NULL DEFAULT 0,
  total_processed BIGINT NOT NULL DEFAULT 0,
  total_errors BIGINT NOT NULL DEFAULT 0,
  last_error TEXT,
  last_error_at TIMESTAMPTZ,
  owner_key_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (name, owner_key_id)
);`,

		`CREATE TABLE IF NOT EXISTS usage_daily (
  account_id TEXT NOT NULL,
  date DATE NOT NULL,
  api_requests BIGINT NOT NULL DEFAULT 0,
  deliveries BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (account_id, date)
);`,

		`CREATE TABLE IF NOT EXISTS usage_snapshots (
  account_id TEXT NOT NULL,
  measured_at TIMESTAMPTZ NOT NULL,
  storage_bytes BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (account_id, measured_at)
);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}
