// Package postgres owns the gateway's persistent schema and connection pool
// construction.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema for the gateway's five persistent entities. Balance non-negativity
// is enforced here as the last line of defense; the ledger's conditional
// update is the primary mechanism.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tenants (
	id             UUID PRIMARY KEY,
	slug           TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL DEFAULT '',
	api_key        TEXT NOT NULL UNIQUE,
	signing_secret TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS vendor_users (
	tenant_id        UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	user_id          UUID NOT NULL,
	user_external_id TEXT NOT NULL DEFAULT '',
	eth_address      TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, user_id)
);

CREATE TABLE IF NOT EXISTS credit_balances (
	tenant_id       UUID NOT NULL,
	user_id         UUID NOT NULL,
	balance_credits BIGINT NOT NULL DEFAULT 0 CHECK (balance_credits >= 0),
	currency        TEXT NOT NULL DEFAULT 'USDC',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, user_id),
	FOREIGN KEY (tenant_id, user_id) REFERENCES vendor_users(tenant_id, user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id             UUID PRIMARY KEY,
	tenant_id      UUID NOT NULL,
	user_id        UUID NOT NULL,
	kind           TEXT NOT NULL CHECK (kind IN ('topup', 'deduct', 'manual_reset', 'adjustment')),
	amount_credits BIGINT NOT NULL CHECK (amount_credits > 0),
	ref            TEXT NOT NULL CHECK (ref <> ''),
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	FOREIGN KEY (tenant_id, user_id) REFERENCES vendor_users(tenant_id, user_id) ON DELETE CASCADE,
	UNIQUE (tenant_id, ref)
);

CREATE INDEX IF NOT EXISTS journal_entries_tenant_user_idx
	ON journal_entries (tenant_id, user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS idempotency_records (
	key             TEXT PRIMARY KEY,
	method          TEXT NOT NULL,
	path            TEXT NOT NULL,
	body_sha        TEXT NOT NULL,
	response_status INT,
	response_body   BYTEA,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idempotency_records_created_at_idx
	ON idempotency_records (created_at);
`

// EnsureSchema creates the gateway tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Connect builds a pgx pool from dsn, capping connections at maxConns, and
// verifies connectivity with a ping.
func Connect(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
