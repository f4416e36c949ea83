package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	sku            TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	price_amount   BIGINT NOT NULL,
	price_currency TEXT NOT NULL,
	inventory      BIGINT NOT NULL DEFAULT 0,
	reserved       BIGINT NOT NULL DEFAULT 0,
	availability   TEXT NOT NULL,
	media_urls     TEXT[] NOT NULL DEFAULT '{}',
	attributes     JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT reserved_within_stock CHECK (reserved >= 0 AND reserved <= inventory)
);

CREATE TABLE IF NOT EXISTS checkout_sessions (
	id               UUID PRIMARY KEY,
	status           TEXT NOT NULL,
	payment_state    TEXT NOT NULL DEFAULT 'none',
	buyer            JSONB NOT NULL,
	shipping_address JSONB NOT NULL,
	items            JSONB NOT NULL,
	subtotal         BIGINT NOT NULL,
	shipping         BIGINT NOT NULL,
	tax              BIGINT NOT NULL,
	total            BIGINT NOT NULL,
	currency         TEXT NOT NULL,
	payment_ref      TEXT,
	order_id         UUID,
	idempotency_key  TEXT NOT NULL,
	revision         BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at       TIMESTAMPTZ NOT NULL,
	CONSTRAINT totals_add_up CHECK (total = subtotal + shipping + tax)
);

CREATE INDEX IF NOT EXISTS checkout_sessions_expiry
	ON checkout_sessions (expires_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS idempotency_keys (
	scope       TEXT NOT NULL,
	key         TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	session_id  UUID NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, key)
);

CREATE TABLE IF NOT EXISTS orders (
	id               UUID PRIMARY KEY,
	number           TEXT NOT NULL UNIQUE,
	session_id       UUID NOT NULL UNIQUE,
	items            JSONB NOT NULL,
	subtotal         BIGINT NOT NULL,
	shipping         BIGINT NOT NULL,
	tax              BIGINT NOT NULL,
	total            BIGINT NOT NULL,
	currency         TEXT NOT NULL,
	shipping_address JSONB NOT NULL,
	capture_ref      TEXT NOT NULL,
	status           TEXT NOT NULL,
	history          JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id              UUID PRIMARY KEY,
	event_type      TEXT NOT NULL,
	order_id        UUID NOT NULL,
	session_id      UUID NOT NULL,
	payload         JSONB NOT NULL,
	attempts        INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	status          TEXT NOT NULL DEFAULT 'pending',
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS webhook_deliveries_due
	ON webhook_deliveries (next_attempt_at) WHERE status = 'pending';
`

// Migrate applies the schema. Statements are idempotent so startup can
// always run it.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pool.Exec schema: %w", err)
	}
	return nil
}
