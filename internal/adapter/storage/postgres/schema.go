package postgres

import (
	"context"
	"fmt"
)

// Schema creates every table the repositories use. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS payments (
    id                     UUID PRIMARY KEY,
    amount                 NUMERIC(19, 4) NOT NULL,
    currency               VARCHAR(3) NOT NULL,
    captured_amount        NUMERIC(19, 4) NOT NULL DEFAULT 0,
    refunded_amount        NUMERIC(19, 4) NOT NULL DEFAULT 0,
    refund_reserved        NUMERIC(19, 4) NOT NULL DEFAULT 0,
    status                 VARCHAR(32) NOT NULL,
    payment_method         TEXT NOT NULL,
    processor_reference_id TEXT,
    idempotency_key        TEXT UNIQUE,
    correlation_id         TEXT NOT NULL,
    retry_count            INT NOT NULL DEFAULT 0,
    decline_reason         TEXT,
    failure_reason         TEXT,
    metadata               JSONB,
    version                BIGINT NOT NULL,
    created_at             TIMESTAMPTZ NOT NULL,
    updated_at             TIMESTAMPTZ NOT NULL,
    processed_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_payments_pending ON payments (created_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS payment_transitions (
    id          UUID PRIMARY KEY,
    payment_id  UUID NOT NULL REFERENCES payments (id),
    from_status VARCHAR(32) NOT NULL,
    to_status   VARCHAR(32) NOT NULL,
    event       VARCHAR(64) NOT NULL,
    source_ref  TEXT NOT NULL,
    amount      NUMERIC(19, 4),
    occurred_at TIMESTAMPTZ NOT NULL,
    UNIQUE (payment_id, source_ref)
);

CREATE TABLE IF NOT EXISTS idempotency_records (
    key                 TEXT PRIMARY KEY,
    request_fingerprint TEXT NOT NULL,
    status              VARCHAR(16) NOT NULL,
    stored_result       JSONB,
    failure_reason      TEXT,
    lease_token         UUID NOT NULL,
    locked_until        TIMESTAMPTZ NOT NULL,
    attempts            INT NOT NULL DEFAULT 1,
    version             BIGINT NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL,
    expires_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records (expires_at);

CREATE TABLE IF NOT EXISTS webhook_events (
    id                 UUID PRIMARY KEY,
    external_event_id  TEXT NOT NULL UNIQUE,
    event_type         TEXT NOT NULL,
    payload            JSONB NOT NULL,
    signature_valid    BOOLEAN NOT NULL,
    processing_status  VARCHAR(16) NOT NULL,
    outcome            TEXT NOT NULL DEFAULT '',
    related_payment_id UUID,
    delivery_count     INT NOT NULL DEFAULT 1,
    replay_of          UUID REFERENCES webhook_events (id),
    event_created_at   TIMESTAMPTZ,
    received_at        TIMESTAMPTZ NOT NULL,
    processed_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS dead_letter_entries (
    id                 UUID PRIMARY KEY,
    original_operation VARCHAR(32) NOT NULL,
    action             TEXT NOT NULL,
    payment_id         UUID,
    payload            JSONB NOT NULL,
    failure_reason     TEXT NOT NULL,
    error_history      TEXT[],
    attempt_count      INT NOT NULL DEFAULT 0,
    replay_count       INT NOT NULL DEFAULT 0,
    status             VARCHAR(16) NOT NULL,
    discard_reason     TEXT,
    next_attempt_at    TIMESTAMPTZ NOT NULL,
    locked_until       TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL,
    resolved_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_dead_letter_due ON dead_letter_entries (next_attempt_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS audit_logs (
    id            UUID PRIMARY KEY,
    payment_id    UUID,
    action        VARCHAR(64) NOT NULL,
    resource_type VARCHAR(64) NOT NULL,
    resource_id   TEXT NOT NULL DEFAULT '',
    details       JSONB,
    ip_address    TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
