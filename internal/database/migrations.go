package database

import (
	"context"
	"fmt"

	"github.com/finvault/notifier/internal/telemetry"
)

// migration is one versioned schema change. Versions are applied in
// order and recorded in schema_migrations so each runs exactly once.
type migration struct {
	version int
	name    string
	sql     string
}

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

var migrations = []migration{
	{
		version: 1,
		name:    "create_delivery_records",
		sql: `
CREATE TABLE IF NOT EXISTS delivery_records (
	id UUID PRIMARY KEY,
	notification_id UUID NOT NULL,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL,
	priority TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	data JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ,
	last_error TEXT,
	last_error_code TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at TIMESTAMPTZ,
	delivered_at TIMESTAMPTZ,
	read_at TIMESTAMPTZ,
	correlation_id TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	CONSTRAINT delivery_records_idempotency UNIQUE (idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_delivery_records_user
	ON delivery_records (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_delivery_records_due
	ON delivery_records (next_attempt_at) WHERE status = 'retrying';
CREATE INDEX IF NOT EXISTS idx_delivery_records_notification
	ON delivery_records (notification_id)`,
	},
	{
		version: 2,
		name:    "create_delivery_attempts",
		sql: `
CREATE TABLE IF NOT EXISTS delivery_attempts (
	id UUID PRIMARY KEY,
	delivery_record_id UUID NOT NULL REFERENCES delivery_records(id),
	attempt_number INTEGER NOT NULL,
	success BOOLEAN NOT NULL,
	error_message TEXT,
	error_code TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_record
	ON delivery_attempts (delivery_record_id, attempt_number)`,
	},
	{
		version: 3,
		name:    "create_dlq_records",
		sql: `
CREATE TABLE IF NOT EXISTS dlq_records (
	id UUID PRIMARY KEY,
	delivery_record_id UUID,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	total_attempts INTEGER NOT NULL DEFAULT 0,
	failure_history JSONB NOT NULL DEFAULT '[]',
	review_status TEXT NOT NULL DEFAULT 'pending_review',
	resolver_id TEXT,
	resolution_notes TEXT,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_dlq_records_review
	ON dlq_records (review_status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_dlq_records_user
	ON dlq_records (user_id)`,
	},
	{
		version: 4,
		name:    "create_user_preferences",
		sql: `
CREATE TABLE IF NOT EXISTS user_preferences (
	user_id TEXT PRIMARY KEY,
	document JSONB NOT NULL,
	phone_encrypted TEXT,
	email_encrypted TEXT,
	phone_verified_at TIMESTAMPTZ,
	email_verified_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	},
}

// Migrate applies any pending migrations. Safe to run on every start.
func (db *DB) Migrate(ctx context.Context) error {
	log := telemetry.LogFromContext(ctx)

	if _, err := db.ExecContext(ctx, schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		log.WithField("version", m.version).Infof("applied migration %s", m.name)
	}

	return nil
}
