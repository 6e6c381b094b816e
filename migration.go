package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migrations are applied in order and recorded in schema_migrations.
// Never edit an applied entry, append a new one instead.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              VARCHAR PRIMARY KEY,
		email           VARCHAR NOT NULL DEFAULT '',
		name            VARCHAR NOT NULL DEFAULT '',
		slack_webhook   VARCHAR NOT NULL DEFAULT '',
		discord_webhook VARCHAR NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS monitors (
		id                     VARCHAR PRIMARY KEY,
		owner_id               VARCHAR NOT NULL,
		name                   VARCHAR NOT NULL,
		url                    VARCHAR NOT NULL,
		method                 VARCHAR NOT NULL DEFAULT 'GET',
		interval_seconds       INTEGER NOT NULL,
		timeout_seconds        INTEGER NOT NULL,
		expected_status_code   INTEGER NOT NULL DEFAULT 200,
		headers                VARCHAR NOT NULL DEFAULT '[]',
		alert_settings         VARCHAR NOT NULL DEFAULT '{}',
		status                 VARCHAR NOT NULL DEFAULT 'pending',
		active                 BOOLEAN NOT NULL DEFAULT TRUE,
		last_check_at          TIMESTAMP,
		last_downtime_at       TIMESTAMP,
		total_downtime_minutes BIGINT NOT NULL DEFAULT 0,
		version                BIGINT NOT NULL DEFAULT 1,
		created_at             TIMESTAMP NOT NULL,
		updated_at             TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checks (
		id                VARCHAR PRIMARY KEY,
		monitor_id        VARCHAR NOT NULL,
		success           BOOLEAN NOT NULL,
		latency_ms        BIGINT NOT NULL,
		status_code       INTEGER,
		error_message     VARCHAR,
		location          VARCHAR NOT NULL DEFAULT '{}',
		response_headers  VARCHAR NOT NULL DEFAULT '{}',
		dns_lookup_ms     BIGINT NOT NULL DEFAULT 0,
		connect_ms        BIGINT NOT NULL DEFAULT 0,
		tls_handshake_ms  BIGINT NOT NULL DEFAULT 0,
		first_byte_ms     BIGINT NOT NULL DEFAULT 0,
		checked_at        TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS checks_monitor_id_checked_at_idx ON checks (monitor_id, checked_at)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id           VARCHAR PRIMARY KEY,
		monitor_id   VARCHAR NOT NULL,
		title        VARCHAR NOT NULL,
		description  VARCHAR NOT NULL DEFAULT '',
		status       VARCHAR NOT NULL,
		severity     VARCHAR NOT NULL,
		auto_created BOOLEAN NOT NULL DEFAULT FALSE,
		started_at   TIMESTAMP NOT NULL,
		resolved_at  TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS incident_updates (
		incident_id VARCHAR NOT NULL,
		seq         INTEGER NOT NULL,
		status      VARCHAR NOT NULL,
		message     VARCHAR NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (incident_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS escalation_markers (
		monitor_id    VARCHAR NOT NULL,
		level         INTEGER NOT NULL,
		episode_start TIMESTAMP NOT NULL,
		fired_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (monitor_id, level)
	)`,
}

// Migrate brings the schema up to date. For file-backed databases the WAL is
// checkpointed afterwards so the schema is on disk before the daemon starts.
func Migrate(db *sql.DB, ctx context.Context, inMemory bool) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, i+1, nowUTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", i+1, err)
		}
		slog.DebugContext(ctx, "applied migration", slog.Int("version", i+1))
	}

	if !inMemory {
		if _, err := db.ExecContext(ctx, `CHECKPOINT`); err != nil {
			return fmt.Errorf("checkpointing database: %w", err)
		}
	}
	return nil
}
