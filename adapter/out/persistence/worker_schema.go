package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// dialect reports whether db speaks PostgreSQL (pgx or lib/pq) or SQLite.
func isPostgres(db *sqlx.DB) bool {
	switch db.DriverName() {
	case "pgx", "postgres":
		return true
	default:
		return false
	}
}

func timestampType(db *sqlx.DB) string {
	if isPostgres(db) {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS connected_accounts (
		id                      TEXT PRIMARY KEY,
		user_id                 TEXT NOT NULL,
		team_id                 TEXT NOT NULL DEFAULT '',
		provider                TEXT NOT NULL,
		email                   TEXT NOT NULL,
		access_token            TEXT NOT NULL DEFAULT '',
		refresh_token           TEXT NOT NULL DEFAULT '',
		token_expiry            {{ts}} NULL,
		is_active               BOOLEAN NOT NULL DEFAULT TRUE,
		sync_status             TEXT NOT NULL DEFAULT 'connected',
		sync_error              TEXT NOT NULL DEFAULT '',
		sync_cursor             TEXT NOT NULL DEFAULT '',
		subscription_kind       TEXT NOT NULL DEFAULT '',
		subscription_id         TEXT NOT NULL DEFAULT '',
		subscription_expires_at {{ts}} NULL,
		last_sync_at            {{ts}} NULL,
		created_at              {{ts}} NOT NULL,
		updated_at              {{ts}} NOT NULL,
		UNIQUE (provider, email)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_user ON connected_accounts (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_subscription ON connected_accounts (provider, subscription_id)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_status ON connected_accounts (is_active, sync_status)`,

	`CREATE TABLE IF NOT EXISTS threads (
		id              TEXT PRIMARY KEY,
		team_id         TEXT NOT NULL,
		root_message_id TEXT NOT NULL,
		thread_key      TEXT NOT NULL DEFAULT '',
		subject         TEXT NOT NULL DEFAULT '',
		participants    TEXT NOT NULL DEFAULT '[]',
		refs            TEXT NOT NULL DEFAULT '[]',
		status          TEXT NOT NULL DEFAULT 'open',
		priority        TEXT NOT NULL DEFAULT 'normal',
		tags            TEXT NOT NULL DEFAULT '[]',
		message_count   INTEGER NOT NULL DEFAULT 0,
		last_message_at {{ts}} NOT NULL,
		created_at      {{ts}} NOT NULL,
		updated_at      {{ts}} NOT NULL,
		UNIQUE (team_id, root_message_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_team_key ON threads (team_id, thread_key) WHERE thread_key <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_threads_team_last ON threads (team_id, last_message_at)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id                 TEXT PRIMARY KEY,
		team_id            TEXT NOT NULL,
		thread_id          TEXT NOT NULL REFERENCES threads (id),
		account_id         TEXT NOT NULL DEFAULT '',
		message_id         TEXT NOT NULL,
		in_reply_to        TEXT NOT NULL DEFAULT '',
		refs               TEXT NOT NULL DEFAULT '[]',
		from_email         TEXT NOT NULL,
		from_name          TEXT NOT NULL DEFAULT '',
		to_addrs           TEXT NOT NULL DEFAULT '[]',
		cc_addrs           TEXT NOT NULL DEFAULT '[]',
		bcc_addrs          TEXT NOT NULL DEFAULT '[]',
		subject            TEXT NOT NULL DEFAULT '',
		text_content       TEXT NOT NULL DEFAULT '',
		html_content       TEXT NOT NULL DEFAULT '',
		direction          TEXT NOT NULL,
		delivery_status    TEXT NOT NULL,
		delivery_error     TEXT NOT NULL DEFAULT '',
		is_auto_reply      BOOLEAN NOT NULL DEFAULT FALSE,
		recipient_warnings TEXT NOT NULL DEFAULT '[]',
		received_at        {{ts}} NOT NULL,
		created_at         {{ts}} NOT NULL,
		UNIQUE (team_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id, received_at)`,
}

// Migrate creates the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	ts := timestampType(db)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, strings.ReplaceAll(stmt, "{{ts}}", ts)); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
