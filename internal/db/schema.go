package db

import (
	"context"
	"fmt"
)

// schema is idempotent. reply_to_id and thread_id carry no foreign key:
// a reply may point at a temporary id until its target is persisted, and
// thread channels are removed independently of their source message.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		avatar     TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'offline',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		parent_id   TEXT,
		type        TEXT NOT NULL DEFAULT 'DEFAULT',
		creator_id  TEXT NOT NULL,
		original_id TEXT,
		dm_key      TEXT UNIQUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_original_id ON channels (original_id) WHERE original_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS channel_members (
		channel_id TEXT NOT NULL REFERENCES channels (id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		content     TEXT NOT NULL DEFAULT '',
		file_url    TEXT,
		file_name   TEXT,
		file_type   TEXT,
		file_size   BIGINT,
		channel_id  TEXT NOT NULL REFERENCES channels (id) ON DELETE CASCADE,
		author_id   TEXT NOT NULL,
		reply_to_id TEXT,
		thread_id   TEXT,
		thread_name TEXT,
		original_id TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages (channel_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_original_id ON messages (original_id) WHERE original_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_messages_reply_to ON messages (reply_to_id) WHERE reply_to_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id) WHERE thread_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS reactions (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		message_id TEXT NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions (message_id, created_at)`,
}

// Migrate creates the tables if they do not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	db.logger.Info("schema up to date")
	return nil
}
