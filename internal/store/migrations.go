package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	return s.migrateV1()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_operations (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		items_processed INTEGER NOT NULL DEFAULT 0,
		items_failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at INTEGER,
		finished_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_ops_workspace ON sync_operations(workspace_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sync_ops_status ON sync_operations(status);

	CREATE TABLE IF NOT EXISTS sync_items (
		operation_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (operation_id, remote_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_items_op ON sync_items(operation_id);

	CREATE TABLE IF NOT EXISTS watched_resources (
		remote_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		expiry INTEGER NOT NULL,
		change_token TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_watched_workspace ON watched_resources(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_watched_channel ON watched_resources(channel_id);

	CREATE TABLE IF NOT EXISTS known_files (
		workspace_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		modified_time INTEGER NOT NULL DEFAULT 0,
		md5 TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (workspace_id, remote_id)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migration v1 failed: %w", err)
	}
	return nil
}
