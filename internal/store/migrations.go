package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		idempotency_key TEXT PRIMARY KEY,
		item_id         TEXT NOT NULL,
		action          TEXT NOT NULL,
		approver        TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'issued',
		attempts        INTEGER NOT NULL DEFAULT 0,
		error           TEXT,
		issued_at       INTEGER NOT NULL,
		finished_at     INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_exec_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_exec_item ON executions(item_id);

	CREATE TABLE IF NOT EXISTS audit_fallback (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		payload     TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		replayed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_audit_pending ON audit_fallback(created_at) WHERE replayed_at IS NULL;

	CREATE TABLE IF NOT EXISTS adapter_pauses (
		adapter   TEXT PRIMARY KEY,
		reason    TEXT NOT NULL,
		paused_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS inbox_seen (
		name       TEXT NOT NULL,
		hash       TEXT NOT NULL,
		item_id    TEXT NOT NULL,
		seen_at    INTEGER NOT NULL,
		PRIMARY KEY (name, hash)
	);

	CREATE INDEX IF NOT EXISTS idx_inbox_seen_at ON inbox_seen(seen_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
