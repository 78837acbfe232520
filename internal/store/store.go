// Package store persists octogate configuration, conversations, and
// scheduled jobs in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. All methods are safe for concurrent use;
// SQLite in WAL mode serializes writers at the transaction level.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// migrate creates tables on first run.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS model_configs (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			provider    TEXT NOT NULL,
			model_id    TEXT NOT NULL,
			api_key     TEXT NOT NULL DEFAULT '',
			endpoint    TEXT NOT NULL DEFAULT '',
			max_tokens  INTEGER NOT NULL DEFAULT 0,
			temperature REAL NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bot_instances (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			system_prompt   TEXT NOT NULL DEFAULT '',
			model_config_id TEXT REFERENCES model_configs(id),
			enabled         INTEGER NOT NULL DEFAULT 1,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_configs (
			id              TEXT PRIMARY KEY,
			bot_instance_id TEXT NOT NULL REFERENCES bot_instances(id),
			plugin_id       TEXT NOT NULL,
			enabled         INTEGER NOT NULL DEFAULT 1,
			settings        TEXT NOT NULL DEFAULT '{}',
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			UNIQUE (bot_instance_id, plugin_id)
		)`,
		`CREATE TABLE IF NOT EXISTS channel_configs (
			id              TEXT PRIMARY KEY,
			bot_instance_id TEXT NOT NULL REFERENCES bot_instances(id),
			channel_type    TEXT NOT NULL,
			enabled         INTEGER NOT NULL DEFAULT 1,
			settings        TEXT NOT NULL DEFAULT '{}',
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			UNIQUE (bot_instance_id, channel_type)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			bot_instance_id TEXT NOT NULL REFERENCES bot_instances(id),
			channel_id      TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			last_message_at INTEGER NOT NULL,
			UNIQUE (bot_instance_id, channel_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_time ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id              TEXT PRIMARY KEY,
			bot_instance_id TEXT NOT NULL REFERENCES bot_instances(id),
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			instructions    TEXT NOT NULL,
			cron_expr       TEXT NOT NULL,
			enabled         INTEGER NOT NULL DEFAULT 1,
			last_run_at     INTEGER,
			next_run_at     INTEGER,
			last_run_status TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(enabled, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS job_executions (
			id            TEXT PRIMARY KEY,
			job_id        TEXT NOT NULL REFERENCES scheduled_jobs(id),
			started_at    INTEGER NOT NULL,
			completed_at  INTEGER,
			status        TEXT NOT NULL,
			output        TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_job ON job_executions(job_id, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// marshalSettings encodes a settings map as its stored JSON form.
func marshalSettings(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalSettings(data string) map[string]string {
	m := make(map[string]string)
	if data == "" {
		return m
	}
	_ = json.Unmarshal([]byte(data), &m)
	return m
}

// tx runs fn inside a transaction, rolling back on error.
func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
