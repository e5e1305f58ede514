// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package sqlite is the SQLite storage backend. Importing it registers the
// "sqlite" backend with the store factory.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sigil-dev/conductor/internal/store"
)

var _ store.Store = (*Store)(nil)

func init() {
	store.RegisterBackend("sqlite", func(dataPath string) (store.Store, error) {
		return Open(filepath.Join(dataPath, "conductor.db"))
	})
}

// Store implements store.Store backed by a single SQLite database.
type Store struct {
	db      *sql.DB
	audit   *auditStore
	tasks   *taskStore
	history *historyStore
}

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging db: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating db: %w", err)
	}

	return &Store{
		db:      db,
		audit:   &auditStore{db: db},
		tasks:   &taskStore{db: db},
		history: &historyStore{db: db},
	}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	timestamp  TEXT NOT NULL,
	action     TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	tool       TEXT NOT NULL DEFAULT '',
	task_id    TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}',
	result     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_action    ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_log_tool      ON audit_log(tool);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	prompt          TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	parent_id       TEXT NOT NULL DEFAULT '',
	result          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	started_at      TEXT NOT NULL DEFAULT '',
	finished_at     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_status  ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

CREATE TABLE IF NOT EXISTS messages (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL DEFAULT '',
	task_id         TEXT NOT NULL DEFAULT '',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`
	_, err := db.Exec(ddl)
	return err
}

// Audit returns the audit log sub-store.
func (s *Store) Audit() store.AuditStore { return s.audit }

// Tasks returns the task record sub-store.
func (s *Store) Tasks() store.TaskStore { return s.tasks }

// History returns the conversation history sub-store.
func (s *Store) History() store.HistoryStore { return s.history }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// formatTime serialises t for storage; the zero time is stored as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of formatTime.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
