// Package store is the durable SQLite layer holding workstations,
// projects, sessions, and the full message history (including raw source
// payloads for replay). Credentials never live here; see internal/cred.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database. All batch writes go through WithTx;
// the engine serializes callers so transactions never overlap.
type Store struct {
	db *sql.DB

	// SQLite does not support nested transactions.
	txMu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workstations (
		id      TEXT PRIMARY KEY,
		name    TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		active  INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS projects (
		id             TEXT PRIMARY KEY,
		workstation_id TEXT NOT NULL REFERENCES workstations(id) ON DELETE CASCADE,
		path           TEXT NOT NULL,
		name           TEXT NOT NULL DEFAULT '',
		starred        INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		workstation_id TEXT NOT NULL REFERENCES workstations(id) ON DELETE CASCADE,
		project_id     TEXT NOT NULL DEFAULT '',
		name           TEXT NOT NULL DEFAULT '',
		provider       TEXT NOT NULL DEFAULT '',
		model          TEXT NOT NULL DEFAULT '',
		branch         TEXT NOT NULL DEFAULT '',
		started_at     INTEGER NOT NULL DEFAULT 0,
		ended_at       INTEGER NOT NULL DEFAULT 0,
		open           INTEGER NOT NULL DEFAULT 1,
		message_count  INTEGER NOT NULL DEFAULT 0,
		first_message  TEXT NOT NULL DEFAULT '',
		last_activity  INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT '',
		status_detail  TEXT NOT NULL DEFAULT '',
		renamed_at     INTEGER NOT NULL DEFAULT 0,
		pending        TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		parent_id   TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL,
		timestamp   INTEGER NOT NULL DEFAULT 0,
		blocks      TEXT NOT NULL DEFAULT '',
		stop_reason TEXT NOT NULL DEFAULT '',
		usage       TEXT NOT NULL DEFAULT '',
		command     TEXT NOT NULL DEFAULT '',
		fragment    INTEGER NOT NULL DEFAULT 0,
		raw         TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type       TEXT NOT NULL,
		provider   TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cursors (
		workstation_id  TEXT NOT NULL,
		session_id      TEXT NOT NULL,
		last_message_id TEXT NOT NULL DEFAULT '',
		last_timestamp  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (workstation_id, session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_workstation ON sessions(workstation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id);
	CREATE INDEX IF NOT EXISTS idx_projects_workstation ON projects(workstation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Tx is one open write transaction. Methods mirror the Store read API
// where batch application needs reads inside the same transaction.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a single transaction; fn's error rolls the whole
// transaction back so a failed batch never commits partially.
func (s *Store) WithTx(fn func(*Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
