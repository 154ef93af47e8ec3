package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tetherapp/tether/internal/model"
)

const sessionCols = `id, workstation_id, project_id, name, provider, model, branch,
	started_at, ended_at, open, message_count, first_message, last_activity,
	status, status_detail, renamed_at, pending`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var s model.Session
	var open int
	var pending string
	err := row.Scan(&s.ID, &s.WorkstationID, &s.ProjectID, &s.Name, &s.Provider,
		&s.Model, &s.Branch, &s.StartedAt, &s.EndedAt, &open, &s.MessageCount,
		&s.FirstMessage, &s.LastActivity, &s.Status, &s.StatusDetail, &s.RenamedAt, &pending)
	if err != nil {
		return nil, err
	}
	s.Open = open != 0
	if pending != "" {
		var p model.PendingPermission
		if err := json.Unmarshal([]byte(pending), &p); err != nil {
			return nil, fmt.Errorf("decode pending permission: %w", err)
		}
		s.Pending = &p
	}
	return &s, nil
}

func sessionArgs(s *model.Session) ([]interface{}, error) {
	pending := ""
	if s.Pending != nil {
		encoded, err := json.Marshal(s.Pending)
		if err != nil {
			return nil, fmt.Errorf("encode pending permission: %w", err)
		}
		pending = string(encoded)
	}
	return []interface{}{
		s.ID, s.WorkstationID, s.ProjectID, s.Name, s.Provider, s.Model, s.Branch,
		s.StartedAt, s.EndedAt, boolInt(s.Open), s.MessageCount, s.FirstMessage,
		s.LastActivity, string(s.Status), s.StatusDetail, s.RenamedAt, pending,
	}, nil
}

const upsertSessionSQL = `
	INSERT INTO sessions (` + sessionCols + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		workstation_id = excluded.workstation_id,
		project_id = excluded.project_id,
		name = excluded.name,
		provider = excluded.provider,
		model = excluded.model,
		branch = excluded.branch,
		started_at = excluded.started_at,
		ended_at = excluded.ended_at,
		open = excluded.open,
		message_count = excluded.message_count,
		first_message = excluded.first_message,
		last_activity = excluded.last_activity,
		status = excluded.status,
		status_detail = excluded.status_detail,
		renamed_at = excluded.renamed_at,
		pending = excluded.pending`

// UpsertSession inserts or fully updates a session row.
func (s *Store) UpsertSession(sess *model.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(upsertSessionSQL, args...); err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// UpsertSession is the in-transaction variant used by batch application.
func (t *Tx) UpsertSession(sess *model.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(upsertSessionSQL, args...); err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads one session or ErrNotFound.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow("SELECT "+sessionCols+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// GetSession loads one session inside the transaction, or ErrNotFound.
func (t *Tx) GetSession(id string) (*model.Session, error) {
	row := t.tx.QueryRow("SELECT "+sessionCols+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns all sessions for a workstation, most recent
// activity first.
func (s *Store) ListSessions(workstationID string) ([]*model.Session, error) {
	rows, err := s.db.Query(
		"SELECT "+sessionCols+" FROM sessions WHERE workstation_id = ? ORDER BY last_activity DESC, id",
		workstationID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListAllSessions returns every session across workstations.
func (s *Store) ListAllSessions() ([]*model.Session, error) {
	rows, err := s.db.Query(
		"SELECT " + sessionCols + " FROM sessions ORDER BY last_activity DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

// OpenSessions returns the open sessions for a workstation inside the
// transaction; snapshot reconciliation uses it to close absentees.
func (t *Tx) OpenSessions(workstationID string) ([]*model.Session, error) {
	rows, err := t.tx.Query(
		"SELECT "+sessionCols+" FROM sessions WHERE workstation_id = ? AND open = 1",
		workstationID)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*model.Session, error) {
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpsertProject is the in-transaction variant for snapshot reconciliation.
func (t *Tx) UpsertProject(p *model.Project) error {
	_, err := t.tx.Exec(`
		INSERT INTO projects (id, workstation_id, path, name, starred)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			name = excluded.name`,
		p.ID, p.WorkstationID, p.Path, p.Name, boolInt(p.Starred))
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.ID, err)
	}
	return nil
}
