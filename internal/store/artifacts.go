package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tetherapp/tether/internal/model"
)

const artifactCols = "id, session_id, type, provider, content, message_id, updated_at"

const upsertArtifactSQL = `
	INSERT INTO artifacts (` + artifactCols + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		provider = excluded.provider,
		content = excluded.content,
		message_id = excluded.message_id,
		updated_at = excluded.updated_at`

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	var a model.Artifact
	err := row.Scan(&a.ID, &a.SessionID, &a.Type, &a.Provider, &a.Content,
		&a.MessageID, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertArtifact writes an artifact inside the transaction.
func (t *Tx) UpsertArtifact(a *model.Artifact) error {
	_, err := t.tx.Exec(upsertArtifactSQL,
		a.ID, a.SessionID, a.Type, a.Provider, a.Content, a.MessageID, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", a.ID, err)
	}
	return nil
}

// GetArtifact loads the artifact for (sessionID, type) inside the
// transaction, or ErrNotFound.
func (t *Tx) GetArtifact(sessionID, typ string) (*model.Artifact, error) {
	row := t.tx.QueryRow(
		"SELECT "+artifactCols+" FROM artifacts WHERE session_id = ? AND type = ?",
		sessionID, typ)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s/%s: %w", sessionID, typ, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s/%s: %w", sessionID, typ, err)
	}
	return a, nil
}

// GetArtifact loads the artifact for (sessionID, type), or ErrNotFound.
func (s *Store) GetArtifact(sessionID, typ string) (*model.Artifact, error) {
	row := s.db.QueryRow(
		"SELECT "+artifactCols+" FROM artifacts WHERE session_id = ? AND type = ?",
		sessionID, typ)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s/%s: %w", sessionID, typ, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s/%s: %w", sessionID, typ, err)
	}
	return a, nil
}

// ListArtifacts returns all artifacts for a session.
func (s *Store) ListArtifacts(sessionID string) ([]*model.Artifact, error) {
	rows, err := s.db.Query(
		"SELECT "+artifactCols+" FROM artifacts WHERE session_id = ? ORDER BY type", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetCursor records the resumption cursor for (workstation, session)
// inside the transaction. The cursor only moves forward: a redelivered or
// late-arriving batch with an older timestamp leaves the stored row alone,
// so the peer never re-streams a delta it already sent.
func (t *Tx) SetCursor(workstationID string, c model.Cursor) error {
	_, err := t.tx.Exec(`
		INSERT INTO cursors (workstation_id, session_id, last_message_id, last_timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workstation_id, session_id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_timestamp = excluded.last_timestamp
		WHERE excluded.last_timestamp > cursors.last_timestamp`,
		workstationID, c.SessionID, c.LastMessageID, c.LastTimestamp)
	if err != nil {
		return fmt.Errorf("set cursor %s/%s: %w", workstationID, c.SessionID, err)
	}
	return nil
}

// Cursors returns every stored resumption cursor for a workstation; the
// connection manager sends them with the init message after reconnecting.
func (s *Store) Cursors(workstationID string) ([]model.Cursor, error) {
	rows, err := s.db.Query(
		"SELECT session_id, last_message_id, last_timestamp FROM cursors WHERE workstation_id = ?",
		workstationID)
	if err != nil {
		return nil, fmt.Errorf("cursors for %s: %w", workstationID, err)
	}
	defer rows.Close()

	var out []model.Cursor
	for rows.Next() {
		var c model.Cursor
		if err := rows.Scan(&c.SessionID, &c.LastMessageID, &c.LastTimestamp); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
