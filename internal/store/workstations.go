package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tetherapp/tether/internal/model"
)

// UpsertWorkstation inserts or fully updates a workstation record.
func (s *Store) UpsertWorkstation(w *model.Workstation) error {
	_, err := s.db.Exec(`
		INSERT INTO workstations (id, name, address, enabled, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			enabled = excluded.enabled,
			active = excluded.active`,
		w.ID, w.Name, w.Address, boolInt(w.Enabled), boolInt(w.Active))
	if err != nil {
		return fmt.Errorf("upsert workstation %s: %w", w.ID, err)
	}
	return nil
}

// GetWorkstation loads one workstation or ErrNotFound.
func (s *Store) GetWorkstation(id string) (*model.Workstation, error) {
	row := s.db.QueryRow(
		"SELECT id, name, address, enabled, active FROM workstations WHERE id = ?", id)
	var w model.Workstation
	var enabled, active int
	if err := row.Scan(&w.ID, &w.Name, &w.Address, &enabled, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workstation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get workstation %s: %w", id, err)
	}
	w.Enabled = enabled != 0
	w.Active = active != 0
	return &w, nil
}

// ListWorkstations returns all workstations ordered by name.
func (s *Store) ListWorkstations() ([]model.Workstation, error) {
	rows, err := s.db.Query(
		"SELECT id, name, address, enabled, active FROM workstations ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("list workstations: %w", err)
	}
	defer rows.Close()

	var out []model.Workstation
	for rows.Next() {
		var w model.Workstation
		var enabled, active int
		if err := rows.Scan(&w.ID, &w.Name, &w.Address, &enabled, &active); err != nil {
			return nil, fmt.Errorf("scan workstation: %w", err)
		}
		w.Enabled = enabled != 0
		w.Active = active != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetActiveWorkstation marks one workstation active and clears the flag on
// every other, preserving the exactly-one-active invariant.
func (s *Store) SetActiveWorkstation(id string) error {
	return s.WithTx(func(tx *Tx) error {
		if _, err := tx.tx.Exec("UPDATE workstations SET active = 0 WHERE active = 1"); err != nil {
			return fmt.Errorf("clear active flags: %w", err)
		}
		res, err := tx.tx.Exec("UPDATE workstations SET active = 1 WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("set active workstation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("workstation %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// RenameWorkstation updates the display name.
func (s *Store) RenameWorkstation(id, name string) error {
	res, err := s.db.Exec("UPDATE workstations SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("rename workstation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workstation %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteWorkstation removes a workstation and every dependent row:
// projects and sessions cascade via foreign keys, messages, artifacts and
// cursors are swept explicitly since they key on session ids.
func (s *Store) DeleteWorkstation(id string) error {
	return s.WithTx(func(tx *Tx) error {
		if _, err := tx.tx.Exec(`
			DELETE FROM messages WHERE session_id IN
				(SELECT id FROM sessions WHERE workstation_id = ?)`, id); err != nil {
			return fmt.Errorf("delete workstation messages: %w", err)
		}
		if _, err := tx.tx.Exec(`
			DELETE FROM artifacts WHERE session_id IN
				(SELECT id FROM sessions WHERE workstation_id = ?)`, id); err != nil {
			return fmt.Errorf("delete workstation artifacts: %w", err)
		}
		if _, err := tx.tx.Exec("DELETE FROM cursors WHERE workstation_id = ?", id); err != nil {
			return fmt.Errorf("delete workstation cursors: %w", err)
		}
		if _, err := tx.tx.Exec("DELETE FROM workstations WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete workstation: %w", err)
		}
		return nil
	})
}

// UpsertProject inserts or updates a project record.
func (s *Store) UpsertProject(p *model.Project) error {
	_, err := s.db.Exec(`
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

// GetProject loads one project or ErrNotFound.
func (s *Store) GetProject(id string) (*model.Project, error) {
	row := s.db.QueryRow(
		"SELECT id, workstation_id, path, name, starred FROM projects WHERE id = ?", id)
	var p model.Project
	var starred int
	if err := row.Scan(&p.ID, &p.WorkstationID, &p.Path, &p.Name, &starred); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	p.Starred = starred != 0
	return &p, nil
}

// StarProject toggles the starred flag.
func (s *Store) StarProject(id string, starred bool) error {
	res, err := s.db.Exec("UPDATE projects SET starred = ? WHERE id = ?", boolInt(starred), id)
	if err != nil {
		return fmt.Errorf("star project %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
