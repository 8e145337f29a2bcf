package projectstore

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

// Project is one entry in the agent's project list (spec's Project).
type Project struct {
	ID   string
	Name string
	Path string
}

// List returns every project, ordered by name.
func (s *Store) List() ([]Project, error) {
	rows, err := s.db.Query(`SELECT id, name, path FROM projects ORDER BY name`)
	if err != nil {
		return nil, apperr.Wrap(apperr.IOError, "list projects", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Path); err != nil {
			return nil, apperr.Wrap(apperr.IOError, "scan project", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Add inserts a new project rooted at path, generating its id.
func (s *Store) Add(name, path string) (Project, error) {
	p := Project{ID: uuid.NewString(), Name: name, Path: path}
	_, err := s.db.Exec(`INSERT INTO projects (id, name, path) VALUES (?, ?, ?)`, p.ID, p.Name, p.Path)
	if err != nil {
		return Project{}, apperr.Wrap(apperr.IOError, "add project", err)
	}
	return p, nil
}

// Remove deletes a project by id. Removing the current project clears
// the current-project setting.
func (s *Store) Remove(id string) error {
	if _, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id); err != nil {
		return apperr.Wrap(apperr.IOError, "remove project", err)
	}
	current, _ := s.CurrentProjectID()
	if current == id {
		s.db.Exec(`DELETE FROM agent_state WHERE key = 'current_project_id'`)
	}
	return nil
}

// Update applies a partial set of field updates (name and/or path) to
// project id and returns the resulting row.
func (s *Store) Update(id string, updates map[string]string) (Project, error) {
	if name, ok := updates["name"]; ok {
		if _, err := s.db.Exec(`UPDATE projects SET name = ? WHERE id = ?`, name, id); err != nil {
			return Project{}, apperr.Wrap(apperr.IOError, "update project name", err)
		}
	}
	if path, ok := updates["path"]; ok {
		if _, err := s.db.Exec(`UPDATE projects SET path = ? WHERE id = ?`, path, id); err != nil {
			return Project{}, apperr.Wrap(apperr.IOError, "update project path", err)
		}
	}
	return s.Get(id)
}

// Get fetches a single project by id.
func (s *Store) Get(id string) (Project, error) {
	var p Project
	err := s.db.QueryRow(`SELECT id, name, path FROM projects WHERE id = ?`, id).Scan(&p.ID, &p.Name, &p.Path)
	if err == sql.ErrNoRows {
		return Project{}, apperr.New(apperr.IOError, fmt.Sprintf("no such project: %s", id))
	}
	if err != nil {
		return Project{}, apperr.Wrap(apperr.IOError, "get project", err)
	}
	return p, nil
}

// CurrentProjectID returns the persisted current-project setting, or
// "" if none is set.
func (s *Store) CurrentProjectID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT value FROM agent_state WHERE key = 'current_project_id'`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.IOError, "read current project", err)
	}
	return id, nil
}

// SetCurrentProjectID persists which project is active.
func (s *Store) SetCurrentProjectID(id string) error {
	_, err := s.db.Exec(`INSERT INTO agent_state (key, value) VALUES ('current_project_id', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, id)
	if err != nil {
		return apperr.Wrap(apperr.IOError, "set current project", err)
	}
	return nil
}
