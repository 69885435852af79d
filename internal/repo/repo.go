package repo

import (
	"context"
	"database/sql"
	"errors"

	"wlmigrate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,workspace_id,name,created_at) VALUES (?,?,?,?)`,
		p.ID, p.WorkspaceID, p.Name, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,workspace_id,name,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, workspaceID string) ([]domain.Project, error) {
	query := `SELECT id,workspace_id,name,created_at FROM projects`
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id=?`
		args = append(args, workspaceID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertState(ctx context.Context, tx *sql.Tx, s domain.State, sequence int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_states(id,project_id,name,state_group,sequence) VALUES (?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Name, s.Group, sequence)
	return err
}

func (r Repo) ListStates(ctx context.Context, projectID string) ([]domain.State, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,state_group FROM project_states WHERE project_id=? ORDER BY sequence, name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.State
	for rows.Next() {
		var s domain.State
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Group); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListLabels(ctx context.Context, projectID string) ([]domain.Label, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name FROM project_labels WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Label
	for rows.Next() {
		var l domain.Label
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Name); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) ListModules(ctx context.Context, projectID string) ([]domain.Module, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name FROM project_modules WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Module
	for rows.Next() {
		var m domain.Module
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Name); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO members(id,workspace_id,display_name,email,source_key,imported,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.WorkspaceID, m.DisplayName, nullable(m.Email), nullable(m.SourceKey), boolInt(m.Imported), m.CreatedAt)
	return err
}

func (r Repo) ListMembers(ctx context.Context, workspaceID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,display_name,COALESCE(email,''),COALESCE(source_key,''),imported,created_at FROM members WHERE workspace_id=? ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		var imported int
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.DisplayName, &m.Email, &m.SourceKey, &imported, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Imported = imported == 1
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMembers(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM members WHERE workspace_id=?`, workspaceID).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
