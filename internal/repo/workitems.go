package repo

import (
	"context"
	"database/sql"
	"strings"

	"wlmigrate/internal/domain"
)

// EnsureLabelTx returns the id of the named project label, inserting it with newID when absent.
func (r Repo) EnsureLabelTx(ctx context.Context, tx *sql.Tx, projectID, name, newID string) (string, bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM project_labels WHERE project_id=? AND name=?`, projectID, name).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO project_labels(id,project_id,name) VALUES (?,?,?)`, newID, projectID, name); err != nil {
		return "", false, err
	}
	return newID, true, nil
}

// EnsureModuleTx is EnsureLabelTx for modules.
func (r Repo) EnsureModuleTx(ctx context.Context, tx *sql.Tx, projectID, name, newID string) (string, bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM project_modules WHERE project_id=? AND name=?`, projectID, name).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO project_modules(id,project_id,name) VALUES (?,?,?)`, newID, projectID, name); err != nil {
		return "", false, err
	}
	return newID, true, nil
}

// EnsureMemberTx resolves a source user to a workspace member, matching by email first and
// then by source key. Unknown users are inserted as imported members.
func (r Repo) EnsureMemberTx(ctx context.Context, tx *sql.Tx, m domain.Member) (string, bool, error) {
	var id string
	if m.Email != "" {
		err := tx.QueryRowContext(ctx, `SELECT id FROM members WHERE workspace_id=? AND lower(email)=lower(?)`, m.WorkspaceID, m.Email).Scan(&id)
		if err == nil {
			return id, false, nil
		}
		if err != sql.ErrNoRows {
			return "", false, err
		}
	}
	if m.SourceKey != "" {
		err := tx.QueryRowContext(ctx, `SELECT id FROM members WHERE workspace_id=? AND source_key=?`, m.WorkspaceID, m.SourceKey).Scan(&id)
		if err == nil {
			return id, false, nil
		}
		if err != sql.ErrNoRows {
			return "", false, err
		}
	}
	m.Imported = true
	if m.DisplayName == "" {
		m.DisplayName = m.SourceKey
	}
	if err := r.InsertMember(ctx, tx, m); err != nil {
		return "", false, err
	}
	return m.ID, true, nil
}

func (r Repo) StateExistsTx(ctx context.Context, tx *sql.Tx, projectID, stateID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM project_states WHERE project_id=? AND id=?`, projectID, stateID).Scan(&n)
	return n > 0, err
}

// UpsertWorkItemTx writes wi keyed by (project, external source, external id).
// The returned id is the stored row's id, which differs from wi.ID on update.
func (r Repo) UpsertWorkItemTx(ctx context.Context, tx *sql.Tx, wi domain.WorkItem) (string, bool, error) {
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT id FROM work_items WHERE project_id=? AND external_source=? AND external_id=?`,
		wi.ProjectID, wi.ExternalSource, wi.ExternalID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `INSERT INTO work_items(id,project_id,parent_id,parent_external_id,title,description,state_id,priority,assignee_id,created_by,module_id,external_source,external_id,external_url,identifier,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			wi.ID, wi.ProjectID, nullableStringPtr(wi.ParentID), nullable(wi.ParentExternalID), wi.Title, nullable(wi.Description),
			wi.StateID, wi.Priority, nullableStringPtr(wi.AssigneeID), wi.CreatedBy, nullableStringPtr(wi.ModuleID),
			wi.ExternalSource, wi.ExternalID, nullable(wi.ExternalURL), nullable(wi.Identifier), wi.CreatedAt, wi.UpdatedAt, nullableStringPtr(wi.CompletedAt))
		if err != nil {
			return "", false, err
		}
		return wi.ID, true, nil
	case err != nil:
		return "", false, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE work_items SET parent_external_id=?, title=?, description=?, state_id=?, priority=?, assignee_id=?, created_by=?, module_id=?, external_url=?, identifier=?, updated_at=?, completed_at=? WHERE id=?`,
		nullable(wi.ParentExternalID), wi.Title, nullable(wi.Description), wi.StateID, wi.Priority, nullableStringPtr(wi.AssigneeID),
		wi.CreatedBy, nullableStringPtr(wi.ModuleID), nullable(wi.ExternalURL), nullable(wi.Identifier), wi.UpdatedAt, nullableStringPtr(wi.CompletedAt), existing)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (r Repo) ReplaceWorkItemLabelsTx(ctx context.Context, tx *sql.Tx, workItemID string, labelIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM work_item_labels WHERE work_item_id=?`, workItemID); err != nil {
		return err
	}
	for _, id := range labelIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO work_item_labels(work_item_id,label_id) VALUES (?,?)`, workItemID, id); err != nil {
			return err
		}
	}
	return nil
}

// ResolveParentsTx links imported work items to their parents by external id.
func (r Repo) ResolveParentsTx(ctx context.Context, tx *sql.Tx, projectID, source string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET parent_id = (
  SELECT p.id FROM work_items p
  WHERE p.project_id=work_items.project_id AND p.external_source=work_items.external_source AND p.external_id=work_items.parent_external_id
)
WHERE project_id=? AND external_source=? AND parent_external_id IS NOT NULL AND parent_id IS NULL
  AND EXISTS (
    SELECT 1 FROM work_items p
    WHERE p.project_id=work_items.project_id AND p.external_source=work_items.external_source AND p.external_id=work_items.parent_external_id
  )`, projectID, source)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const workItemColumns = `id,project_id,parent_id,COALESCE(parent_external_id,''),title,COALESCE(description,''),state_id,priority,assignee_id,created_by,module_id,external_source,external_id,COALESCE(external_url,''),COALESCE(identifier,''),created_at,updated_at,completed_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var wi domain.WorkItem
	var parentID, assigneeID, moduleID, completedAt sql.NullString
	err := scan(&wi.ID, &wi.ProjectID, &parentID, &wi.ParentExternalID, &wi.Title, &wi.Description, &wi.StateID, &wi.Priority,
		&assigneeID, &wi.CreatedBy, &moduleID, &wi.ExternalSource, &wi.ExternalID, &wi.ExternalURL, &wi.Identifier,
		&wi.CreatedAt, &wi.UpdatedAt, &completedAt)
	if err != nil {
		return wi, err
	}
	wi.ParentID = stringPtr(parentID)
	wi.AssigneeID = stringPtr(assigneeID)
	wi.ModuleID = stringPtr(moduleID)
	wi.CompletedAt = stringPtr(completedAt)
	return wi, nil
}

func (r Repo) GetWorkItemByExternal(ctx context.Context, projectID, source, externalID string) (domain.WorkItem, error) {
	wi, err := scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE project_id=? AND external_source=? AND external_id=?`,
		projectID, source, externalID).Scan)
	if err == sql.ErrNoRows {
		return wi, ErrNotFound
	}
	if err != nil {
		return wi, err
	}
	wi.Labels, err = r.workItemLabels(ctx, r.DB, wi.ID)
	return wi, err
}

// ListWorkItems returns a project's work items ordered by external id.
func (r Repo) ListWorkItems(ctx context.Context, projectID string) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE project_id=? ORDER BY external_source, external_id`, projectID)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkItem
	for rows.Next() {
		wi, err := scanWorkItem(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, wi)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Labels, err = r.workItemLabels(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) workItemLabels(ctx context.Context, q queryer, workItemID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT l.name FROM work_item_labels wl JOIN project_labels l ON l.id=wl.label_id WHERE wl.work_item_id=? ORDER BY l.name`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, strings.TrimSpace(n))
	}
	return names, rows.Err()
}
