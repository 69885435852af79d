package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"wlmigrate/internal/domain"
)

// ErrSnapshotActive is returned when a write targets an activated, read-only snapshot.
var ErrSnapshotActive = errors.New("mapping snapshot is active and read-only")

func (r Repo) InsertSnapshotTx(ctx context.Context, tx *sql.Tx, s domain.MappingSnapshot) error {
	catalog, err := json.Marshal(s.Catalog)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO mapping_snapshots(id,workspace_id,project_id,source_type,catalog_json,activated_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.WorkspaceID, s.ProjectID, s.Source, string(catalog), nullableStringPtr(s.ActivatedAt), s.CreatedAt); err != nil {
		return err
	}
	for _, m := range s.Mappings {
		m.SnapshotID = s.ID
		if err := upsertMapping(ctx, tx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetSnapshot(ctx context.Context, id string) (domain.MappingSnapshot, error) {
	return r.getSnapshot(ctx, r.DB, id)
}

func (r Repo) GetSnapshotTx(ctx context.Context, tx *sql.Tx, id string) (domain.MappingSnapshot, error) {
	return r.getSnapshot(ctx, tx, id)
}

func (r Repo) getSnapshot(ctx context.Context, q queryer, id string) (domain.MappingSnapshot, error) {
	var s domain.MappingSnapshot
	var catalog string
	var activated sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,workspace_id,project_id,source_type,catalog_json,activated_at,created_at FROM mapping_snapshots WHERE id=?`, id).
		Scan(&s.ID, &s.WorkspaceID, &s.ProjectID, &s.Source, &catalog, &activated, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ActivatedAt = stringPtr(activated)
	if err := json.Unmarshal([]byte(catalog), &s.Catalog); err != nil {
		return s, fmt.Errorf("decode catalog: %w", err)
	}
	s.Mappings, err = listMappings(ctx, q, id)
	return s, err
}

func listMappings(ctx context.Context, q queryer, snapshotID string) ([]domain.EntityMapping, error) {
	rows, err := q.QueryContext(ctx, `SELECT snapshot_id,kind,source_key,destination_key,origin FROM entity_mappings WHERE snapshot_id=? ORDER BY kind, source_key`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.EntityMapping{}
	for rows.Next() {
		var m domain.EntityMapping
		if err := rows.Scan(&m.SnapshotID, &m.Kind, &m.SourceKey, &m.DestinationKey, &m.Origin); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func upsertMapping(ctx context.Context, tx *sql.Tx, m domain.EntityMapping) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entity_mappings(snapshot_id,kind,source_key,destination_key,origin) VALUES (?,?,?,?,?)
ON CONFLICT(snapshot_id,kind,source_key) DO UPDATE SET destination_key=excluded.destination_key, origin=excluded.origin`,
		m.SnapshotID, m.Kind, m.SourceKey, m.DestinationKey, m.Origin)
	return err
}

// UpsertMappingsTx applies overrides to an editable snapshot. An empty destination key removes the row.
func (r Repo) UpsertMappingsTx(ctx context.Context, tx *sql.Tx, snapshotID string, mappings []domain.EntityMapping) error {
	var activated sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT activated_at FROM mapping_snapshots WHERE id=?`, snapshotID).Scan(&activated)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if activated.Valid {
		return ErrSnapshotActive
	}
	for _, m := range mappings {
		m.SnapshotID = snapshotID
		if m.DestinationKey == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entity_mappings WHERE snapshot_id=? AND kind=? AND source_key=?`, snapshotID, m.Kind, m.SourceKey); err != nil {
				return err
			}
			continue
		}
		if err := upsertMapping(ctx, tx, m); err != nil {
			return err
		}
	}
	return nil
}

// ActivateSnapshotTx marks a snapshot read-only. Activating twice is a no-op.
func (r Repo) ActivateSnapshotTx(ctx context.Context, tx *sql.Tx, snapshotID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE mapping_snapshots SET activated_at=? WHERE id=? AND activated_at IS NULL`, now, snapshotID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
