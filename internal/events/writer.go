package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wlmigrate/internal/domain"
)

// Event types appended by the orchestrator.
const (
	JobCreated       = "job.created"
	JobStatusChanged = "job.status_changed"
	JobCancelRequest = "job.cancel_requested"
	JobRerun         = "job.rerun"
	JobYielded       = "job.yielded"
	BatchStage       = "batch.stage"
	SnapshotCreated  = "mapping_snapshot.created"
	SnapshotUpdated  = "mapping_snapshot.updated"
	SnapshotActive   = "mapping_snapshot.activated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// StatusChange records one job status transition; the job's history is the ordered set of these.
func (w Writer) StatusChange(ctx context.Context, tx *sql.Tx, job domain.ImportJob, from, to domain.JobStatus, actorID string, extra EventPayload) error {
	payload := EventPayload{"from": string(from), "to": string(to), "attempt": job.Attempt}
	for k, v := range extra {
		payload[k] = v
	}
	return w.Append(ctx, tx, JobStatusChanged, job.ProjectID, "job", job.ID, actorID, payload)
}

// List returns events for an entity in append order. Empty entityID lists the whole kind.
func (w Writer) List(ctx context.Context, entityKind, entityID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE entity_kind=? AND id>?`
	args := []any{entityKind, afterID}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
