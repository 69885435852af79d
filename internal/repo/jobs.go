package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"wlmigrate/internal/domain"
)

const jobColumns = `id,workspace_id,project_id,source_type,source_settings_json,COALESCE(credential_id,''),snapshot_id,actor_id,status,attempt,batch_size,total_batches,imported_batches,skip_user_import,cancel_requested,error_kind,error,next_run_at,created_at,start_time,finished_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.ImportJob, error) {
	var (
		j                                     domain.ImportJob
		settings                              string
		total                                 sql.NullInt64
		skip, cancel                          int
		errKind, errMsg, nextRun, start, done sql.NullString
	)
	err := scan(&j.ID, &j.WorkspaceID, &j.ProjectID, &j.Source, &settings, &j.CredentialID, &j.MappingSnapshotID, &j.ActorID,
		&j.Status, &j.Attempt, &j.BatchSize, &total, &j.ImportedBatches, &skip, &cancel, &errKind, &errMsg, &nextRun,
		&j.CreatedAt, &start, &done, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	if settings != "" && settings != "{}" {
		if err := json.Unmarshal([]byte(settings), &j.SourceSettings); err != nil {
			return j, fmt.Errorf("decode source settings: %w", err)
		}
	}
	if total.Valid {
		n := int(total.Int64)
		j.TotalBatches = &n
	}
	j.SkipUserImport = skip == 1
	j.CancelRequested = cancel == 1
	j.ErrorKind = stringPtr(errKind)
	j.Error = stringPtr(errMsg)
	j.NextRunAt = stringPtr(nextRun)
	j.StartTime = stringPtr(start)
	j.FinishedAt = stringPtr(done)
	return j, nil
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.ImportJob) error {
	settings := "{}"
	if len(j.SourceSettings) > 0 {
		data, err := json.Marshal(j.SourceSettings)
		if err != nil {
			return err
		}
		settings = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,workspace_id,project_id,source_type,source_settings_json,credential_id,snapshot_id,actor_id,status,attempt,batch_size,total_batches,imported_batches,skip_user_import,cancel_requested,error_kind,error,next_run_at,created_at,start_time,finished_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.WorkspaceID, j.ProjectID, j.Source, settings, nullable(j.CredentialID), j.MappingSnapshotID, j.ActorID,
		j.Status, j.Attempt, j.BatchSize, nullableIntPtr(j.TotalBatches), j.ImportedBatches, boolInt(j.SkipUserImport),
		boolInt(j.CancelRequested), nullableStringPtr(j.ErrorKind), nullableStringPtr(j.Error), nullableStringPtr(j.NextRunAt),
		j.CreatedAt, nullableStringPtr(j.StartTime), nullableStringPtr(j.FinishedAt), j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.ImportJob, error) {
	return r.getJob(ctx, r.DB, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.ImportJob, error) {
	return r.getJob(ctx, tx, id)
}

func (r Repo) getJob(ctx context.Context, q queryer, id string) (domain.ImportJob, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

// UpdateJobTx persists the mutable job fields. total_batches is only written by FixTotalBatchesTx,
// cancel_requested only by SetCancelRequestedTx and ClearCancelRequestedTx, and imported_batches
// never decreases.
func (r Repo) UpdateJobTx(ctx context.Context, tx *sql.Tx, j domain.ImportJob) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, attempt=?, imported_batches=MAX(imported_batches, ?), error_kind=?, error=?, next_run_at=?, start_time=?, finished_at=?, updated_at=? WHERE id=?`,
		j.Status, j.Attempt, j.ImportedBatches, nullableStringPtr(j.ErrorKind), nullableStringPtr(j.Error),
		nullableStringPtr(j.NextRunAt), nullableStringPtr(j.StartTime), nullableStringPtr(j.FinishedAt), j.UpdatedAt, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FixTotalBatchesTx sets total_batches if it is still unknown and reports whether it did.
func (r Repo) FixTotalBatchesTx(ctx context.Context, tx *sql.Tx, jobID string, total int) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET total_batches=? WHERE id=? AND total_batches IS NULL`, total, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetCancelRequestedTx flags a non-terminal job for cancellation. It reports false when the job
// had already reached a terminal status.
func (r Repo) SetCancelRequestedTx(ctx context.Context, tx *sql.Tx, jobID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested=1, updated_at=? WHERE id=? AND status NOT IN (?, ?, ?)`,
		now, jobID, domain.JobFinished, domain.JobError, domain.JobCancelled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ClearCancelRequestedTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested=0 WHERE id=?`, jobID)
	return err
}

// CancelRequested reads the flag without loading the whole job.
func (r Repo) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id=?`, jobID).Scan(&v)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return v == 1, err
}

type JobFilters struct {
	WorkspaceID string
	ProjectID   string
	Status      string
	Limit       int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.ImportJob, error) {
	var (
		clauses []string
		args    []any
	)
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ImportJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// RunnableJobIDs lists non-terminal jobs that are due and not held by a live lock, oldest first.
func (r Repo) RunnableJobIDs(ctx context.Context, now string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT j.id FROM jobs j
WHERE j.status NOT IN ('finished','error','cancelled')
  AND (j.next_run_at IS NULL OR j.next_run_at <= ?)
  AND NOT EXISTS (SELECT 1 FROM job_locks l WHERE l.job_id=j.id AND l.expires_at > ?)
ORDER BY j.created_at, j.id LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertAttemptTx(ctx context.Context, tx *sql.Tx, a domain.JobAttempt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_attempts(job_id,attempt,status,start_sequence,error_kind,error,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.JobID, a.Attempt, a.Status, a.StartSequence, nullableStringPtr(a.ErrorKind), nullableStringPtr(a.Error), a.StartedAt, nullableStringPtr(a.FinishedAt))
	return err
}

// CloseAttemptTx records the outcome of an attempt. A closed attempt is never rewritten.
func (r Repo) CloseAttemptTx(ctx context.Context, tx *sql.Tx, a domain.JobAttempt) error {
	_, err := tx.ExecContext(ctx, `UPDATE job_attempts SET status=?, error_kind=?, error=?, finished_at=? WHERE job_id=? AND attempt=? AND finished_at IS NULL`,
		a.Status, nullableStringPtr(a.ErrorKind), nullableStringPtr(a.Error), nullableStringPtr(a.FinishedAt), a.JobID, a.Attempt)
	return err
}

// UpdateAttemptStatusTx tracks the live status of the open attempt.
func (r Repo) UpdateAttemptStatusTx(ctx context.Context, tx *sql.Tx, jobID string, attempt int, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE job_attempts SET status=? WHERE job_id=? AND attempt=? AND finished_at IS NULL`, status, jobID, attempt)
	return err
}

func (r Repo) ListAttempts(ctx context.Context, jobID string) ([]domain.JobAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,attempt,status,start_sequence,error_kind,error,started_at,finished_at FROM job_attempts WHERE job_id=? ORDER BY attempt`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobAttempt
	for rows.Next() {
		var a domain.JobAttempt
		var kind, msg, done sql.NullString
		if err := rows.Scan(&a.JobID, &a.Attempt, &a.Status, &a.StartSequence, &kind, &msg, &a.StartedAt, &done); err != nil {
			return nil, err
		}
		a.ErrorKind = stringPtr(kind)
		a.Error = stringPtr(msg)
		a.FinishedAt = stringPtr(done)
		res = append(res, a)
	}
	return res, rows.Err()
}
