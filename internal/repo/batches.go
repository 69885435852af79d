package repo

import (
	"context"
	"database/sql"

	"wlmigrate/internal/domain"
)

const batchColumns = `job_id,sequence,status,last_stage,cursor,next_cursor,is_last,raw_count,pushed_count,failed_count,retry_count,last_error,attempt,COALESCE(raw_json,''),COALESCE(canonical_json,''),created_at,updated_at`

func scanBatch(scan func(dest ...any) error) (domain.Batch, error) {
	var b domain.Batch
	var isLast int
	var lastErr sql.NullString
	err := scan(&b.JobID, &b.Sequence, &b.Status, &b.LastStage, &b.Cursor, &b.NextCursor, &isLast, &b.RawCount,
		&b.PushedCount, &b.FailedCount, &b.RetryCount, &lastErr, &b.Attempt, &b.RawJSON, &b.CanonicalJSON, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	b.IsLast = isLast == 1
	b.LastError = stringPtr(lastErr)
	return b, nil
}

// SaveBatchTx inserts or overwrites the batch row for (job, sequence).
func (r Repo) SaveBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO batches(job_id,sequence,status,last_stage,cursor,next_cursor,is_last,raw_count,pushed_count,failed_count,retry_count,last_error,attempt,raw_json,canonical_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(job_id,sequence) DO UPDATE SET status=excluded.status, last_stage=excluded.last_stage, cursor=excluded.cursor,
  next_cursor=excluded.next_cursor, is_last=excluded.is_last, raw_count=excluded.raw_count, pushed_count=excluded.pushed_count,
  failed_count=excluded.failed_count, retry_count=excluded.retry_count, last_error=excluded.last_error, attempt=excluded.attempt,
  raw_json=excluded.raw_json, canonical_json=excluded.canonical_json, updated_at=excluded.updated_at`,
		b.JobID, b.Sequence, b.Status, b.LastStage, b.Cursor, b.NextCursor, boolInt(b.IsLast), b.RawCount, b.PushedCount,
		b.FailedCount, b.RetryCount, nullableStringPtr(b.LastError), b.Attempt, nullable(b.RawJSON), nullable(b.CanonicalJSON),
		b.CreatedAt, b.UpdatedAt)
	return err
}

// SetBatchRetryCount persists the retry counter outside the stage transaction so it survives a crash mid-retry.
func (r Repo) SetBatchRetryCount(ctx context.Context, jobID string, sequence, retries int, lastErr, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE batches SET retry_count=?, last_error=?, updated_at=? WHERE job_id=? AND sequence=?`,
		retries, nullable(lastErr), now, jobID, sequence)
	return err
}

func (r Repo) GetBatch(ctx context.Context, jobID string, sequence int) (domain.Batch, error) {
	b, err := scanBatch(r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE job_id=? AND sequence=?`, jobID, sequence).Scan)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// LastBatch returns the highest-sequence batch of a job.
func (r Repo) LastBatch(ctx context.Context, jobID string) (domain.Batch, error) {
	b, err := scanBatch(r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE job_id=? ORDER BY sequence DESC LIMIT 1`, jobID).Scan)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// FirstUnpushedBatch returns the lowest-sequence batch not yet pushed.
func (r Repo) FirstUnpushedBatch(ctx context.Context, jobID string) (domain.Batch, error) {
	b, err := scanBatch(r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE job_id=? AND status<>'pushed' ORDER BY sequence LIMIT 1`, jobID).Scan)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// ListBatches returns a job's batches in sequence order without their payloads.
func (r Repo) ListBatches(ctx context.Context, jobID string) ([]domain.Batch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,sequence,status,last_stage,cursor,next_cursor,is_last,raw_count,pushed_count,failed_count,retry_count,last_error,attempt,'','',created_at,updated_at
FROM batches WHERE job_id=? ORDER BY sequence`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) CountPushedBatches(ctx context.Context, jobID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM batches WHERE job_id=? AND status='pushed'`, jobID).Scan(&n)
	return n, err
}

// ReplaceRecordFailuresTx swaps the failures a stage recorded for one batch, so re-running the
// stage does not leave stale rows behind.
func (r Repo) ReplaceRecordFailuresTx(ctx context.Context, tx *sql.Tx, jobID string, sequence int, kind domain.ErrorKind, failures []domain.RecordFailure) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_failures WHERE job_id=? AND batch_sequence=? AND error_kind=?`, jobID, sequence, string(kind)); err != nil {
		return err
	}
	for _, f := range failures {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO record_failures(job_id,batch_sequence,source_record_id,error_kind,message,created_at) VALUES (?,?,?,?,?,?)`,
			f.JobID, f.BatchSequence, f.SourceRecordID, f.ErrorKind, f.Message, f.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListRecordFailures(ctx context.Context, jobID string) ([]domain.RecordFailure, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,batch_sequence,source_record_id,error_kind,message,created_at FROM record_failures WHERE job_id=? ORDER BY batch_sequence, source_record_id, error_kind`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecordFailure
	for rows.Next() {
		var f domain.RecordFailure
		if err := rows.Scan(&f.JobID, &f.BatchSequence, &f.SourceRecordID, &f.ErrorKind, &f.Message, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
