package repo

import (
	"context"
	"database/sql"
)

// JobLock is a lease on a job held by one worker.
type JobLock struct {
	JobID      string
	OwnerID    string
	AcquiredAt string
	ExpiresAt  string
}

// AcquireJobLock takes or renews the lease. It succeeds when the job is unlocked, the
// previous lease has expired, or owner already holds it.
func (r Repo) AcquireJobLock(ctx context.Context, l JobLock) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO job_locks(job_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE job_locks.owner_id=excluded.owner_id OR job_locks.expires_at <= excluded.acquired_at`,
		l.JobID, l.OwnerID, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ReleaseJobLock(ctx context.Context, jobID, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM job_locks WHERE job_id=? AND owner_id=?`, jobID, ownerID)
	return err
}

func (r Repo) GetJobLock(ctx context.Context, jobID string) (JobLock, error) {
	var l JobLock
	err := r.DB.QueryRowContext(ctx, `SELECT job_id,owner_id,acquired_at,expires_at FROM job_locks WHERE job_id=?`, jobID).
		Scan(&l.JobID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}
