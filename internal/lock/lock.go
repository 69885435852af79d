// Package lock provides job-level mutual exclusion for advancing, cancelling and
// re-running a job.
package lock

import (
	"context"
	"errors"
	"time"

	"wlmigrate/internal/domain"
	"wlmigrate/internal/repo"
)

// ErrHeld is returned when another owner holds a live lease on the job.
var ErrHeld = errors.New("job is locked by another worker")

// Locker grants a lease on a job. Acquire by the current owner renews the lease.
type Locker interface {
	Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) error
	Release(ctx context.Context, jobID, owner string) error
	// Held reports whether any owner holds a live lease.
	Held(ctx context.Context, jobID string) (bool, error)
}

// SQLite stores leases in the workspace database's job_locks table.
type SQLite struct {
	Repo repo.Repo
	Now  func() time.Time
}

func NewSQLite(r repo.Repo) *SQLite {
	return &SQLite{Repo: r, Now: time.Now}
}

func (l *SQLite) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *SQLite) Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	now := l.now()
	ok, err := l.Repo.AcquireJobLock(ctx, repo.JobLock{
		JobID:      jobID,
		OwnerID:    owner,
		AcquiredAt: domain.FormatTime(now),
		ExpiresAt:  domain.FormatTime(now.Add(ttl)),
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

func (l *SQLite) Release(ctx context.Context, jobID, owner string) error {
	return l.Repo.ReleaseJobLock(ctx, jobID, owner)
}

func (l *SQLite) Held(ctx context.Context, jobID string) (bool, error) {
	lk, err := l.Repo.GetJobLock(ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return lk.ExpiresAt > domain.FormatTime(l.now()), nil
}
