package engine

import (
	"context"
	"database/sql"
	"errors"

	"wlmigrate/internal/domain"
	"wlmigrate/internal/repo"
)

var errNoMoreBatches = errors.New("no batches left")

// nextBatch returns the batch to work on: the lowest unpushed one if any, otherwise a new
// pending batch that starts at the previous batch's next cursor. Batch boundaries follow
// connector pages, so a batch can always be replayed from its cursor.
func (e Engine) nextBatch(ctx context.Context, job domain.ImportJob) (domain.Batch, bool, error) {
	b, err := e.Repo.FirstUnpushedBatch(ctx, job.ID)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return b, false, err
	}
	seq, cursor := 1, ""
	last, err := e.Repo.LastBatch(ctx, job.ID)
	switch {
	case err == nil:
		if last.IsLast {
			return domain.Batch{}, false, errNoMoreBatches
		}
		seq, cursor = last.Sequence+1, last.NextCursor
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Batch{}, false, err
	}
	now := e.stamp()
	return domain.Batch{
		JobID:     job.ID,
		Sequence:  seq,
		Status:    domain.BatchPending,
		LastStage: domain.BatchPending,
		Cursor:    cursor,
		Attempt:   job.Attempt,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

// fixTotal records total_batches when the source signals end of data. Only the first
// call has an effect.
func (e Engine) fixTotal(ctx context.Context, tx *sql.Tx, job *domain.ImportJob, total int) error {
	fixed, err := e.Repo.FixTotalBatchesTx(ctx, tx, job.ID, total)
	if err != nil {
		return err
	}
	if fixed || job.TotalBatches == nil {
		job.TotalBatches = &total
	}
	return nil
}
