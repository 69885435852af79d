package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wlmigrate/internal/connector"
	"wlmigrate/internal/domain"
	"wlmigrate/internal/events"
	"wlmigrate/internal/loader"
	"wlmigrate/internal/mapping"
	"wlmigrate/internal/transform"
)

// AdvanceResult reports where a call to Advance left the job. Yield means the job cannot
// progress before RetryAfter has passed.
type AdvanceResult struct {
	Status     domain.JobStatus `json:"status"`
	Yield      bool             `json:"yield"`
	RetryAfter time.Duration    `json:"retry_after"`
	Sequence   int              `json:"sequence,omitempty"`
}

// errLeaseLost aborts a step when another owner took the job lock over.
var errLeaseLost = errors.New("job lock lease lost")

// run carries the state of one Advance call.
type run struct {
	e     Engine
	owner string
	job   domain.ImportJob
	conn  connector.Connector
}

// Advance drives the job through the pre-stages and at most one batch. It is idempotent:
// terminal jobs are returned unchanged and an interrupted batch resumes from its last
// persisted stage. The lock error is returned as is when another worker holds the job.
func (e Engine) Advance(ctx context.Context, jobID string) (AdvanceResult, error) {
	owner := e.newOwner()
	if err := e.Locker.Acquire(ctx, jobID, owner, e.lockTTL()); err != nil {
		return AdvanceResult{}, err
	}
	defer e.release(jobID, owner)

	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return AdvanceResult{}, err
	}
	r := &run{e: e, owner: owner, job: job}
	res, err := r.advance(ctx)
	res.Status = r.job.Status
	return res, err
}

// AdvanceUntilDone calls Advance until the job is terminal or yields.
func (e Engine) AdvanceUntilDone(ctx context.Context, jobID string) (AdvanceResult, error) {
	for {
		res, err := e.Advance(ctx, jobID)
		if err != nil || res.Yield || res.Status.Terminal() {
			return res, err
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
}

func (r *run) advance(ctx context.Context) (AdvanceResult, error) {
	if r.job.Status.Terminal() {
		return AdvanceResult{}, nil
	}
	if r.job.NextRunAt != nil {
		at, err := domain.ParseTime(*r.job.NextRunAt)
		if err == nil {
			if wait := at.Sub(r.e.now()); wait > 0 {
				return AdvanceResult{Yield: true, RetryAfter: wait}, nil
			}
		}
		r.job.NextRunAt = nil
	}

	for r.job.Status == domain.JobQueued || r.job.Status == domain.JobCreated || r.job.Status == domain.JobInitiated {
		if stop, err := r.checkpoint(ctx); stop || err != nil {
			return AdvanceResult{}, err
		}
		res, done, err := r.preStage(ctx)
		if done || err != nil {
			return res, err
		}
	}
	return r.batch(ctx)
}

// checkpoint renews the lease and honours a pending cancel. It reports true when the job
// was finalized as cancelled.
func (r *run) checkpoint(ctx context.Context) (bool, error) {
	if err := r.e.Locker.Acquire(ctx, r.job.ID, r.owner, r.e.lockTTL()); err != nil {
		return false, fmt.Errorf("%w: %v", errLeaseLost, err)
	}
	requested := r.job.CancelRequested
	if !requested {
		var err error
		if requested, err = r.e.Repo.CancelRequested(ctx, r.job.ID); err != nil {
			return false, err
		}
	}
	if !requested {
		return false, nil
	}
	r.job.CancelRequested = true
	if err := r.e.finalize(ctx, &r.job, domain.JobCancelled, nil, ""); err != nil {
		return false, err
	}
	return true, nil
}

// preStage performs one of the queued, created or initiated steps. done reports that the
// call ended without reaching the batch loop.
func (r *run) preStage(ctx context.Context) (AdvanceResult, bool, error) {
	e := r.e
	switch r.job.Status {
	case domain.JobQueued:
		snap, err := e.Repo.GetSnapshot(ctx, r.job.MappingSnapshotID)
		if err != nil {
			return AdvanceResult{}, true, err
		}
		if err := e.validateSnapshot(ctx, snap); err != nil {
			return AdvanceResult{}, true, r.fail(ctx, err)
		}
		return AdvanceResult{}, false, r.step(ctx, domain.JobCreated, nil)

	case domain.JobCreated:
		conn, tok, err := e.jobConnector(ctx, r.job)
		if err != nil {
			return AdvanceResult{}, true, r.fail(ctx, err)
		}
		err = r.retry(ctx, nil, "authenticate", func() error { return conn.Authenticate(ctx, tok) })
		if err != nil {
			res, ferr := r.stageFailed(ctx, nil, err)
			return res, true, ferr
		}
		r.conn = conn
		if r.job.StartTime == nil {
			now := e.stamp()
			r.job.StartTime = &now
		}
		return AdvanceResult{}, false, r.step(ctx, domain.JobInitiated, nil)

	case domain.JobInitiated:
		states, err := e.Repo.ListStates(ctx, r.job.ProjectID)
		if err != nil {
			return AdvanceResult{}, true, err
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return AdvanceResult{}, true, err
		}
		defer tx.Rollback()
		activated, err := e.Repo.ActivateSnapshotTx(ctx, tx, r.job.MappingSnapshotID, e.stamp())
		if err != nil {
			return AdvanceResult{}, true, err
		}
		// edits made while the connector authenticated must still satisfy the mandatory kinds
		snap, err := e.Repo.GetSnapshotTx(ctx, tx, r.job.MappingSnapshotID)
		if err != nil {
			return AdvanceResult{}, true, err
		}
		if err := mapping.Validate(snap, states); err != nil {
			_ = tx.Rollback()
			return AdvanceResult{}, true, r.fail(ctx, err)
		}
		if activated {
			if err := e.events().Append(ctx, tx, events.SnapshotActive, r.job.ProjectID, "mapping_snapshot", r.job.MappingSnapshotID, r.job.ActorID, events.EventPayload{"job_id": r.job.ID}); err != nil {
				return AdvanceResult{}, true, err
			}
		}
		if err := e.transition(ctx, tx, &r.job, domain.JobPulling, nil); err != nil {
			return AdvanceResult{}, true, err
		}
		return AdvanceResult{}, false, tx.Commit()
	}
	return AdvanceResult{}, true, nil
}

// step persists a single status change in its own transaction.
func (r *run) step(ctx context.Context, to domain.JobStatus, extra events.EventPayload) error {
	tx, err := r.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.e.transition(ctx, tx, &r.job, to, extra); err != nil {
		return err
	}
	return tx.Commit()
}

// batch plans or resumes one batch and drives it to pushed.
func (r *run) batch(ctx context.Context) (AdvanceResult, error) {
	e := r.e
	b, fresh, err := e.nextBatch(ctx, r.job)
	if errors.Is(err, errNoMoreBatches) {
		return AdvanceResult{}, r.finish(ctx)
	}
	if err != nil {
		return AdvanceResult{}, err
	}
	res := AdvanceResult{Sequence: b.Sequence}
	if b.Attempt != r.job.Attempt || b.Status == domain.BatchFailed {
		b.Attempt = r.job.Attempt
		b.Status = b.LastStage
		b.UpdatedAt = e.stamp()
		fresh = true
	}

	for {
		if r.job.Status.Terminal() {
			return res, nil
		}
		if stop, err := r.checkpoint(ctx); stop || err != nil {
			return res, err
		}
		switch b.LastStage {
		case domain.BatchPending:
			out, pulled, err := r.pull(ctx, &b, fresh)
			if !pulled || err != nil {
				out.Sequence = b.Sequence
				return out, err
			}
		case domain.BatchPulled:
			if err := r.transformBatch(ctx, &b); err != nil {
				return res, err
			}
		case domain.BatchTransformed:
			out, err := r.push(ctx, &b)
			out.Sequence = b.Sequence
			return out, err
		default:
			return res, fmt.Errorf("batch %d in unexpected stage %s", b.Sequence, b.LastStage)
		}
		fresh = false
	}
}

// pull fetches the batch page. pulled reports that the page was persisted and the batch
// can go on to transform.
func (r *run) pull(ctx context.Context, b *domain.Batch, fresh bool) (AdvanceResult, bool, error) {
	e := r.e
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, false, err
	}
	if fresh {
		if err := e.Repo.SaveBatchTx(ctx, tx, *b); err != nil {
			tx.Rollback()
			return AdvanceResult{}, false, err
		}
	}
	if err := e.transition(ctx, tx, &r.job, domain.JobPulling, events.EventPayload{"sequence": b.Sequence}); err != nil {
		tx.Rollback()
		return AdvanceResult{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, false, err
	}

	if r.conn == nil {
		conn, _, err := e.jobConnector(ctx, r.job)
		if err != nil {
			return AdvanceResult{}, false, r.fail(ctx, err)
		}
		r.conn = conn
	}
	var page connector.Page
	err = r.retry(ctx, b, "pull", func() error {
		p, err := r.conn.Pull(ctx, b.Cursor, r.job.BatchSize)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		res, ferr := r.stageFailed(ctx, b, err)
		return res, false, ferr
	}
	// cancel wins over an unpersisted pull; the batch stays pending
	if stop, err := r.checkpoint(ctx); stop || err != nil {
		return AdvanceResult{}, false, err
	}
	if !page.Done && page.NextCursor == b.Cursor {
		stuck := fmt.Errorf("connector did not advance past cursor %q", b.Cursor)
		res, ferr := r.stageFailed(ctx, b, stuck)
		return res, false, ferr
	}
	if page.Records == nil {
		page.Records = []connector.RawRecord{}
	}
	raw, err := json.Marshal(page.Records)
	if err != nil {
		return AdvanceResult{}, false, err
	}
	b.Status = domain.BatchPulled
	b.LastStage = domain.BatchPulled
	b.RawJSON = string(raw)
	b.RawCount = len(page.Records)
	b.NextCursor = page.NextCursor
	b.IsLast = page.Done
	b.LastError = nil
	b.UpdatedAt = e.stamp()

	tx, err = e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, false, err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveBatchTx(ctx, tx, *b); err != nil {
		return AdvanceResult{}, false, err
	}
	if b.IsLast {
		if err := e.fixTotal(ctx, tx, &r.job, b.Sequence); err != nil {
			return AdvanceResult{}, false, err
		}
	}
	if err := e.transition(ctx, tx, &r.job, domain.JobPulled, events.EventPayload{"sequence": b.Sequence, "records": b.RawCount}); err != nil {
		return AdvanceResult{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, false, err
	}
	e.log().Debug("batch pulled", "job", r.job.ID, "sequence", b.Sequence, "records", b.RawCount, "last", b.IsLast)
	return AdvanceResult{}, true, nil
}

func (r *run) transformBatch(ctx context.Context, b *domain.Batch) error {
	e := r.e
	if err := r.step(ctx, domain.JobTransforming, events.EventPayload{"sequence": b.Sequence}); err != nil {
		return err
	}
	snap, err := e.Repo.GetSnapshot(ctx, r.job.MappingSnapshotID)
	if err != nil {
		return err
	}
	var records []connector.RawRecord
	if err := json.Unmarshal([]byte(b.RawJSON), &records); err != nil {
		return r.fail(ctx, fmt.Errorf("decode batch %d: %w", b.Sequence, err))
	}
	mapped, failed := transform.MapAll(records, mapping.NewSet(snap.Mappings), transform.Options{
		Source:         r.job.Source,
		ActorID:        r.job.ActorID,
		SkipUserImport: r.job.SkipUserImport,
	})
	canonical, err := transform.EncodeBatch(mapped)
	if err != nil {
		return err
	}
	now := e.stamp()
	failures := make([]domain.RecordFailure, 0, len(failed))
	for _, f := range failed {
		failures = append(failures, domain.RecordFailure{
			JobID:          r.job.ID,
			BatchSequence:  b.Sequence,
			SourceRecordID: f.SourceRecordID,
			ErrorKind:      string(domain.ErrKindMapping),
			Message:        f.Err.Error(),
			CreatedAt:      now,
		})
	}
	b.Status = domain.BatchTransformed
	b.LastStage = domain.BatchTransformed
	b.CanonicalJSON = canonical
	b.FailedCount = len(failures)
	b.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveBatchTx(ctx, tx, *b); err != nil {
		return err
	}
	if err := e.Repo.ReplaceRecordFailuresTx(ctx, tx, r.job.ID, b.Sequence, domain.ErrKindMapping, failures); err != nil {
		return err
	}
	if err := e.transition(ctx, tx, &r.job, domain.JobTransformed, events.EventPayload{"sequence": b.Sequence, "mapped": len(mapped), "failed": len(failures)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.RecordsFailed(ctx, string(r.job.Source), string(domain.ErrKindMapping), len(failures))
	return nil
}

// push loads the batch. The load, the batch row and imported_batches commit together,
// so a crash never leaves a pushed batch uncounted.
func (r *run) push(ctx context.Context, b *domain.Batch) (AdvanceResult, error) {
	e := r.e
	if err := r.step(ctx, domain.JobPushing, events.EventPayload{"sequence": b.Sequence}); err != nil {
		return AdvanceResult{}, err
	}
	records, err := transform.DecodeBatch(b.CanonicalJSON)
	if err != nil {
		return AdvanceResult{}, r.fail(ctx, fmt.Errorf("decode batch %d: %w", b.Sequence, err))
	}
	mappingFailures := b.FailedCount
	target := loader.Target{WorkspaceID: r.job.WorkspaceID, ProjectID: r.job.ProjectID, Source: r.job.Source}
	var result loader.PushResult
	err = r.retry(ctx, b, "push", func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.NetworkError{Op: "begin push", Err: err}
		}
		defer tx.Rollback()
		res, err := e.Loader.PushTx(ctx, tx, target, records)
		if err != nil {
			return err
		}
		now := e.stamp()
		pushed := *b
		pushed.Status = domain.BatchPushed
		pushed.LastStage = domain.BatchPushed
		pushed.PushedCount = res.Succeeded
		pushed.FailedCount = mappingFailures + len(res.Failed)
		pushed.LastError = nil
		pushed.UpdatedAt = now
		if err := e.Repo.SaveBatchTx(ctx, tx, pushed); err != nil {
			return err
		}
		failures := make([]domain.RecordFailure, 0, len(res.Failed))
		for _, f := range res.Failed {
			failures = append(failures, domain.RecordFailure{
				JobID:          r.job.ID,
				BatchSequence:  b.Sequence,
				SourceRecordID: f.SourceRecordID,
				ErrorKind:      string(domain.ErrKindPartialPush),
				Message:        f.Err.Error(),
				CreatedAt:      now,
			})
		}
		if err := e.Repo.ReplaceRecordFailuresTx(ctx, tx, r.job.ID, b.Sequence, domain.ErrKindPartialPush, failures); err != nil {
			return err
		}
		job := r.job
		if b.Sequence > job.ImportedBatches {
			job.ImportedBatches = b.Sequence
		}
		job.UpdatedAt = now
		if err := e.Repo.UpdateJobTx(ctx, tx, job); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.BatchStage, job.ProjectID, "job", job.ID, job.ActorID, events.EventPayload{
			"sequence": b.Sequence, "stage": domain.BatchPushed, "created": res.Created, "updated": res.Updated, "failed": len(res.Failed),
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		*b = pushed
		r.job = job
		result = res
		return nil
	})
	if err != nil {
		return r.stageFailed(ctx, b, err)
	}
	e.Metrics.BatchPushed(ctx, string(r.job.Source))
	e.Metrics.RecordsFailed(ctx, string(r.job.Source), string(domain.ErrKindPartialPush), len(result.Failed))
	e.log().Info("batch pushed", "job", r.job.ID, "sequence", b.Sequence, "created", result.Created, "updated", result.Updated, "failed", len(result.Failed))

	if b.IsLast {
		return AdvanceResult{}, r.finish(ctx)
	}
	if _, err := r.checkpoint(ctx); err != nil {
		return AdvanceResult{}, err
	}
	return AdvanceResult{}, nil
}

// finish resolves parent links and marks the job finished.
func (r *run) finish(ctx context.Context) error {
	e := r.e
	if r.job.Status != domain.JobPushing {
		if err := r.step(ctx, domain.JobPushing, nil); err != nil {
			return err
		}
	}
	target := loader.Target{WorkspaceID: r.job.WorkspaceID, ProjectID: r.job.ProjectID, Source: r.job.Source}
	linked, err := e.Loader.Finalize(ctx, target)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("resolve parents: %w", err))
	}
	if linked > 0 {
		e.log().Debug("parents linked", "job", r.job.ID, "count", linked)
	}
	return e.finalize(ctx, &r.job, domain.JobFinished, nil, "")
}

// retry runs op under the source retry policy. Transient errors are retried and counted
// on the batch; anything else stops at once.
func (r *run) retry(ctx context.Context, b *domain.Batch, stage string, op func() error) error {
	e := r.e
	policy := e.retryPolicy(r.job.Source)
	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || domain.Transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy.BackOff(ctx), func(err error, wait time.Duration) {
		e.Metrics.StageRetry(ctx, string(r.job.Source), stage)
		e.log().Warn("stage retry", "job", r.job.ID, "stage", stage, "wait", wait, "err", err)
		if b == nil {
			return
		}
		b.RetryCount++
		msg := err.Error()
		b.LastError = &msg
		if perr := e.Repo.SetBatchRetryCount(ctx, b.JobID, b.Sequence, b.RetryCount, msg, e.stamp()); perr != nil {
			e.log().Warn("persist retry count", "job", r.job.ID, "sequence", b.Sequence, "err", perr)
		}
	})
}

// stageFailed turns a stage error into a yield or a job error.
func (r *run) stageFailed(ctx context.Context, b *domain.Batch, cause error) (AdvanceResult, error) {
	e := r.e
	var rl domain.RateLimitedError
	if errors.As(cause, &rl) {
		return r.yield(ctx, rl.RetryAfter)
	}
	if ctx.Err() != nil {
		return AdvanceResult{}, ctx.Err()
	}
	if b != nil {
		msg := cause.Error()
		b.Status = domain.BatchFailed
		b.LastError = &msg
		b.UpdatedAt = e.stamp()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return AdvanceResult{}, err
		}
		if err := e.Repo.SaveBatchTx(ctx, tx, *b); err != nil {
			tx.Rollback()
			return AdvanceResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return AdvanceResult{}, err
		}
	}
	return AdvanceResult{}, r.fail(ctx, cause)
}

// yield reschedules the job without spending a retry.
func (r *run) yield(ctx context.Context, wait time.Duration) (AdvanceResult, error) {
	e := r.e
	if wait <= 0 {
		wait = connector.DefaultRetryAfter
	}
	at := domain.FormatTime(e.now().Add(wait))
	r.job.NextRunAt = &at
	r.job.UpdatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateJobTx(ctx, tx, r.job); err != nil {
		return AdvanceResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.JobYielded, r.job.ProjectID, "job", r.job.ID, r.job.ActorID, events.EventPayload{
		"status": r.job.Status, "retry_after": wait.String(), "next_run_at": at,
	}); err != nil {
		return AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, err
	}
	e.Metrics.RateLimitYield(ctx, string(r.job.Source))
	e.log().Info("job yielded", "job", r.job.ID, "retry_after", wait)
	return AdvanceResult{Yield: true, RetryAfter: wait}, nil
}

// fail finalizes the job as error and returns nil once that is persisted; the failure is
// recorded on the job rather than returned.
func (r *run) fail(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return r.e.finalize(ctx, &r.job, domain.JobError, cause, "")
}
