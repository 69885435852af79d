package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wlmigrate/internal/config"
	"wlmigrate/internal/connector"
	"wlmigrate/internal/credential"
	"wlmigrate/internal/domain"
	"wlmigrate/internal/events"
	"wlmigrate/internal/loader"
	"wlmigrate/internal/lock"
	"wlmigrate/internal/mapping"
	"wlmigrate/internal/quota"
	"wlmigrate/internal/repo"
	"wlmigrate/internal/telemetry"
	"wlmigrate/internal/transform"
)

// Pusher writes a transformed batch inside the caller's transaction.
type Pusher interface {
	PushTx(ctx context.Context, tx *sql.Tx, target loader.Target, records []transform.CanonicalRecord) (loader.PushResult, error)
	Finalize(ctx context.Context, target loader.Target) (int64, error)
}

// Engine is the job orchestrator. It is the only writer of jobs and batches.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Connectors  *connector.Registry
	Credentials credential.Store
	Quota       quota.Checker
	Locker      lock.Locker
	Loader      Pusher
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	// Owner prefixes lock owner ids taken by this process.
	Owner string
	Now   func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{DB: db},
		Config:      cfg,
		Connectors:  connector.Default(),
		Credentials: credential.NewStore(r),
		Quota: quota.Static{Seats: cfg.Quota.Seats, Used: func(ctx context.Context, ws string) (int, error) {
			return r.CountMembers(ctx, ws)
		}},
		Locker:  lock.NewSQLite(r),
		Loader:  loader.New(db),
		Metrics: telemetry.NewMetrics(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Owner:   "wlm",
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) lockTTL() time.Duration {
	if e.Config != nil && e.Config.Engine.LockTTL > 0 {
		return e.Config.Engine.LockTTL
	}
	return 2 * time.Minute
}

// newOwner returns a lock owner id unique to one call.
func (e Engine) newOwner() string {
	return e.Owner + "/" + uuid.NewString()
}

// CreateOptions are parameters for creating a job.
type CreateOptions struct {
	ProjectID      string
	Source         domain.SourceType
	SourceSettings map[string]string
	CredentialID   string
	SnapshotID     string
	ActorID        string
	SkipUserImport bool
	BatchSize      int
}

// Create validates mappings and seats and persists the job as queued.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.ImportJob, error) {
	if opts.ActorID == "" {
		return domain.ImportJob{}, domain.ValidationError{Reason: "actor is required"}
	}
	if !opts.Source.Valid() {
		return domain.ImportJob{}, domain.ValidationError{Reason: fmt.Sprintf("unknown source %q", opts.Source)}
	}
	if !e.supported(opts.Source) {
		return domain.ImportJob{}, domain.ValidationError{Reason: fmt.Sprintf("source %s not supported", opts.Source)}
	}
	if opts.BatchSize < 0 {
		return domain.ImportJob{}, domain.ValidationError{Reason: "batch size must not be negative"}
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.ImportJob{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	snap, err := e.Repo.GetSnapshot(ctx, opts.SnapshotID)
	if err != nil {
		return domain.ImportJob{}, fmt.Errorf("mapping snapshot %s: %w", opts.SnapshotID, err)
	}
	if snap.ProjectID != project.ID || snap.Source != opts.Source {
		return domain.ImportJob{}, domain.ValidationError{Reason: "mapping snapshot belongs to a different project or source"}
	}
	if err := e.validateSnapshot(ctx, snap); err != nil {
		return domain.ImportJob{}, err
	}
	if !opts.SkipUserImport {
		if err := e.checkSeats(ctx, project.WorkspaceID, snap); err != nil {
			return domain.ImportJob{}, err
		}
	}

	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = e.Config.BatchSize(opts.Source)
	}
	now := e.stamp()
	job := domain.ImportJob{
		ID:                uuid.NewString(),
		WorkspaceID:       project.WorkspaceID,
		ProjectID:         project.ID,
		Source:            opts.Source,
		SourceSettings:    opts.SourceSettings,
		CredentialID:      opts.CredentialID,
		MappingSnapshotID: snap.ID,
		ActorID:           opts.ActorID,
		Status:            domain.JobQueued,
		Attempt:           1,
		BatchSize:         batchSize,
		SkipUserImport:    opts.SkipUserImport,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ImportJob{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertJobTx(ctx, tx, job); err != nil {
		return domain.ImportJob{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.Repo.InsertAttemptTx(ctx, tx, domain.JobAttempt{
		JobID: job.ID, Attempt: 1, Status: string(domain.JobQueued), StartSequence: 1, StartedAt: now,
	}); err != nil {
		return domain.ImportJob{}, fmt.Errorf("insert attempt: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.JobCreated, job.ProjectID, "job", job.ID, opts.ActorID, events.EventPayload{
		"source":           job.Source,
		"snapshot_id":      job.MappingSnapshotID,
		"batch_size":       job.BatchSize,
		"skip_user_import": job.SkipUserImport,
	}); err != nil {
		return domain.ImportJob{}, err
	}
	if err := e.events().StatusChange(ctx, tx, job, "", domain.JobQueued, opts.ActorID, nil); err != nil {
		return domain.ImportJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ImportJob{}, err
	}
	e.log().Info("job created", "job", job.ID, "source", job.Source, "project", job.ProjectID)
	return job, nil
}

func (e Engine) supported(src domain.SourceType) bool {
	reg := e.Connectors
	if reg == nil {
		reg = connector.Default()
	}
	for _, s := range reg.List() {
		if s == src {
			return true
		}
	}
	return false
}

func (e Engine) validateSnapshot(ctx context.Context, snap domain.MappingSnapshot) error {
	states, err := e.Repo.ListStates(ctx, snap.ProjectID)
	if err != nil {
		return err
	}
	return mapping.Validate(snap, states)
}

// checkSeats asks the seat collaborator about users the job would create: catalog users
// without a user mapping.
func (e Engine) checkSeats(ctx context.Context, workspaceID string, snap domain.MappingSnapshot) error {
	if e.Quota == nil {
		return nil
	}
	set := mapping.NewSet(snap.Mappings)
	additional := 0
	for _, u := range snap.Catalog[domain.KindUser] {
		if _, ok := set.Lookup(domain.KindUser, u.Key); !ok {
			additional++
		}
	}
	if additional == 0 {
		return nil
	}
	d, err := e.Quota.Check(ctx, quota.Request{WorkspaceID: workspaceID, AdditionalUsers: additional})
	if err != nil {
		return fmt.Errorf("seat check: %w", err)
	}
	if !d.Allowed {
		return domain.QuotaError{Shortfall: d.Shortfall, Message: d.Message}
	}
	return nil
}

func (e Engine) Get(ctx context.Context, jobID string) (domain.ImportJob, error) {
	return e.Repo.GetJob(ctx, jobID)
}

func (e Engine) List(ctx context.Context, f repo.JobFilters) ([]domain.ImportJob, error) {
	return e.Repo.ListJobs(ctx, f)
}

func (e Engine) Batches(ctx context.Context, jobID string) ([]domain.Batch, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.Repo.ListBatches(ctx, jobID)
}

func (e Engine) Attempts(ctx context.Context, jobID string) ([]domain.JobAttempt, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.Repo.ListAttempts(ctx, jobID)
}

// History returns the job's status history and stage events.
func (e Engine) History(ctx context.Context, jobID string, afterID int64, limit int) ([]domain.Event, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.events().List(ctx, "job", jobID, afterID, limit)
}

// Cancel finalizes the job right away when no worker holds it. Otherwise it flags the job
// and the worker finalizes at its next stage boundary.
func (e Engine) Cancel(ctx context.Context, jobID, actorID string) (domain.ImportJob, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Status.Terminal() {
		return job, domain.TransitionError{From: job.Status, To: domain.JobCancelled}
	}
	owner := e.newOwner()
	err = e.Locker.Acquire(ctx, jobID, owner, e.lockTTL())
	if errors.Is(err, lock.ErrHeld) {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return job, err
		}
		defer tx.Rollback()
		flagged, err := e.Repo.SetCancelRequestedTx(ctx, tx, jobID, e.stamp())
		if err != nil {
			return job, err
		}
		if !flagged {
			// the worker reached a terminal status first
			if cur, gerr := e.Repo.GetJobTx(ctx, tx, jobID); gerr == nil {
				job = cur
			}
			return job, domain.TransitionError{From: job.Status, To: domain.JobCancelled}
		}
		if err := e.events().Append(ctx, tx, events.JobCancelRequest, job.ProjectID, "job", job.ID, actorID, events.EventPayload{"status": job.Status}); err != nil {
			return job, err
		}
		if err := tx.Commit(); err != nil {
			return job, err
		}
		e.log().Info("cancel requested", "job", jobID)
		return e.Repo.GetJob(ctx, jobID)
	}
	if err != nil {
		return job, err
	}
	defer e.release(jobID, owner)

	// re-read under the lock; a worker may have finished the job meanwhile
	job, err = e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Status.Terminal() {
		return job, domain.TransitionError{From: job.Status, To: domain.JobCancelled}
	}
	if err := e.finalize(ctx, &job, domain.JobCancelled, nil, actorID); err != nil {
		return job, err
	}
	return job, nil
}

// ReRun starts a new attempt of an errored or cancelled job. It resumes after the last
// pushed batch.
func (e Engine) ReRun(ctx context.Context, jobID, actorID string) (domain.ImportJob, error) {
	owner := e.newOwner()
	if err := e.Locker.Acquire(ctx, jobID, owner, e.lockTTL()); err != nil {
		return domain.ImportJob{}, err
	}
	defer e.release(jobID, owner)

	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Status != domain.JobError && job.Status != domain.JobCancelled {
		return job, domain.TransitionError{From: job.Status, To: domain.JobQueued}
	}
	pushed, err := e.Repo.CountPushedBatches(ctx, jobID)
	if err != nil {
		return job, err
	}
	from := job.Status
	now := e.stamp()
	job.Attempt++
	job.Status = domain.JobQueued
	job.ErrorKind = nil
	job.Error = nil
	job.CancelRequested = false
	job.FinishedAt = nil
	job.NextRunAt = nil
	job.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return job, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateJobTx(ctx, tx, job); err != nil {
		return job, err
	}
	if err := e.Repo.ClearCancelRequestedTx(ctx, tx, job.ID); err != nil {
		return job, err
	}
	if err := e.Repo.InsertAttemptTx(ctx, tx, domain.JobAttempt{
		JobID: job.ID, Attempt: job.Attempt, Status: string(domain.JobQueued), StartSequence: pushed + 1, StartedAt: now,
	}); err != nil {
		return job, err
	}
	if err := e.events().Append(ctx, tx, events.JobRerun, job.ProjectID, "job", job.ID, actorID, events.EventPayload{
		"attempt": job.Attempt, "resume_sequence": pushed + 1,
	}); err != nil {
		return job, err
	}
	if err := e.events().StatusChange(ctx, tx, job, from, domain.JobQueued, actorID, nil); err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	e.log().Info("job re-run", "job", jobID, "attempt", job.Attempt, "resume_sequence", pushed+1)
	return job, nil
}

func (e Engine) release(jobID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Locker.Release(ctx, jobID, owner); err != nil {
		e.log().Warn("release job lock", "job", jobID, "err", err)
	}
}

// transition moves the job to a new status inside tx, recording each intermediate stage.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, job *domain.ImportJob, to domain.JobStatus, extra events.EventPayload) error {
	for _, next := range stepsBetween(job.Status, to) {
		if err := ensureJobTransition(job.Status, next); err != nil {
			return err
		}
		from := job.Status
		job.Status = next
		job.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateJobTx(ctx, tx, *job); err != nil {
			return err
		}
		if err := e.Repo.UpdateAttemptStatusTx(ctx, tx, job.ID, job.Attempt, string(next)); err != nil {
			return err
		}
		if err := e.events().StatusChange(ctx, tx, *job, from, next, job.ActorID, extra); err != nil {
			return err
		}
	}
	return nil
}

// finalize moves the job to a terminal status and closes the current attempt.
func (e Engine) finalize(ctx context.Context, job *domain.ImportJob, to domain.JobStatus, cause error, actorID string) error {
	if err := ensureJobTransition(job.Status, to); err != nil {
		return err
	}
	now := e.stamp()
	from := job.Status
	job.Status = to
	job.FinishedAt = &now
	job.UpdatedAt = now
	job.NextRunAt = nil
	extra := events.EventPayload{}
	if cause != nil {
		kind := string(domain.KindOf(cause))
		msg := cause.Error()
		if msg == "" {
			msg = kind
		}
		job.ErrorKind = &kind
		job.Error = &msg
		extra["error_kind"] = kind
		extra["error"] = msg
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateJobTx(ctx, tx, *job); err != nil {
		return err
	}
	if err := e.Repo.CloseAttemptTx(ctx, tx, domain.JobAttempt{
		JobID: job.ID, Attempt: job.Attempt, Status: string(to), ErrorKind: job.ErrorKind, Error: job.Error, FinishedAt: &now,
	}); err != nil {
		return err
	}
	if actorID == "" {
		actorID = job.ActorID
	}
	if err := e.events().StatusChange(ctx, tx, *job, from, to, actorID, extra); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.JobFinalized(ctx, string(job.Source), string(to))
	if cause != nil {
		e.log().Warn("job failed", "job", job.ID, "kind", extra["error_kind"], "err", cause)
	} else {
		e.log().Info("job finalized", "job", job.ID, "status", to, "imported_batches", job.ImportedBatches)
	}
	return nil
}
