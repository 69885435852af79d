package engine_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wlmigrate/internal/config"
	"wlmigrate/internal/connector"
	"wlmigrate/internal/db"
	"wlmigrate/internal/domain"
	"wlmigrate/internal/engine"
	"wlmigrate/internal/loader"
	"wlmigrate/internal/lock"
	"wlmigrate/internal/migrate"
	"wlmigrate/internal/quota"
	"wlmigrate/internal/repo"
	"wlmigrate/internal/transform"
)

// fakeSource serves records from memory with an offset cursor.
type fakeSource struct {
	mu      sync.Mutex
	records []connector.RawRecord
	errs    map[string][]error
	onPull  func(cursor string)
	onAuth  func()
	authErr error
	pulls   []string
}

func (f *fakeSource) Authenticate(ctx context.Context, token string) error {
	if f.onAuth != nil {
		f.onAuth()
	}
	return f.authErr
}

func (f *fakeSource) Pull(ctx context.Context, cursor string, pageSize int) (connector.Page, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, cursor)
	if q := f.errs[cursor]; len(q) > 0 {
		f.errs[cursor] = q[1:]
		f.mu.Unlock()
		return connector.Page{}, q[0]
	}
	hook := f.onPull
	f.mu.Unlock()

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return connector.Page{}, err
		}
		offset = n
	}
	end := offset + pageSize
	if end > len(f.records) {
		end = len(f.records)
	}
	page := connector.Page{
		Records:    append([]connector.RawRecord(nil), f.records[offset:end]...),
		NextCursor: strconv.Itoa(end),
		Done:       end >= len(f.records),
	}
	if hook != nil {
		hook(cursor)
	}
	return page, nil
}

func (f *fakeSource) failPull(cursor string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = map[string][]error{}
	}
	f.errs[cursor] = append(f.errs[cursor], errs...)
}

// flakyPusher fails a batch, keyed by its first record, a set number of times.
type flakyPusher struct {
	loader.Loader
	mu     sync.Mutex
	fails  map[string]int
	calls  map[string]int
	onFail func(firstRecord string)
}

func (p *flakyPusher) PushTx(ctx context.Context, tx *sql.Tx, target loader.Target, records []transform.CanonicalRecord) (loader.PushResult, error) {
	if len(records) > 0 {
		key := records[0].ExternalID
		p.mu.Lock()
		p.calls[key]++
		if p.fails[key] > 0 {
			p.fails[key]--
			hook := p.onFail
			p.mu.Unlock()
			if hook != nil {
				hook(key)
			}
			return loader.PushResult{}, domain.NetworkError{Op: "push", Err: errors.New("connection reset")}
		}
		p.mu.Unlock()
	}
	return p.Loader.PushTx(ctx, tx, target, records)
}

func (p *flakyPusher) failPush(firstRecord string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fails[firstRecord] = n
}

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Source  *fakeSource
	Pusher  *flakyPusher
	Project domain.Project
	States  []domain.State
	Ada     domain.Member
}

func newTestEnv(t *testing.T, n int) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Engine.MaxRetries = 3
	cfg.Engine.Backoff = config.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	cfg.Engine.BatchSize = 100

	src := &fakeSource{records: makeRecords(n)}
	reg := connector.NewRegistry()
	reg.Register(domain.SourceJira, func(connector.Settings) (connector.Connector, error) { return src, nil })

	eng := engine.New(conn, cfg)
	eng.Connectors = reg
	pusher := &flakyPusher{Loader: loader.New(conn), fails: map[string]int{}, calls: map[string]int{}}
	eng.Loader = pusher

	ctx := context.Background()
	project, states, err := eng.CreateProject(ctx, "ws", "Destination")
	require.NoError(t, err)
	ada, err := eng.AddMember(ctx, "ws", "Ada", "ada@example.com")
	require.NoError(t, err)
	return &testEnv{Engine: eng, Ctx: ctx, Source: src, Pusher: pusher, Project: project, States: states, Ada: ada}
}

func makeRecords(n int) []connector.RawRecord {
	recs := make([]connector.RawRecord, n)
	for i := range recs {
		recs[i] = connector.RawRecord{
			ID:         fmt.Sprintf("rec-%03d", i),
			Identifier: fmt.Sprintf("PROJ-%d", i),
			Title:      fmt.Sprintf("Item %d", i),
			State:      "To Do",
			Priority:   "High",
			Assignee:   &connector.User{Key: "u-ada", Name: "Ada", Email: "ada@example.com"},
			Labels:     []string{"backend"},
		}
	}
	return recs
}

func (env *testEnv) catalog() domain.Catalog {
	return domain.Catalog{
		domain.KindState:    {{Key: "To Do", Name: "To Do"}},
		domain.KindPriority: {{Key: "High", Name: "High"}},
		domain.KindUser:     {{Key: "u-ada", Name: "Ada", Email: "ada@example.com"}},
		domain.KindLabel:    {{Key: "backend", Name: "backend"}},
	}
}

func (env *testEnv) snapshot(t *testing.T, mappings ...domain.EntityMapping) domain.MappingSnapshot {
	t.Helper()
	if mappings == nil {
		mappings = []domain.EntityMapping{
			{Kind: domain.KindState, SourceKey: "To Do", DestinationKey: env.States[1].ID},
			{Kind: domain.KindPriority, SourceKey: "High", DestinationKey: "high"},
			{Kind: domain.KindUser, SourceKey: "u-ada", DestinationKey: env.Ada.ID},
		}
	}
	snap, err := env.Engine.CreateSnapshot(env.Ctx, engine.SnapshotOptions{
		ProjectID: env.Project.ID,
		Source:    domain.SourceJira,
		Catalog:   env.catalog(),
		Mappings:  mappings,
		ActorID:   "actor",
	})
	require.NoError(t, err)
	return snap
}

func (env *testEnv) createJob(t *testing.T) domain.ImportJob {
	t.Helper()
	snap := env.snapshot(t)
	job, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		ProjectID:  env.Project.ID,
		Source:     domain.SourceJira,
		SnapshotID: snap.ID,
		ActorID:    "actor",
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, job.Status)
	return job
}

func TestJobRunsBatchesInOrderAndRetriesPush(t *testing.T) {
	env := newTestEnv(t, 250)
	job := env.createJob(t)
	env.Pusher.failPush("rec-100", 2)

	imported := 0
	for i := 0; i < 50; i++ {
		res, err := env.Engine.Advance(env.Ctx, job.ID)
		require.NoError(t, err)
		cur, err := env.Engine.Get(env.Ctx, job.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, cur.ImportedBatches, imported)
		if cur.TotalBatches != nil {
			require.LessOrEqual(t, cur.ImportedBatches, *cur.TotalBatches)
		}
		imported = cur.ImportedBatches
		if res.Status.Terminal() {
			break
		}
	}

	job, err := env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, job.Status)
	require.NotNil(t, job.TotalBatches)
	require.Equal(t, 3, *job.TotalBatches)
	require.Equal(t, 3, job.ImportedBatches)
	require.NotNil(t, job.StartTime)
	require.NotNil(t, job.FinishedAt)
	require.Nil(t, job.Error)

	batches, err := env.Engine.Batches(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	for i, b := range batches {
		require.Equal(t, i+1, b.Sequence)
		require.Equal(t, domain.BatchPushed, b.Status)
	}
	require.Equal(t, 0, batches[0].RetryCount)
	require.Equal(t, 2, batches[1].RetryCount)
	require.Equal(t, 0, batches[2].RetryCount)
	require.True(t, batches[2].IsLast)
	require.Equal(t, 50, batches[2].PushedCount)

	items, err := env.Engine.ListWorkItems(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	require.Len(t, items, 250)
	require.Equal(t, []string{"", "100", "200"}, env.Source.pulls)

	snap, err := env.Engine.GetSnapshot(env.Ctx, job.MappingSnapshotID)
	require.NoError(t, err)
	require.NotNil(t, snap.ActivatedAt)
}

func TestStatusHistoryRecordsEveryStage(t *testing.T) {
	env := newTestEnv(t, 5)
	job := env.createJob(t)
	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, res.Status)

	evts, err := env.Engine.History(env.Ctx, job.ID, 0, 0)
	require.NoError(t, err)
	var path []string
	for _, e := range evts {
		if e.Type == "job.status_changed" {
			path = append(path, statusTo(t, e.Payload))
		}
	}
	require.Equal(t, []string{"queued", "created", "initiated", "pulling", "pulled", "transforming", "transformed", "pushing", "finished"}, path)
}

func statusTo(t *testing.T, payload string) string {
	t.Helper()
	var p struct {
		To string `json:"to"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload), &p))
	return p.To
}

func TestAdvanceTerminalJobIsNoop(t *testing.T) {
	env := newTestEnv(t, 3)
	job := env.createJob(t)
	_, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	pulls := len(env.Source.pulls)

	res, err := env.Engine.Advance(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, res.Status)
	require.Len(t, env.Source.pulls, pulls)
}

func TestPushRetriesExhaustedFailsJobAndRerunResumes(t *testing.T) {
	env := newTestEnv(t, 250)
	job := env.createJob(t)
	env.Pusher.failPush("rec-100", 10)

	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobError, res.Status)

	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, job.ImportedBatches)
	require.NotNil(t, job.Error)
	require.NotEmpty(t, *job.Error)
	require.Equal(t, string(domain.ErrKindNetwork), *job.ErrorKind)

	batches, err := env.Engine.Batches(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, domain.BatchFailed, batches[1].Status)
	require.Equal(t, domain.BatchTransformed, batches[1].LastStage)
	require.Equal(t, 3, batches[1].RetryCount)
	require.NotNil(t, batches[1].LastError)

	env.Pusher.failPush("rec-100", 0)
	job, err = env.Engine.ReRun(env.Ctx, job.ID, "actor")
	require.NoError(t, err)
	require.Equal(t, 2, job.Attempt)
	require.Nil(t, job.Error)

	res, err = env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, res.Status)

	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, job.ImportedBatches)

	// the failed batch resumed from its transformed payload without pulling again
	require.Equal(t, []string{"", "100", "200"}, env.Source.pulls)

	items, err := env.Engine.ListWorkItems(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	require.Len(t, items, 250)

	attempts, err := env.Engine.Attempts(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, "error", attempts[0].Status)
	require.NotNil(t, attempts[0].Error)
	require.Equal(t, 2, attempts[1].StartSequence)
	require.Equal(t, "finished", attempts[1].Status)
}

func TestCancelDuringPullKeepsBatchPending(t *testing.T) {
	env := newTestEnv(t, 250)
	job := env.createJob(t)
	env.Source.onPull = func(cursor string) {
		if cursor == "100" {
			_, err := env.Engine.Cancel(env.Ctx, job.ID, "actor")
			require.NoError(t, err)
		}
	}

	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, res.Status)

	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, job.ImportedBatches)
	require.Nil(t, job.TotalBatches)

	batches, err := env.Engine.Batches(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, domain.BatchPushed, batches[0].Status)
	require.Equal(t, domain.BatchPending, batches[1].Status)
	require.Equal(t, 0, batches[1].RawCount)

	items, err := env.Engine.ListWorkItems(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	require.Len(t, items, 100)

	// terminal states are immutable
	_, err = env.Engine.Cancel(env.Ctx, job.ID, "actor")
	var terr domain.TransitionError
	require.ErrorAs(t, err, &terr)

	env.Source.onPull = nil
	_, err = env.Engine.ReRun(env.Ctx, job.ID, "actor")
	require.NoError(t, err)
	res, err = env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, res.Status)

	items, err = env.Engine.ListWorkItems(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	require.Len(t, items, 250)

	attempts, err := env.Engine.Attempts(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", attempts[0].Status)
}

func TestCancelDuringPushRetryIsHonouredAfterPush(t *testing.T) {
	env := newTestEnv(t, 250)
	job := env.createJob(t)
	env.Engine.Config.Engine.Backoff = config.BackoffConfig{Initial: 400 * time.Millisecond, Max: 400 * time.Millisecond, Multiplier: 1}
	env.Pusher.failPush("rec-100", 1)

	// the push transaction is still open when the pusher fails, so cancel from the side
	// while the worker waits out the backoff
	cancelled := make(chan domain.ImportJob, 1)
	cancelErr := make(chan error, 1)
	env.Pusher.onFail = func(string) {
		go func() {
			j, err := env.Engine.Cancel(env.Ctx, job.ID, "actor")
			cancelled <- j
			cancelErr <- err
		}()
	}

	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, <-cancelErr)
	flagged := <-cancelled
	require.True(t, flagged.CancelRequested)
	require.Equal(t, domain.JobPushing, flagged.Status)
	require.Equal(t, domain.JobCancelled, res.Status)

	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, job.Status)
	require.Equal(t, 2, job.ImportedBatches)
	require.Nil(t, job.TotalBatches)

	batches, err := env.Engine.Batches(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, domain.BatchPushed, batches[1].Status)
	require.Equal(t, 1, batches[1].RetryCount)

	// a re-run clears the request and finishes the remaining batch
	job, err = env.Engine.ReRun(env.Ctx, job.ID, "actor")
	require.NoError(t, err)
	require.False(t, job.CancelRequested)
	res, err = env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, res.Status)
	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.False(t, job.CancelRequested)
	require.Equal(t, 3, job.ImportedBatches)
}

// raceLocker reports the lock as held after letting a worker finish the job first.
type raceLocker struct {
	lock.Locker
	before func()
}

func (l *raceLocker) Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	if l.before != nil {
		fn := l.before
		l.before = nil
		fn()
		return lock.ErrHeld
	}
	return l.Locker.Acquire(ctx, jobID, owner, ttl)
}

func TestCancelLosingRaceToFinishIsRejected(t *testing.T) {
	env := newTestEnv(t, 5)
	job := env.createJob(t)
	worker := env.Engine
	env.Engine.Locker = &raceLocker{Locker: worker.Locker, before: func() {
		res, err := worker.AdvanceUntilDone(env.Ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, domain.JobFinished, res.Status)
	}}

	_, err := env.Engine.Cancel(env.Ctx, job.ID, "actor")
	var terr domain.TransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, domain.JobFinished, terr.From)

	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, job.Status)
	require.False(t, job.CancelRequested)
}

func TestCancelWithoutWorkerFinalizesImmediately(t *testing.T) {
	env := newTestEnv(t, 10)
	job := env.createJob(t)

	job, err := env.Engine.Cancel(env.Ctx, job.ID, "actor")
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, job.Status)
	require.NotNil(t, job.FinishedAt)

	res, err := env.Engine.Advance(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, res.Status)
	require.Empty(t, env.Source.pulls)
}

func TestRerunOnlyFromErrorOrCancelled(t *testing.T) {
	env := newTestEnv(t, 10)
	job := env.createJob(t)

	_, err := env.Engine.ReRun(env.Ctx, job.ID, "actor")
	var terr domain.TransitionError
	require.ErrorAs(t, err, &terr)

	_, err = env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	_, err = env.Engine.ReRun(env.Ctx, job.ID, "actor")
	require.ErrorAs(t, err, &terr)
}

func TestRateLimitYieldsWithoutCountingRetry(t *testing.T) {
	env := newTestEnv(t, 150)
	job := env.createJob(t)
	env.Source.failPull("100", domain.RateLimitedError{RetryAfter: time.Minute})

	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.True(t, res.Yield)
	require.Equal(t, time.Minute, res.RetryAfter)
	require.Equal(t, domain.JobPulling, res.Status)

	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)
	require.Equal(t, 1, job.ImportedBatches)

	// not due yet
	res, err = env.Engine.Advance(env.Ctx, job.ID)
	require.NoError(t, err)
	require.True(t, res.Yield)

	later := env.Engine
	later.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res, err = later.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, res.Status)

	batches, err := env.Engine.Batches(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, 0, batches[1].RetryCount)

	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, job.NextRunAt)
}

func TestTransientPullErrorsAreRetried(t *testing.T) {
	env := newTestEnv(t, 50)
	job := env.createJob(t)
	boom := domain.NetworkError{Op: "pull", Err: errors.New("502 bad gateway")}
	env.Source.failPull("", boom, boom)

	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, res.Status)

	batches, err := env.Engine.Batches(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, batches[0].RetryCount)
}

func TestAuthErrorFailsJob(t *testing.T) {
	env := newTestEnv(t, 10)
	job := env.createJob(t)
	env.Source.authErr = domain.AuthError{Source: "jira", Err: errors.New("401 unauthorized")}

	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobError, res.Status)

	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, string(domain.ErrKindAuth), *job.ErrorKind)
	require.Contains(t, *job.Error, "401")
	require.Empty(t, env.Source.pulls)
}

func TestExpiredCredentialFailsJob(t *testing.T) {
	env := newTestEnv(t, 10)
	snap := env.snapshot(t)
	past := time.Now().Add(-time.Hour)
	cred, err := env.Engine.AddCredential(env.Ctx, domain.SourceJira, "secret", &past)
	require.NoError(t, err)
	job, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		ProjectID: env.Project.ID, Source: domain.SourceJira, SnapshotID: snap.ID, CredentialID: cred.ID, ActorID: "actor",
	})
	require.NoError(t, err)

	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobError, res.Status)
	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, string(domain.ErrKindAuth), *job.ErrorKind)
}

func TestCreateRejectsMissingMandatoryMapping(t *testing.T) {
	env := newTestEnv(t, 10)
	snap := env.snapshot(t, domain.EntityMapping{Kind: domain.KindState, SourceKey: "To Do", DestinationKey: env.States[1].ID})

	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		ProjectID: env.Project.ID, Source: domain.SourceJira, SnapshotID: snap.ID, ActorID: "actor",
	})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []domain.MissingMapping{{Kind: domain.KindPriority, SourceKey: "High"}}, verr.Missing)

	jobs, err := env.Engine.List(env.Ctx, repo.JobFilters{})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestCreateRejectsUnsupportedSource(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		ProjectID: env.Project.ID, Source: domain.SourceAsana, SnapshotID: "x", ActorID: "actor",
	})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCreateChecksSeats(t *testing.T) {
	env := newTestEnv(t, 10)
	env.Engine.Config.Quota.Seats = map[string]int{"ws": 1}
	env.Engine = engine.New(env.Engine.DB, env.Engine.Config)
	reg := connector.NewRegistry()
	reg.Register(domain.SourceJira, func(connector.Settings) (connector.Connector, error) { return env.Source, nil })
	env.Engine.Connectors = reg

	// u-bob has no user mapping and would be imported as a new member
	snap, err := env.Engine.CreateSnapshot(env.Ctx, engine.SnapshotOptions{
		ProjectID: env.Project.ID,
		Source:    domain.SourceJira,
		Catalog: domain.Catalog{
			domain.KindState:    {{Key: "To Do"}},
			domain.KindPriority: {{Key: "High"}},
			domain.KindUser:     {{Key: "u-bob", Name: "Bob"}},
		},
		Mappings: []domain.EntityMapping{
			{Kind: domain.KindState, SourceKey: "To Do", DestinationKey: env.States[1].ID},
			{Kind: domain.KindPriority, SourceKey: "High", DestinationKey: "high"},
		},
		ActorID: "actor",
	})
	require.NoError(t, err)

	opts := engine.CreateOptions{ProjectID: env.Project.ID, Source: domain.SourceJira, SnapshotID: snap.ID, ActorID: "actor"}
	_, err = env.Engine.Create(env.Ctx, opts)
	var qerr domain.QuotaError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, 1, qerr.Shortfall)
	require.Equal(t, "importing 1 new users needs 1 more seats (0 available)", qerr.Message)

	opts.SkipUserImport = true
	job, err := env.Engine.Create(env.Ctx, opts)
	require.NoError(t, err)
	require.True(t, job.SkipUserImport)
}

func TestCreateSeatRejectionWithoutMessageNamesShortfall(t *testing.T) {
	seats := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allowed":false,"shortfall":3}`))
	}))
	defer seats.Close()

	env := newTestEnv(t, 1)
	env.Engine.Quota = quota.NewHTTP(seats.URL, time.Second)
	snap, err := env.Engine.CreateSnapshot(env.Ctx, engine.SnapshotOptions{
		ProjectID: env.Project.ID,
		Source:    domain.SourceJira,
		Catalog: domain.Catalog{
			domain.KindState:    {{Key: "To Do"}},
			domain.KindPriority: {{Key: "High"}},
			domain.KindUser:     {{Key: "u-bob", Name: "Bob"}},
		},
		Mappings: []domain.EntityMapping{
			{Kind: domain.KindState, SourceKey: "To Do", DestinationKey: env.States[1].ID},
			{Kind: domain.KindPriority, SourceKey: "High", DestinationKey: "high"},
		},
		ActorID: "actor",
	})
	require.NoError(t, err)

	_, err = env.Engine.Create(env.Ctx, engine.CreateOptions{ProjectID: env.Project.ID, Source: domain.SourceJira, SnapshotID: snap.ID, ActorID: "actor"})
	var qerr domain.QuotaError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, 3, qerr.Shortfall)
	require.Contains(t, err.Error(), "3 more")
}

func TestMappingFailuresLandInErrorReport(t *testing.T) {
	env := newTestEnv(t, 4)
	env.Source.records[1].State = "Limbo"
	env.Source.records[3].Priority = "Someday"
	job := env.createJob(t)

	var buf bytes.Buffer
	err := env.Engine.ErrorReport(env.Ctx, job.ID, &buf)
	require.ErrorIs(t, err, engine.ErrReportUnavailable)

	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, res.Status)

	buf.Reset()
	require.NoError(t, env.Engine.ErrorReport(env.Ctx, job.ID, &buf))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, engine.ReportHeader, rows[0])
	require.Equal(t, []string{"1", "rec-001", "mapping"}, rows[1][:3])
	require.Equal(t, []string{"1", "rec-003", "mapping"}, rows[2][:3])

	items, err := env.Engine.ListWorkItems(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	batches, err := env.Engine.Batches(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, batches[0].PushedCount)
	require.Equal(t, 2, batches[0].FailedCount)
}

func TestSnapshotReadOnlyOnceActive(t *testing.T) {
	env := newTestEnv(t, 3)
	job := env.createJob(t)

	_, err := env.Engine.UpdateSnapshotMappings(env.Ctx, job.MappingSnapshotID, "actor", []domain.EntityMapping{
		{Kind: domain.KindLabel, SourceKey: "backend", DestinationKey: "Backend"},
	})
	require.NoError(t, err)

	_, err = env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)

	_, err = env.Engine.UpdateSnapshotMappings(env.Ctx, job.MappingSnapshotID, "actor", []domain.EntityMapping{
		{Kind: domain.KindLabel, SourceKey: "backend", DestinationKey: "Other"},
	})
	require.ErrorIs(t, err, repo.ErrSnapshotActive)

	labels, err := env.Engine.Repo.ListLabels(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	require.Equal(t, "Backend", labels[0].Name)
}

func TestSnapshotEditedBeforeActivationIsRevalidated(t *testing.T) {
	env := newTestEnv(t, 3)
	job := env.createJob(t)

	// the snapshot passed the queued check; drop a mandatory mapping while the
	// connector authenticates
	env.Source.onAuth = func() {
		_, err := env.Engine.UpdateSnapshotMappings(env.Ctx, job.MappingSnapshotID, "actor", []domain.EntityMapping{
			{Kind: domain.KindPriority, SourceKey: "High", DestinationKey: ""},
		})
		require.NoError(t, err)
	}

	res, err := env.Engine.AdvanceUntilDone(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobError, res.Status)

	job, err = env.Engine.Get(env.Ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, job.ErrorKind)
	require.Equal(t, string(domain.ErrKindValidation), *job.ErrorKind)
	require.Empty(t, env.Source.pulls)

	snap, err := env.Engine.GetSnapshot(env.Ctx, job.MappingSnapshotID)
	require.NoError(t, err)
	require.Nil(t, snap.ActivatedAt)
}

func TestSnapshotSuggestion(t *testing.T) {
	env := newTestEnv(t, 1)
	snap, err := env.Engine.CreateSnapshot(env.Ctx, engine.SnapshotOptions{
		ProjectID: env.Project.ID,
		Source:    domain.SourceJira,
		Discover:  true,
		Suggest:   true,
		Mappings:  []domain.EntityMapping{{Kind: domain.KindState, SourceKey: "To Do", DestinationKey: env.States[0].ID}},
		ActorID:   "actor",
	})
	require.NoError(t, err)

	got := map[domain.MappingKind]domain.EntityMapping{}
	for _, m := range snap.Mappings {
		got[m.Kind] = m
	}
	require.Equal(t, env.States[0].ID, got[domain.KindState].DestinationKey)
	require.Equal(t, "manual", got[domain.KindState].Origin)
	require.Equal(t, "high", got[domain.KindPriority].DestinationKey)
	require.Equal(t, "suggested", got[domain.KindPriority].Origin)
	require.Equal(t, env.Ada.ID, got[domain.KindUser].DestinationKey)
	require.Len(t, snap.Catalog[domain.KindState], 1)
}

func TestAdvanceRefusesHeldJob(t *testing.T) {
	env := newTestEnv(t, 3)
	job := env.createJob(t)
	require.NoError(t, env.Engine.Locker.Acquire(env.Ctx, job.ID, "other-worker", time.Minute))

	_, err := env.Engine.Advance(env.Ctx, job.ID)
	require.ErrorIs(t, err, lock.ErrHeld)

	// cancel falls back to the flag, which the holder honours later
	job, err = env.Engine.Cancel(env.Ctx, job.ID, "actor")
	require.NoError(t, err)
	require.True(t, job.CancelRequested)
	require.Equal(t, domain.JobQueued, job.Status)

	require.NoError(t, env.Engine.Locker.Release(env.Ctx, job.ID, "other-worker"))
	res, err := env.Engine.Advance(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, res.Status)
}
