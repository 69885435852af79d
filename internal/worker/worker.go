// Package worker runs jobs in the background. Workers are stateless: everything they
// need is read from the job store, and the engine's job lock keeps two processes off
// the same job.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"wlmigrate/internal/domain"
	"wlmigrate/internal/engine"
	"wlmigrate/internal/lock"
)

// Advancer steps a job forward.
type Advancer interface {
	Advance(ctx context.Context, jobID string) (engine.AdvanceResult, error)
}

// Queue lists jobs that are due and unlocked.
type Queue interface {
	RunnableJobIDs(ctx context.Context, now string, limit int) ([]string, error)
}

type Pool struct {
	Engine       Advancer
	Queue        Queue
	Concurrency  int
	PollInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

func New(eng Advancer, q Queue, concurrency int, poll time.Duration, logger *slog.Logger) *Pool {
	return &Pool{Engine: eng, Queue: q, Concurrency: concurrency, PollInterval: poll, Logger: logger, Now: time.Now}
}

func (p *Pool) concurrency() int {
	if p.Concurrency <= 0 {
		return 1
	}
	return p.Concurrency
}

func (p *Pool) log() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p.Logger
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run polls for runnable jobs until ctx is done, then waits for in-flight jobs to stop.
func (p *Pool) Run(ctx context.Context) error {
	poll := p.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	var workers errgroup.Group
	workers.SetLimit(p.concurrency())
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	p.log().Info("worker pool started", "concurrency", p.concurrency(), "poll", poll)
	for {
		if err := p.dispatch(ctx, &workers); err != nil && ctx.Err() == nil {
			p.log().Error("list runnable jobs", "err", err)
		}
		select {
		case <-ctx.Done():
			_ = workers.Wait()
			p.log().Info("worker pool stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce drives every currently runnable job until it is terminal or yields and returns
// how many jobs it picked up.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	var workers errgroup.Group
	workers.SetLimit(p.concurrency())
	n, err := p.schedule(ctx, &workers, func(g *errgroup.Group, f func() error) bool {
		g.Go(f)
		return true
	})
	werr := workers.Wait()
	if err != nil {
		return n, err
	}
	return n, werr
}

func (p *Pool) dispatch(ctx context.Context, g *errgroup.Group) error {
	_, err := p.schedule(ctx, g, (*errgroup.Group).TryGo)
	return err
}

// schedule claims runnable jobs and hands them to g through start. A job already being
// driven by this pool is skipped.
func (p *Pool) schedule(ctx context.Context, g *errgroup.Group, start func(*errgroup.Group, func() error) bool) (int, error) {
	ids, err := p.Queue.RunnableJobIDs(ctx, domain.FormatTime(p.now()), 2*p.concurrency())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if !p.claim(id) {
			continue
		}
		ok := start(g, func() error {
			defer p.unclaim(id)
			return p.drive(ctx, id)
		})
		if !ok {
			p.unclaim(id)
			break
		}
		n++
	}
	return n, nil
}

func (p *Pool) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight == nil {
		p.inflight = map[string]bool{}
	}
	if p.inflight[id] {
		return false
	}
	p.inflight[id] = true
	return true
}

func (p *Pool) unclaim(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

// drive advances one job until it is terminal, yields or another worker holds it.
// Job failures are recorded on the job, so only cancellation is returned.
func (p *Pool) drive(ctx context.Context, id string) error {
	for {
		res, err := p.Engine.Advance(ctx, id)
		switch {
		case errors.Is(err, lock.ErrHeld):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			p.log().Error("advance job", "job", id, "err", err)
			return nil
		case res.Yield:
			p.log().Debug("job yielded", "job", id, "retry_after", res.RetryAfter)
			return nil
		case res.Status.Terminal():
			p.log().Info("job done", "job", id, "status", res.Status)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
