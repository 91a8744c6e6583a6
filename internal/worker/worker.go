// Package worker executes one pipeline stage over a partitioned set of work items.
//
// Items are assigned round-robin to the admitted number of workers. Each worker opens
// one fetch session, processes its partition sequentially with bounded retry and closes
// the session before the stage returns. A stage always yields one record per item.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// DefaultPayloadTimeout bounds each wait for a structured payload.
const DefaultPayloadTimeout = 30 * time.Second

// Processor adapts one stage's request building and parsing to the runner.
type Processor[R any] interface {
	Stage() harvest.Stage
	Request(item harvest.WorkItem) harvest.FetchRequest
	Parse(item harvest.WorkItem, payload string) (R, error)
	Failed(item harvest.WorkItem, err error) R
}

// ProgressReporter receives the number of items processed so far for a user's stage.
type ProgressReporter interface {
	ProgressRun(userID, runID string, processed int)
}

// Config controls Runner behaviour.
type Config struct {
	PayloadTimeout time.Duration
}

// Job identifies whose stage is running and with how many workers.
type Job struct {
	UserID  string
	RunID   string
	Workers int
}

// Runner owns the collaborators shared by every stage run.
type Runner struct {
	sessions harvest.SessionFactory
	progress ProgressReporter
	retry    RetryPolicy
	cfg      Config
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewRunner constructs a Runner. A nil retry policy uses the defaults.
func NewRunner(
	sessions harvest.SessionFactory,
	progress ProgressReporter,
	retry RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if retry == nil {
		retry = NewFixedRetryPolicy(DefaultMaxAttempts, DefaultBackoff)
	}
	if cfg.PayloadTimeout <= 0 {
		cfg.PayloadTimeout = DefaultPayloadTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		sessions: sessions,
		progress: progress,
		retry:    retry,
		cfg:      cfg,
		logger:   logger.Named("worker"),
		sleep:    sleepContext,
	}
}

// Sessions returns the factory used to open fetch sessions.
func (r *Runner) Sessions() harvest.SessionFactory {
	return r.sessions
}

// Run processes items with job.Workers concurrent workers and blocks until all of them
// have closed their sessions. Records come back in worker-then-index order.
func Run[R any](ctx context.Context, r *Runner, job Job, items []harvest.WorkItem, proc Processor[R]) []R {
	started := time.Now()
	parts := Partition(items, job.Workers)
	results := make([][]R, len(parts))
	var processed atomic.Int64
	var wg sync.WaitGroup

	for w, part := range parts {
		if len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[w] = runPartition(ctx, r, job, w, part, proc, &processed)
		}()
	}
	wg.Wait()

	out := make([]R, 0, len(items))
	for _, res := range results {
		out = append(out, res...)
	}
	metrics.ObserveStage(string(proc.Stage()), time.Since(started))
	return out
}

func runPartition[R any](
	ctx context.Context,
	r *Runner,
	job Job,
	workerIndex int,
	items []harvest.WorkItem,
	proc Processor[R],
	processed *atomic.Int64,
) []R {
	logger := r.logger.With(
		zap.String("user_id", job.UserID),
		zap.String("run_id", job.RunID),
		zap.String("stage", string(proc.Stage())),
		zap.Int("worker", workerIndex),
	)
	out := make([]R, 0, len(items))

	sess, err := r.sessions.Open(ctx)
	if err != nil {
		logger.Warn("open session failed", zap.Error(err))
		cause := fmt.Errorf("%w: open session: %v", harvest.ErrFetchFailure, err)
		for _, item := range items {
			out = append(out, proc.Failed(item, cause))
			metrics.ObserveItem(string(proc.Stage()), false)
			r.reportProgress(job, processed)
		}
		return out
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("close session failed", zap.Error(err))
		}
	}()

	logger.Debug("worker started", zap.Int("items", len(items)))
	for _, item := range items {
		rec, ok := processItem(ctx, r, logger, sess, item, proc)
		out = append(out, rec)
		metrics.ObserveItem(string(proc.Stage()), ok)
		r.reportProgress(job, processed)
	}
	return out
}

func processItem[R any](
	ctx context.Context,
	r *Runner,
	logger *zap.Logger,
	sess harvest.Session,
	item harvest.WorkItem,
	proc Processor[R],
) (R, bool) {
	var lastErr error
	attempt := 0
	for {
		attempt++
		rec, err := attemptOnce(ctx, r, sess, item, proc)
		metrics.ObserveAttempt(string(proc.Stage()), err == nil)
		if err == nil {
			return rec, true
		}
		lastErr = err
		if !r.retry.ShouldRetry(err, attempt) {
			break
		}
		logger.Debug("attempt failed, retrying",
			zap.String("item", item.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := r.sleep(ctx, r.retry.Backoff(attempt)); err != nil {
			lastErr = fmt.Errorf("backoff interrupted: %w", err)
			break
		}
	}
	logger.Warn("item failed",
		zap.String("item", item.ID),
		zap.Int("attempts", attempt),
		zap.Error(lastErr),
	)
	return proc.Failed(item, fmt.Errorf("%w after %d attempts: %v", harvest.ErrRetryExhausted, attempt, lastErr)), false
}

func attemptOnce[R any](
	ctx context.Context,
	r *Runner,
	sess harvest.Session,
	item harvest.WorkItem,
	proc Processor[R],
) (R, error) {
	var zero R
	if err := sess.Fetch(ctx, proc.Request(item)); err != nil {
		return zero, fmt.Errorf("fetch %s: %w", item.ID, err)
	}
	payload, err := sess.AwaitPayload(ctx, r.cfg.PayloadTimeout)
	if err != nil {
		return zero, fmt.Errorf("await payload %s: %w", item.ID, err)
	}
	rec, err := proc.Parse(item, payload)
	if err != nil {
		return zero, fmt.Errorf("parse %s: %w", item.ID, err)
	}
	return rec, nil
}

func (r *Runner) reportProgress(job Job, processed *atomic.Int64) {
	n := processed.Add(1)
	if r.progress != nil {
		r.progress.ProgressRun(job.UserID, job.RunID, int(n))
	}
}
