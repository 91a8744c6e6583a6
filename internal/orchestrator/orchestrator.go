// Package orchestrator owns per-user harvest jobs: start, stop, restart, status, and the
// three-stage job body with its cancellation checkpoints.
//
// Every job runs on its own goroutine under a context derived from a shared stop
// context. Stopping a user cancels that job's context; stopping the last active user also
// cancels the shared one. Stages never observe cancellation mid-item: they run on a
// context detached from cancellation, and the job checks for cancellation only between
// stages and before each post-processing step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/notify"
	"github.com/JakeFAU/catalog-harvester/internal/report"
	"github.com/JakeFAU/catalog-harvester/internal/scheduler"
	"github.com/JakeFAU/catalog-harvester/internal/worker"
)

const instrumentationName = "github.com/JakeFAU/catalog-harvester/internal/orchestrator"

// ErrInvalidJob marks a start or restart request with a missing user or unusable target.
var ErrInvalidJob = errors.New("invalid job request")

// DefaultRestartGrace is the pause between stopping and restarting a user's job.
const DefaultRestartGrace = 3 * time.Second

// Scheduler is the subset of the resource scheduler the orchestrator needs.
type Scheduler interface {
	AdmitRun(userID, runID string, stage harvest.Stage, itemCount int) int
	Release(userID string)
	Snapshot() scheduler.Snapshot
}

// Config controls job behaviour.
type Config struct {
	BaseURL       string
	MaxProducts   int
	MaxLinkPages  int
	RestartGrace  time.Duration
	DefaultFields []string
}

// Status answers getStatus for one user.
type Status struct {
	UserID      string             `json:"user_id"`
	Active      bool               `json:"active"`
	ActiveUsers int                `json:"active_users"`
	LastStats   *harvest.Stats     `json:"last_stats,omitempty"`
	Scheduler   scheduler.Snapshot `json:"scheduler"`
}

type job struct {
	runID     string
	targetURL string
	fields    []string
	cancel    context.CancelFunc
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	sched    Scheduler
	runner   *worker.Runner
	writers  []report.Writer
	notifier notify.Emitter
	ids      harvest.IDGenerator
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	jobTime  metric.Float64Histogram
	sleep    func(context.Context, time.Duration) error

	mu         sync.Mutex
	jobs       map[string]*job
	results    map[string]harvest.ResultBundle
	stopCtx    context.Context
	stopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for timestamps and statistics.
func WithClock(c harvest.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithNotifier sets the event sink.
func WithNotifier(n notify.Emitter) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithReportWriters sets the collaborators that persist completed bundles.
func WithReportWriters(w ...report.Writer) Option {
	return func(o *Orchestrator) { o.writers = append(o.writers, w...) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New constructs an Orchestrator.
func New(sched Scheduler, runner *worker.Runner, ids harvest.IDGenerator, cfg Config, opts ...Option) *Orchestrator {
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = DefaultRestartGrace
	}
	o := &Orchestrator{
		sched:   sched,
		runner:  runner,
		ids:     ids,
		clock:   system.New(),
		cfg:     cfg,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
		sleep:   sleepContext,
		jobs:    make(map[string]*job),
		results: make(map[string]harvest.ResultBundle),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	hist, err := otel.Meter(instrumentationName).Float64Histogram(
		"harvester.job.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of completed harvest jobs."),
	)
	if err != nil {
		o.logger.Warn("job duration instrument unavailable", zap.Error(err))
	}
	o.jobTime = hist
	return o
}

// StartJob launches a job for userID unless one is already active, in which case it
// returns harvest.ErrAdmissionRejected and changes nothing.
func (o *Orchestrator) StartJob(userID, targetURL string, fields []string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidJob)
	}
	if err := validateTarget(targetURL); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.jobs[userID]; ok {
		return fmt.Errorf("start job for %s: %w", userID, harvest.ErrAdmissionRejected)
	}
	j := &job{targetURL: targetURL, fields: report.NormalizeFields(fields, o.cfg.DefaultFields)}
	o.jobs[userID] = j

	runID, err := o.ids.NewID()
	if err != nil {
		delete(o.jobs, userID)
		return fmt.Errorf("start job for %s: %w", userID, err)
	}
	j.runID = runID

	if o.stopCtx == nil || o.stopCtx.Err() != nil {
		o.stopCtx, o.stopCancel = context.WithCancel(context.Background())
	}
	ctx, cancel := context.WithCancel(o.stopCtx)
	j.cancel = cancel

	o.wg.Add(1)
	go o.run(ctx, userID, j)
	o.logger.Info("job started",
		zap.String("user_id", userID),
		zap.String("run_id", runID),
		zap.String("url", targetURL),
		zap.Strings("fields", j.fields),
	)
	return nil
}

// StopJob removes userID from the active set and reports whether it was active. The
// running stage finishes before the job observes the stop.
func (o *Orchestrator) StopJob(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[userID]
	if !ok {
		return false
	}
	delete(o.jobs, userID)
	j.cancel()
	o.logger.Info("job stop requested", zap.String("user_id", userID), zap.String("run_id", j.runID))
	o.cancelSharedIfIdleLocked()
	return true
}

// StopAll stops every active job and returns how many were active.
func (o *Orchestrator) StopAll() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.jobs)
	for userID, j := range o.jobs {
		delete(o.jobs, userID)
		j.cancel()
	}
	o.cancelSharedIfIdleLocked()
	if n > 0 {
		o.logger.Info("all jobs stop requested", zap.Int("jobs", n))
	}
	return n
}

func (o *Orchestrator) cancelSharedIfIdleLocked() {
	if len(o.jobs) == 0 && o.stopCancel != nil {
		o.stopCancel()
	}
}

// RestartJob stops the user's job, waits the restart grace period, and starts a new one.
func (o *Orchestrator) RestartJob(ctx context.Context, userID, targetURL string, fields []string) error {
	if err := validateTarget(targetURL); err != nil {
		return err
	}
	o.StopJob(userID)
	if err := o.sleep(ctx, o.cfg.RestartGrace); err != nil {
		return fmt.Errorf("restart grace: %w", err)
	}
	return o.StartJob(userID, targetURL, fields)
}

// Status reports whether userID is active, the number of active users, the user's last
// bundle statistics, and the scheduler snapshot.
func (o *Orchestrator) Status(userID string) Status {
	o.mu.Lock()
	st := Status{UserID: userID, ActiveUsers: len(o.jobs)}
	_, st.Active = o.jobs[userID]
	if b, ok := o.results[userID]; ok {
		stats := b.Stats
		st.LastStats = &stats
	}
	o.mu.Unlock()
	st.Scheduler = o.sched.Snapshot()
	return st
}

// Result returns the user's most recent completed bundle.
func (o *Orchestrator) Result(userID string) (harvest.ResultBundle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.results[userID]
	return b, ok
}

// ActiveUsers returns the users with an active job.
func (o *Orchestrator) ActiveUsers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.jobs))
	for id := range o.jobs {
		out = append(out, id)
	}
	return out
}

// Shutdown stops every job and waits for job goroutines to exit or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.StopAll()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

func validateTarget(targetURL string) error {
	u, err := url.Parse(strings.TrimSpace(targetURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: target url %q", ErrInvalidJob, targetURL)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
