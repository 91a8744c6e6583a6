// Package server builds the harvester's dependency graph and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	collyfetcher "github.com/JakeFAU/catalog-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/catalog-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/id/uuid"
	"github.com/JakeFAU/catalog-harvester/internal/logging"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/notify"
	"github.com/JakeFAU/catalog-harvester/internal/notify/sinks"
	"github.com/JakeFAU/catalog-harvester/internal/orchestrator"
	"github.com/JakeFAU/catalog-harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/catalog-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/catalog-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-harvester/internal/report"
	"github.com/JakeFAU/catalog-harvester/internal/report/excel"
	"github.com/JakeFAU/catalog-harvester/internal/scheduler"
	gcsstorage "github.com/JakeFAU/catalog-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-harvester/internal/storage/memory"
	"github.com/JakeFAU/catalog-harvester/internal/telemetry"
	"github.com/JakeFAU/catalog-harvester/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registerer   prometheus.Registerer
	apiServer    *api.Server
	sched        *scheduler.Scheduler
	orch         *orchestrator.Orchestrator
	hub          *notify.Hub
	fetcher      harvest.SessionFactory
	gcppub       *gcppublisher.Publisher
	storage      *storage.Client
	telemetry    *telemetry.Providers
	closing      atomic.Bool
	schedCancel  context.CancelFunc
	schedStopped chan struct{}
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer sends Prometheus collectors to reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithLogger replaces the logger Build would otherwise create from config.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	type sanitizedConfig struct {
		ServerPort   int    `json:"server_port"`
		FetchDriver  string `json:"fetch_driver"`
		NotifyDriver string `json:"notify_driver"`
		TotalWorkers int    `json:"total_workers"`
		AuthEnabled  bool   `json:"auth_enabled"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort:   cfg.Server.Port,
		FetchDriver:  cfg.Fetch.Driver,
		NotifyDriver: cfg.Notify.Driver,
		TotalWorkers: cfg.Scheduler.TotalWorkers,
		AuthEnabled:  cfg.Auth.Enabled,
	}))
	return &App{
		cfg:        cfg,
		logger:     logger,
		registerer: prometheus.DefaultRegisterer,
	}
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled or a termination signal arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a.serve(ctx, stop, srv, func() error { return srv.ListenAndServe() })
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a.serve(ctx, stop, srv, func() error { return srv.Serve(ln) })
}

func (a *App) serve(ctx context.Context, stop context.CancelFunc, srv *http.Server, listen func() error) error {
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.closing.Store(true)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(err, closeErr)
	default:
		return closeErr
	}
}

// Close stops running jobs and releases every client. It is safe to call once.
func (a *App) Close(ctx context.Context) error {
	a.closing.Store(true)
	var errs []error
	if a.orch != nil {
		if err := a.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
	}
	if a.schedCancel != nil {
		a.schedCancel()
		<-a.schedStopped
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("notify hub close failed", zap.Error(err))
		}
	}
	if closer, ok := a.fetcher.(interface{ Close() }); ok {
		closer.Close()
	}
	if a.gcppub != nil {
		if err := a.gcppub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *App) ready(context.Context) error {
	if a.closing.Load() {
		return errors.New("shutting down")
	}
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	seed := &App{}
	for _, opt := range opts {
		opt(seed)
	}
	logger := seed.logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := NewApp(cfg, logger)
	if seed.registerer != nil {
		app.registerer = seed.registerer
	}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		_ = app.telemetry.Shutdown(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger
	var err error

	metrics.Init()
	a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Telemetry.ProjectID,
		Registerer:  a.registerer,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}

	a.logger.Info("building application dependencies")
	clock := system.New()

	a.sched = scheduler.New(scheduler.Config{
		TotalWorkers:   cfg.Scheduler.TotalWorkers,
		MinPerUser:     cfg.Scheduler.MinPerUser,
		MaxPerUser:     cfg.Scheduler.MaxPerUser,
		SessionTimeout: cfg.Scheduler.SessionTimeout,
		SweepInterval:  cfg.Scheduler.SweepInterval,
	}, clock, logger.Named("scheduler"))

	a.fetcher = setupFetcher(a)

	blobStore, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}

	a.hub, err = setupNotify(ctx, a)
	if err != nil {
		return err
	}

	writers := []report.Writer{report.NewJSONWriter(blobStore)}
	if cfg.Output.Excel {
		writers = append(writers, excel.NewWriter(blobStore))
	}

	runner := worker.NewRunner(
		a.fetcher,
		a.sched,
		worker.NewFixedRetryPolicy(cfg.Pipeline.MaxAttempts, cfg.Pipeline.RetryBackoff),
		worker.Config{PayloadTimeout: cfg.Pipeline.PayloadTimeout},
		logger,
	)
	a.orch = orchestrator.New(a.sched, runner, uuid.New(), orchestrator.Config{
		BaseURL:       cfg.Fetch.BaseURL,
		MaxProducts:   cfg.Pipeline.MaxProducts,
		MaxLinkPages:  cfg.Pipeline.MaxLinkPages,
		RestartGrace:  cfg.Pipeline.RestartGrace,
		DefaultFields: cfg.Pipeline.DefaultFields,
	},
		orchestrator.WithClock(clock),
		orchestrator.WithNotifier(a.hub),
		orchestrator.WithReportWriters(writers...),
		orchestrator.WithLogger(logger),
	)

	a.apiServer = api.NewServer(a.orch, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		AllowedUsers:   cfg.Auth.AllowedUsers,
		RequestTimeout: cfg.Pipeline.RestartGrace + 30*time.Second,
		Ready:          a.ready,
	}, logger)

	schedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.schedCancel = cancel
	a.schedStopped = make(chan struct{})
	go func() {
		defer close(a.schedStopped)
		a.sched.Run(schedCtx)
	}()

	return nil
}

func setupFetcher(app *App) harvest.SessionFactory {
	fc := app.cfg.Fetch
	limiter := ratelimit.New(ratelimit.Config{RPS: fc.RatePerSecond, Burst: fc.Burst})
	if fc.Driver == config.DriverHTTP {
		app.logger.Info("using colly fetch sessions", zap.String("user_agent", fc.UserAgent))
		return collyfetcher.New(collyfetcher.Config{
			UserAgent: fc.UserAgent,
			Timeout:   fc.Timeout,
		}, limiter, app.logger)
	}
	app.logger.Info("using headless fetch sessions",
		zap.Bool("headless", fc.Headless),
		zap.Duration("antibot_wait", fc.AntibotWait),
		zap.Int("reload_attempts", fc.ReloadAttempts),
	)
	return headlessfetcher.NewChromedp(headlessfetcher.Config{
		Headless:          fc.Headless,
		UserAgent:         fc.UserAgent,
		NavigationTimeout: fc.Timeout,
		AntibotWait:       fc.AntibotWait,
		ReloadAttempts:    fc.ReloadAttempts,
		ReloadPause:       fc.ReloadPause,
	}, limiter, app.logger)
}

func setupStorage(ctx context.Context, app *App) (harvest.BlobStore, error) {
	out := app.cfg.Output
	if out.Memory {
		app.logger.Warn("using in-memory report storage; artifacts are lost on exit")
		return memorystorage.NewBlobStore(), nil
	}
	if out.GCSBucket != "" {
		app.logger.Info("using GCS report storage", zap.String("bucket", out.GCSBucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: out.GCSBucket, Prefix: out.GCSPrefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	}
	app.logger.Info("using local report storage", zap.String("path", out.RootDir))
	store, err := localstorage.New(localstorage.Config{BaseDir: out.RootDir})
	if err != nil {
		return nil, fmt.Errorf("local blob store init failed: %w", err)
	}
	return store, nil
}

func setupNotify(ctx context.Context, app *App) (*notify.Hub, error) {
	nc := app.cfg.Notify
	promSink, err := sinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []notify.Sink{
		sinks.NewLogSink(app.logger.Named("notify_log")),
		promSink,
	}

	switch nc.Driver {
	case config.NotifyPubSub:
		app.gcppub, err = gcppublisher.Dial(ctx, nc.ProjectID, nc.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		sinkList = append(sinkList, sinks.NewPublisherSink(app.gcppub, nc.Topic))
		app.logger.Info("pubsub notifications enabled",
			zap.String("project", nc.ProjectID),
			zap.String("topic", nc.Topic),
		)
	case config.NotifyMemory:
		sinkList = append(sinkList, sinks.NewPublisherSink(memorypublisher.New(), nc.Topic))
		app.logger.Info("in-memory notifications enabled", zap.String("topic", nc.Topic))
	}

	hubCfg := notify.Config{
		BufferSize:     nc.BufferSize,
		MaxBatchEvents: nc.BatchSize,
		MaxBatchWait:   nc.FlushInterval,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger,
	}
	app.logger.Info("notify hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return notify.NewHub(hubCfg, sinkList...), nil
}
