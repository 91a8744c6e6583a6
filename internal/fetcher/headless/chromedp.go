// Package headless opens browser-backed fetch sessions with chromedp. Each session owns
// one Chrome instance, hides the usual automation markers, and waits out antibot
// interstitials before handing the page back.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// Defaults for antibot handling and payload polling.
const (
	DefaultNavigationTimeout = 60 * time.Second
	DefaultAntibotWait       = 240 * time.Second
	DefaultReloadAttempts    = 3
	DefaultReloadPause       = 15 * time.Second
	DefaultPollInterval      = 2500 * time.Millisecond
)

const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

// Limiter paces navigations per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the behavior of headless sessions.
type Config struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	AntibotWait       time.Duration
	ReloadAttempts    int
	ReloadPause       time.Duration
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.AntibotWait <= 0 {
		c.AntibotWait = DefaultAntibotWait
	}
	if c.ReloadAttempts < 0 {
		c.ReloadAttempts = DefaultReloadAttempts
	}
	if c.ReloadPause <= 0 {
		c.ReloadPause = DefaultReloadPause
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Factory launches one browser per session from a shared allocator.
type Factory struct {
	cfg         Config
	limiter     Limiter
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a session factory backed by chromedp. A nil limiter disables pacing.
func NewChromedp(cfg Config, limiter Limiter, logger *zap.Logger) *Factory {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Factory{
		cfg:         cfg,
		limiter:     limiter,
		logger:      logger.Named("headless"),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-plugins", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(1920, 1080),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Close shuts down every browser launched by the factory.
func (f *Factory) Close() {
	f.allocCancel()
}

// Open starts a browser and installs the stealth script.
func (f *Factory) Open(ctx context.Context) (harvest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(f.allocator)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(ctx)
			return err
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	s := &Session{factory: f, tab: tabCtx, cancel: cancel, meta: meta}
	s.read = s.outerHTML
	s.reload = s.reloadPage
	s.sleep = sleepContext
	return s, nil
}

// Session drives one browser. It is used by one goroutine at a time.
type Session struct {
	factory *Factory
	tab     context.Context
	cancel  context.CancelFunc
	meta    *responseMeta

	read   func(ctx context.Context) (string, error)
	reload func(ctx context.Context) error
	sleep  func(ctx context.Context, d time.Duration) error
}

// Fetch navigates to the request URL and waits until the page is past any antibot
// interstitial.
func (s *Session) Fetch(ctx context.Context, req harvest.FetchRequest) error {
	if s.factory.limiter != nil {
		if err := s.factory.limiter.Wait(ctx, req.URL); err != nil {
			return err
		}
	}
	err := s.navigate(ctx, req)
	if err == nil {
		err = s.passAntibot(ctx)
	}
	metrics.ObserveFetch(req.URL, err == nil)
	if err != nil {
		status, url := s.meta.snapshotWithFallbacks(req.URL, "")
		s.factory.logger.Debug("fetch failed",
			zap.String("url", url),
			zap.String("stage", string(req.Stage)),
			zap.Int("status", status),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Session) navigate(ctx context.Context, req harvest.FetchRequest) error {
	navCtx, cancel := s.bound(ctx, s.factory.cfg.NavigationTimeout)
	defer cancel()
	actions := []chromedp.Action{}
	if len(req.Headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(toNetworkHeaders(req.Headers)))
	}
	actions = append(actions,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err := chromedp.Run(navCtx, actions...); err != nil {
		return fmt.Errorf("%w: navigate %s: %v", harvest.ErrFetchFailure, req.URL, err)
	}
	return nil
}

// passAntibot reloads a blocked page up to ReloadAttempts times, pausing ReloadPause
// after each reload, and gives up after AntibotWait.
func (s *Session) passAntibot(ctx context.Context) error {
	cfg := s.factory.cfg
	deadline := time.Now().Add(cfg.AntibotWait)
	reloads := 0
	for time.Now().Before(deadline) {
		html, err := s.read(ctx)
		if err == nil && !extract.IsBlocked(html) {
			return nil
		}
		if err == nil {
			if reloads >= cfg.ReloadAttempts {
				return fmt.Errorf("%w after %d reloads", harvest.ErrBlocked, reloads)
			}
			reloads++
			s.factory.logger.Info("antibot page detected, reloading",
				zap.Int("attempt", reloads),
				zap.Int("max_attempts", cfg.ReloadAttempts),
			)
			if rerr := s.reload(ctx); rerr != nil {
				s.factory.logger.Debug("reload failed", zap.Error(rerr))
			}
		}
		if serr := s.sleep(ctx, cfg.ReloadPause); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%w: antibot wait of %s elapsed", harvest.ErrBlocked, cfg.AntibotWait)
}

// AwaitPayload polls the page until it carries a widgetStates payload or timeout passes.
func (s *Session) AwaitPayload(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		html, err := s.read(ctx)
		if err == nil {
			if text, ok := extract.ExtractJSON(html); ok && extract.HasWidgetStates(text) {
				return text, nil
			}
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w within %s", harvest.ErrPayloadMissing, timeout)
		}
		if err := s.sleep(ctx, s.factory.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

// Page returns the current document's outer HTML.
func (s *Session) Page(ctx context.Context) (string, error) {
	return s.read(ctx)
}

// Close shuts the browser down.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Session) outerHTML(ctx context.Context) (string, error) {
	readCtx, cancel := s.bound(ctx, s.factory.cfg.NavigationTimeout)
	defer cancel()
	var html string
	if err := chromedp.Run(readCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return html, nil
}

func (s *Session) reloadPage(ctx context.Context) error {
	reloadCtx, cancel := s.bound(ctx, s.factory.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(reloadCtx, chromedp.Reload()); err != nil {
		return fmt.Errorf("reload page: %w", err)
	}
	return nil
}

// bound derives a chromedp context from the tab that also ends when ctx does.
func (s *Session) bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	tabCtx, cancel := context.WithTimeout(s.tab, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return tabCtx, func() {
		stop()
		cancel()
	}
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

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
