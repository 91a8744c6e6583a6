// Package collyfetcher opens plain HTTP fetch sessions backed by gocolly. It suits the
// JSON composer endpoint when no browser rendering is needed.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// DefaultTimeout bounds one HTTP request.
const DefaultTimeout = 15 * time.Second

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// Factory opens one collector per session. Collectors share the HTTP transport and cookie jar.
type Factory struct {
	cfg     Config
	base    *colly.Collector
	limiter Limiter
	logger  *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Factory. A nil limiter disables pacing.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Factory{cfg: cfg, base: c, limiter: limiter, logger: logger.Named("colly")}
}

// Open implements harvest.SessionFactory.
func (f *Factory) Open(context.Context) (harvest.Session, error) {
	return &Session{factory: f, collector: f.base.Clone()}, nil
}

// Session is a single-goroutine HTTP fetch session.
type Session struct {
	factory   *Factory
	collector *colly.Collector
	status    int
	body      string
}

// Fetch issues a GET and keeps the body for AwaitPayload and Page.
func (s *Session) Fetch(ctx context.Context, req harvest.FetchRequest) error {
	if s.factory.limiter != nil {
		if err := s.factory.limiter.Wait(ctx, req.URL); err != nil {
			return err
		}
	}
	s.status, s.body = 0, ""
	c := s.collector.Clone()
	res := &visitResult{}
	s.configureHooks(c, req, res)

	got, err := runCollector(ctx, c, req.URL, res)
	if got != nil {
		s.status, s.body = got.status, got.body
	}
	metrics.ObserveFetch(req.URL, err == nil)
	if err != nil {
		s.factory.logger.Debug("fetch failed",
			zap.String("url", req.URL),
			zap.String("stage", string(req.Stage)),
			zap.Int("status", s.status),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", harvest.ErrFetchFailure, err)
	}
	return nil
}

// visitResult is written only by the goroutine running Visit.
type visitResult struct {
	status int
	body   string
	err    error
}

func (s *Session) configureHooks(hooks collectorHooks, req harvest.FetchRequest, res *visitResult) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(s.factory.cfg.Headers, r)
		copyHeaders(req.Headers, r)
	})
	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = string(r.Body)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		res.err = err
	})
}

// AwaitPayload returns the structured payload of the last response. Plain HTTP has
// nothing to wait for, so the timeout is unused.
func (s *Session) AwaitPayload(ctx context.Context, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if text, ok := extract.ExtractJSON(s.body); ok && extract.HasWidgetStates(text) {
		return text, nil
	}
	if extract.IsBlocked(s.body) {
		return "", harvest.ErrBlocked
	}
	return "", harvest.ErrPayloadMissing
}

// Page returns the last response body.
func (s *Session) Page(context.Context) (string, error) {
	return s.body, nil
}

// Close implements harvest.Session. Collectors hold no per-session resources.
func (s *Session) Close() error {
	return nil
}

// runCollector returns res once Visit has finished with it. On cancellation it returns
// nil and leaves res to the abandoned visit.
func runCollector(ctx context.Context, collector *colly.Collector, url string, res *visitResult) (*visitResult, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return res, fmt.Errorf("colly visit failed: %w", err)
		}
		if res.err != nil {
			return res, fmt.Errorf("colly response failed: %w", res.err)
		}
		return res, nil
	}
}

func copyHeaders(src http.Header, r *colly.Request) {
	for key, values := range src {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
