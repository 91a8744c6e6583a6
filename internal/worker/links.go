package worker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// Link collection defaults.
const (
	DefaultMaxProducts = 100
	DefaultMaxPages    = 20
)

// LinkConfig bounds a category walk.
type LinkConfig struct {
	BaseURL     string
	MaxProducts int
	MaxPages    int
}

// CollectLinks walks a category's result pages on a single session and returns the
// distinct product links in discovery order. It stops at MaxProducts links, at the first
// page that adds nothing new, or after MaxPages pages.
func CollectLinks(ctx context.Context, r *Runner, job Job, categoryURL string, cfg LinkConfig) ([]extract.Link, error) {
	if cfg.MaxProducts <= 0 {
		cfg.MaxProducts = DefaultMaxProducts
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	target, err := url.Parse(categoryURL)
	if err != nil {
		return nil, fmt.Errorf("parse category url: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = target.Scheme + "://" + target.Host
	}
	logger := r.logger.With(
		zap.String("user_id", job.UserID),
		zap.String("run_id", job.RunID),
		zap.String("stage", string(harvest.StageLinks)),
	)

	sess, err := r.sessions.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", harvest.ErrFetchFailure, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("close session failed", zap.Error(err))
		}
	}()

	seen := make(map[string]int)
	var links []extract.Link
	for page := 1; page <= cfg.MaxPages && len(links) < cfg.MaxProducts; page++ {
		found, err := collectPage(ctx, r, sess, target, cfg.BaseURL, page)
		metrics.ObserveItem(string(harvest.StageLinks), err == nil)
		if err != nil {
			logger.Warn("category page failed", zap.Int("page", page), zap.Error(err))
			break
		}
		added := 0
		for _, link := range found {
			if idx, ok := seen[link.URL]; ok {
				if links[idx].ImageURL == "" {
					links[idx].ImageURL = link.ImageURL
				}
				continue
			}
			if len(links) >= cfg.MaxProducts {
				break
			}
			seen[link.URL] = len(links)
			links = append(links, link)
			added++
		}
		logger.Debug("category page collected", zap.Int("page", page), zap.Int("added", added), zap.Int("total", len(links)))
		if r.progress != nil {
			r.progress.ProgressRun(job.UserID, job.RunID, len(links))
		}
		if added == 0 {
			break
		}
	}
	return links, nil
}

func collectPage(
	ctx context.Context,
	r *Runner,
	sess harvest.Session,
	target *url.URL,
	baseURL string,
	page int,
) ([]extract.Link, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		links, err := fetchPageLinks(ctx, r, sess, target, baseURL, page)
		metrics.ObserveAttempt(string(harvest.StageLinks), err == nil)
		if err == nil {
			return links, nil
		}
		lastErr = err
		if !r.retry.ShouldRetry(err, attempt) {
			return nil, fmt.Errorf("%w after %d attempts: %v", harvest.ErrRetryExhausted, attempt, lastErr)
		}
		if err := r.sleep(ctx, r.retry.Backoff(attempt)); err != nil {
			return nil, fmt.Errorf("backoff interrupted: %w", err)
		}
	}
}

func fetchPageLinks(
	ctx context.Context,
	r *Runner,
	sess harvest.Session,
	target *url.URL,
	baseURL string,
	page int,
) ([]extract.Link, error) {
	pagePath := pageURL(target, page)
	err := sess.Fetch(ctx, harvest.FetchRequest{
		URL:    ComposerURL(baseURL, pagePath),
		Stage:  harvest.StageLinks,
		ItemID: strconv.Itoa(page),
	})
	if err == nil {
		payload, perr := sess.AwaitPayload(ctx, r.cfg.PayloadTimeout)
		if perr == nil {
			if p, parseErr := extract.ParsePayload(payload); parseErr == nil {
				if links := extract.LinksFromPayload(p, baseURL); len(links) > 0 {
					return links, nil
				}
			}
		}
	}

	// Composer gave nothing usable; read product anchors from the rendered page.
	if err := sess.Fetch(ctx, harvest.FetchRequest{
		URL:    baseURL + pagePath,
		Stage:  harvest.StageLinks,
		ItemID: strconv.Itoa(page),
	}); err != nil {
		return nil, fmt.Errorf("fetch category page %d: %w", page, err)
	}
	html, err := sess.Page(ctx)
	if err != nil {
		return nil, fmt.Errorf("read category page %d: %w", page, err)
	}
	if extract.IsBlocked(html) {
		return nil, fmt.Errorf("category page %d: %w", page, harvest.ErrBlocked)
	}
	return extract.LinksFromHTML(html, baseURL), nil
}

func pageURL(target *url.URL, page int) string {
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		return path + "?" + target.RawQuery + "&page=" + strconv.Itoa(page)
	}
	return path + "?page=" + strconv.Itoa(page)
}
