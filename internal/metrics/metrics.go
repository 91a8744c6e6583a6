// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	schedulerActiveSessions    prometheus.Gauge
	schedulerAllocatedWorkers  prometheus.Gauge
	schedulerReapedTotal       prometheus.Counter
	harvestItemsTotal          *prometheus.CounterVec
	harvestAttemptsTotal       *prometheus.CounterVec
	harvestJobsTotal           *prometheus.CounterVec
	harvestStageDuration       *prometheus.HistogramVec
	harvestFetchTotal          *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		schedulerActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_scheduler_active_sessions",
			Help: "Number of user sessions currently holding a worker allocation.",
		})

		schedulerAllocatedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_scheduler_allocated_workers",
			Help: "Sum of worker allocations across all active sessions.",
		})

		schedulerReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvester_scheduler_reaped_sessions_total",
			Help: "Sessions removed by the timeout sweep.",
		})

		harvestItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Work items processed, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		harvestAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_item_attempts_total",
				Help: "Extraction attempts, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		harvestJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Jobs finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvestStageDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_stage_duration_seconds",
				Help:    "Wall time per pipeline stage.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage"},
		)

		harvestFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_total",
				Help: "Fetches issued by sessions, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Time fetches spent waiting on the per-site rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSchedulerState records the scheduler's current occupancy.
func SetSchedulerState(active, allocated int) {
	Init()
	schedulerActiveSessions.Set(float64(active))
	schedulerAllocatedWorkers.Set(float64(allocated))
}

// ObserveReaped counts sessions removed by the timeout sweep.
func ObserveReaped(n int) {
	Init()
	schedulerReapedTotal.Add(float64(n))
}

// ObserveItem counts one finished work item.
func ObserveItem(stage string, success bool) {
	Init()
	harvestItemsTotal.WithLabelValues(stage, resultLabel(success)).Inc()
}

// ObserveAttempt counts one extraction attempt.
func ObserveAttempt(stage string, success bool) {
	Init()
	harvestAttemptsTotal.WithLabelValues(stage, resultLabel(success)).Inc()
}

// ObserveJob counts a finished job by outcome (completed, aborted, canceled).
func ObserveJob(outcome string) {
	Init()
	harvestJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a stage ran.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	harvestStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveFetch counts one session fetch.
func ObserveFetch(rawURL string, success bool) {
	Init()
	harvestFetchTotal.WithLabelValues(SanitizeSite(rawURL), resultLabel(success)).Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for a rate limit token.
func ObserveRateLimitDelay(site string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
