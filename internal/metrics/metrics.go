// Package metrics exposes Prometheus collectors for the registry crawler.
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
	fetchAttemptsTotal          *prometheus.CounterVec
	fetchDurationSeconds        *prometheus.HistogramVec
	fetchRetriesTotal           *prometheus.CounterVec
	walkerPagesTotal            *prometheus.CounterVec
	walkerStopsTotal            *prometheus.CounterVec
	extractStepsTotal           *prometheus.CounterVec
	upsertsTotal                *prometheus.CounterVec
	schedulerItemsTotal         *prometheus.CounterVec
	schedulerChunkFailuresTotal *prometheus.CounterVec
	activeWorkers               prometheus.Gauge
	rateLimitDelaySeconds       *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_fetch_attempts_total",
				Help: "Transport attempts, labeled by site, method and outcome.",
			},
			[]string{"site", "method", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legalcrawl_fetch_duration_seconds",
				Help:    "Latency of single transport attempts.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site", "method"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_fetch_retries_total",
				Help: "Retries scheduled by the transport, labeled by reason.",
			},
			[]string{"site", "reason"},
		)

		walkerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_walker_pages_total",
				Help: "Listing pages read by the pagination walker.",
			},
			[]string{"category"},
		)

		walkerStopsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_walker_stops_total",
				Help: "Pagination walks finished, labeled by stop reason.",
			},
			[]string{"reason"},
		)

		extractStepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_extract_steps_total",
				Help: "Text extraction steps, labeled by step and result.",
			},
			[]string{"step", "result"},
		)

		upsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_upserts_total",
				Help: "Entity writes, labeled by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		)

		schedulerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_scheduler_items_total",
				Help: "Work items completed by the batch scheduler.",
			},
			[]string{"phase", "status"},
		)

		schedulerChunkFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_scheduler_chunk_failures_total",
				Help: "Chunks whose whole execution failed.",
			},
			[]string{"phase"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "legalcrawl_active_workers",
				Help: "Number of workers currently running a chunk.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legalcrawl_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_http_requests_total",
				Help: "Requests served by the status listener, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legalcrawl_http_request_duration_seconds",
				Help:    "Latency of requests served by the status listener.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
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

// ObserveFetchAttempt records one transport attempt.
func ObserveFetchAttempt(rawURL, method, outcome string, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	fetchAttemptsTotal.WithLabelValues(site, method, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(site, method).Observe(duration.Seconds())
}

// ObserveRetry records a scheduled retry.
func ObserveRetry(rawURL, reason string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL), reason).Inc()
}

// ObserveWalkerPage counts one listing page.
func ObserveWalkerPage(category string) {
	Init()
	walkerPagesTotal.WithLabelValues(category).Inc()
}

// ObserveWalkerStop counts a finished walk.
func ObserveWalkerStop(reason string) {
	Init()
	walkerStopsTotal.WithLabelValues(reason).Inc()
}

// ObserveExtractStep counts one extraction step result.
func ObserveExtractStep(step, result string) {
	Init()
	extractStepsTotal.WithLabelValues(step, result).Inc()
}

// ObserveUpsert counts an entity write.
func ObserveUpsert(backend, outcome string) {
	Init()
	upsertsTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveItem counts a completed work item.
func ObserveItem(phase, status string) {
	Init()
	schedulerItemsTotal.WithLabelValues(phase, status).Inc()
}

// ObserveChunkFailure counts a chunk that failed as a whole.
func ObserveChunkFailure(phase string) {
	Init()
	schedulerChunkFailuresTotal.WithLabelValues(phase).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the status listener metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
