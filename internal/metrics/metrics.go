// Package metrics exposes Prometheus collectors for the scanner service.
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
	scannerRunsTotal             *prometheus.CounterVec
	scannerURLsValidatedTotal    *prometheus.CounterVec
	scannerDimensionLookupsTotal *prometheus.CounterVec
	scannerLockContentionTotal   prometheus.Counter
	scannerRunDurationSeconds    prometheus.Histogram
	scannerScheduledEventsTotal  *prometheus.CounterVec
	scannerRateLimitDelaySeconds *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scannerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_runs_total",
				Help: "Total number of validation runs, labeled by result.",
			},
			[]string{"result"},
		)

		scannerURLsValidatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_urls_validated_total",
				Help: "Total number of URLs validated, labeled by template type and result.",
			},
			[]string{"type", "result"},
		)

		scannerDimensionLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_dimension_lookups_total",
				Help: "Image dimension lookups, labeled by pipeline stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		scannerLockContentionTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanner_lock_contention_total",
				Help: "Runs rejected because another run held the lock.",
			},
		)

		scannerRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scanner_run_duration_seconds",
				Help:    "Histogram of validation run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
		)

		scannerScheduledEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_scheduled_events_total",
				Help: "Scheduled events dispatched, labeled by event and result.",
			},
			[]string{"event", "result"},
		)

		scannerRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanner_rate_limit_delay_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObserveRun records a finished run.
func ObserveRun(result string, duration time.Duration) {
	Init()
	scannerRunsTotal.WithLabelValues(result).Inc()
	scannerRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveValidation records one validated URL.
func ObserveValidation(targetType, result string) {
	Init()
	scannerURLsValidatedTotal.WithLabelValues(targetType, result).Inc()
}

// ObserveDimensionLookup records a dimension pipeline outcome.
func ObserveDimensionLookup(stage, outcome string) {
	Init()
	scannerDimensionLookupsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveLockContention records a run rejected by the lock.
func ObserveLockContention() {
	Init()
	scannerLockContentionTotal.Inc()
}

// ObserveScheduledEvent records a dispatched scheduler event.
func ObserveScheduledEvent(event, result string) {
	Init()
	scannerScheduledEventsTotal.WithLabelValues(event, result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	scannerRateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
