// Package metrics exposes process-wide Prometheus collectors. Run and item
// counters live in the progress Prometheus sink.
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
	fetchRetriesTotal          *prometheus.CounterVec
	replicaWritesTotal         *prometheus.CounterVec
	resolutionsTotal           *prometheus.CounterVec
	robotsFallbackTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	progressDroppedTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecrawler_fetch_retries_total",
				Help: "Transient fetch failures that were retried, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		replicaWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecrawler_replica_writes_total",
				Help: "Blob replica writes, labeled by replica and result.",
			},
			[]string{"replica", "result"},
		)

		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecrawler_resolutions_total",
				Help: "Identity resolutions, labeled by kind.",
			},
			[]string{"kind"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecrawler_robots_fallback_total",
				Help: "robots.txt probes that fell back to allow-all, labeled by host.",
			},
			[]string{"host"},
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

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gamecrawler_active_workers",
				Help: "Number of workers currently processing a detail page.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gamecrawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		progressDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecrawler_progress_events_dropped_total",
				Help: "Progress events dropped because the hub queue was full, labeled by stage.",
			},
			[]string{"stage"},
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
	Init()
	return promhttp.Handler()
}

// ObserveRetry counts one retried transient failure.
func ObserveRetry(source, reason string) {
	Init()
	fetchRetriesTotal.WithLabelValues(source, reason).Inc()
}

// ObserveReplicaWrite counts one replica write attempt.
func ObserveReplicaWrite(replica string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	replicaWritesTotal.WithLabelValues(replica, result).Inc()
}

// ObserveResolution counts one identity resolution.
func ObserveResolution(kind string) {
	Init()
	resolutionsTotal.WithLabelValues(kind).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that failed open.
func ObserveRobotsFallback(host string) {
	Init()
	robotsFallbackTotal.WithLabelValues(SanitizeSite(host)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
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
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveProgressDropped counts a progress event the hub could not queue.
func ObserveProgressDropped(stage string) {
	Init()
	progressDroppedTotal.WithLabelValues(stage).Inc()
}
