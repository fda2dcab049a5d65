// Package metrics exposes Prometheus collectors for the workspace service.
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
	scrapeRequestsTotal        *prometheus.CounterVec
	scrapeBytesTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	operationsTotal            *prometheus.CounterVec
	activeOperations           prometheus.Gauge
	archiveWriteSeconds        *prometheus.HistogramVec
	tokenCounterCallsTotal     *prometheus.CounterVec
	robotsFallbackTotal        *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapews_scrape_requests_total",
				Help: "Total number of scrape fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		scrapeBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapews_scrape_bytes_total",
				Help: "Total number of bytes fetched by scrapers, labeled by site.",
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

		operationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapews_operations_total",
				Help: "Total number of workspace operations, labeled by operation and status.",
			},
			[]string{"operation", "status"},
		)

		activeOperations = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapews_active_operations",
				Help: "Number of bulk operations currently running.",
			},
		)

		archiveWriteSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapews_archive_write_seconds",
				Help:    "Histogram of archive build durations, labeled by kind.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"kind"},
		)

		tokenCounterCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapews_token_counter_calls_total",
				Help: "Total number of token counter invocations, labeled by content type and result.",
			},
			[]string{"content_type", "result"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapews_robots_fallback_total",
				Help: "Total robots.txt probes answered with an allow-all fallback, labeled by reason.",
			},
			[]string{"reason"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapews_rate_limit_delay_seconds",
				Help:    "Histogram of per-domain rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveScrape increments the scrape metrics.
func ObserveScrape(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	scrapeRequestsTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		scrapeBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveOperation increments the operation counter for the given status.
func ObserveOperation(operation, status string) {
	Init()
	operationsTotal.WithLabelValues(operation, status).Inc()
}

// IncActiveOperations increments the active operations gauge.
func IncActiveOperations() {
	Init()
	activeOperations.Inc()
}

// DecActiveOperations decrements the active operations gauge.
func DecActiveOperations() {
	Init()
	activeOperations.Dec()
}

// ObserveArchiveWrite records how long one archive build took.
func ObserveArchiveWrite(kind string, duration time.Duration) {
	Init()
	archiveWriteSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveTokenCount records one token counter invocation.
func ObserveTokenCount(contentType string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	if contentType == "" {
		contentType = "unknown"
	}
	tokenCounterCallsTotal.WithLabelValues(contentType, result).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
