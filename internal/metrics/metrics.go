// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcome labels for ObservePage.
const (
	PageStored    = "stored"
	PageDuplicate = "duplicate"
	PageFailed    = "fetch_failed"
	PageSkipped   = "skipped"
	PageRequeued  = "requeued"
)

var (
	crawlerPagesTotal           *prometheus.CounterVec
	crawlerGuardRejectionsTotal *prometheus.CounterVec
	crawlerJobsTotal            *prometheus.CounterVec
	crawlerFrontierDepth        prometheus.Gauge
	crawlerActiveWorkers        prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of frontier items processed, labeled by outcome.",
			},
			[]string{"status"},
		)

		crawlerGuardRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_guard_rejections_total",
				Help: "Total number of security guard rejections, labeled by tag.",
			},
			[]string{"tag"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of jobs finalized, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerFrontierDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_depth",
				Help: "Number of items waiting in the shared frontier.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of live worker goroutines.",
			},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage increments the page outcome counter.
func ObservePage(status string) {
	Init()
	crawlerPagesTotal.WithLabelValues(status).Inc()
}

// ObserveGuardRejection increments the rejection counter for a guard tag.
func ObserveGuardRejection(tag string) {
	Init()
	crawlerGuardRejectionsTotal.WithLabelValues(tag).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// SetFrontierDepth records the current frontier length.
func SetFrontierDepth(n int) {
	Init()
	crawlerFrontierDepth.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
