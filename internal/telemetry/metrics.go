// Package telemetry exposes Prometheus collectors for the harvester service.
package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeJobsTotal             *prometheus.CounterVec
	scrapeActiveWorkers         prometheus.Gauge
	scrapeQueueDepth            prometheus.Gauge
	scrapeRequestAttemptsTotal  *prometheus.CounterVec
	scrapeRequestDuration       *prometheus.HistogramVec
	scrapeItemsExtractedTotal   *prometheus.CounterVec
	scrapeProxyPoolProxies      *prometheus.GaugeVec
	scrapeProxySwitchesTotal    *prometheus.CounterVec
	scrapeRateLimitWaitsSeconds prometheus.Histogram
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once

	// Shadow counters kept alongside the gauges so health checks can
	// read current values without scraping the registry.
	activeWorkerCount atomic.Int64
	queueDepthValue   atomic.Int64
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_jobs_total",
				Help: "Total number of jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		scrapeActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		scrapeQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_queue_depth",
				Help: "Jobs waiting on the in-process queue.",
			},
		)

		scrapeRequestAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_request_attempts_total",
				Help: "Total request attempts, labeled by platform and outcome class.",
			},
			[]string{"platform", "outcome"},
		)

		scrapeRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_request_duration_seconds",
				Help:    "Histogram of upstream request latencies, labeled by platform.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 8, 15, 20},
			},
			[]string{"platform"},
		)

		scrapeItemsExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_items_extracted_total",
				Help: "Total items extracted, labeled by platform.",
			},
			[]string{"platform"},
		)

		scrapeProxyPoolProxies = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_proxy_pool_proxies",
				Help: "Proxies in the pool, labeled by health state.",
			},
			[]string{"state"},
		)

		scrapeProxySwitchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_proxy_switches_total",
				Help: "Proxy failovers, labeled by the reason for switching.",
			},
			[]string{"reason"},
		)

		scrapeRateLimitWaitsSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_rate_limit_waits_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
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
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkerCount.Add(1)
	scrapeActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkerCount.Add(-1)
	scrapeActiveWorkers.Dec()
}

// ActiveWorkers reports how many workers are processing a job right now.
func ActiveWorkers() int {
	return int(activeWorkerCount.Load())
}

// SetQueueDepth records the current queue backlog.
func SetQueueDepth(n int) {
	queueDepthValue.Store(int64(n))
	scrapeQueueDepth.Set(float64(n))
}

// QueueDepth reports the last recorded queue backlog.
func QueueDepth() int {
	return int(queueDepthValue.Load())
}

// ObserveAttempt records one upstream request attempt and its latency.
func ObserveAttempt(platform, outcome string, duration time.Duration) {
	scrapeRequestAttemptsTotal.WithLabelValues(platform, outcome).Inc()
	scrapeRequestDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

// ObserveItemsExtracted adds to the per-platform item counter.
func ObserveItemsExtracted(platform string, count int) {
	if count > 0 {
		scrapeItemsExtractedTotal.WithLabelValues(platform).Add(float64(count))
	}
}

// SetProxyPoolSize records how many proxies sit in each health state.
func SetProxyPoolSize(state string, n int) {
	scrapeProxyPoolProxies.WithLabelValues(state).Set(float64(n))
}

// ObserveProxySwitch counts a proxy failover by reason.
func ObserveProxySwitch(reason string) {
	scrapeProxySwitchesTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(duration time.Duration) {
	scrapeRateLimitWaitsSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
