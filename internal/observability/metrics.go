// Package observability holds the Prometheus instruments shared across the
// service. Vectors are created unregistered and attached to a registry via
// Init so tests can use isolated registries.
package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route"},
	)

	scrapeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_total",
			Help: "Upstream scrape attempts by scraper and outcome.",
		},
		[]string{"scraper", "outcome"},
	)

	scrapeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrape_duration_seconds",
			Help:    "Duration of upstream scrapes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 11),
		},
		[]string{"scraper"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "KV cache operations by namespace, op and status.",
		},
		[]string{"cache", "op", "status"},
	)

	cacheResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache lookups by namespace and outcome.",
		},
		[]string{"cache", "outcome"},
	)

	singleflightTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "singleflight_total",
			Help: "Singleflight calls by group and role (owner or waiter).",
		},
		[]string{"group", "role"},
	)

	gridComposeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_compose_total",
			Help: "Grid compositions by outcome.",
		},
		[]string{"outcome"},
	)

	gridComposeDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grid_compose_duration_seconds",
			Help:    "Duration of grid compositions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	gridFilesEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_files_evicted_total",
			Help: "Grid files deleted by LFU eviction or the size sweeper.",
		},
	)

	outboundInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbound_inflight_requests",
			Help: "Outbound HTTP requests currently holding a semaphore slot.",
		},
	)
)

var initOnce sync.Once

// Init registers all vectors with reg. Safe to call once per process; tests
// that need a private registry call RegisterOn directly.
func Init(reg prometheus.Registerer) {
	initOnce.Do(func() { RegisterOn(reg) })
}

func RegisterOn(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		scrapeTotal,
		scrapeDurationSeconds,
		cacheOpTotal,
		cacheResultsTotal,
		singleflightTotal,
		gridComposeTotal,
		gridComposeDurationSeconds,
		gridFilesEvictedTotal,
		outboundInflight,
	)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(durationSeconds)
}

func ObserveScrape(scraper string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	scrapeTotal.WithLabelValues(scraper, outcome).Inc()
	scrapeDurationSeconds.WithLabelValues(scraper).Observe(durationSeconds)
}

func IncScrapeAbsent(scraper string) {
	scrapeTotal.WithLabelValues(scraper, "absent").Inc()
}

func ObserveCacheOp(cache, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	cacheOpTotal.WithLabelValues(cache, op, status).Inc()
}

func IncCacheHit(cache string)  { cacheResultsTotal.WithLabelValues(cache, "hit").Inc() }
func IncCacheMiss(cache string) { cacheResultsTotal.WithLabelValues(cache, "miss").Inc() }

func IncSingleflightOwner(group string)  { singleflightTotal.WithLabelValues(group, "owner").Inc() }
func IncSingleflightWaiter(group string) { singleflightTotal.WithLabelValues(group, "waiter").Inc() }

func ObserveGridCompose(err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	gridComposeTotal.WithLabelValues(outcome).Inc()
	gridComposeDurationSeconds.Observe(durationSeconds)
}

func IncGridFileEvicted() { gridFilesEvictedTotal.Inc() }

func IncOutboundInflight() { outboundInflight.Inc() }
func DecOutboundInflight() { outboundInflight.Dec() }
