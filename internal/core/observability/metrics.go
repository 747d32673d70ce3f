// Package observability holds the prometheus collectors shared by the cache,
// its storage backends, backing sources and the http surface.
package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var variantLabel atomic.Value

func init() {
	variantLabel.Store("blocking")
}

func SetVariant(v string) {
	if v == "" {
		v = "blocking"
	}
	variantLabel.Store(v)
}

func getVariant() string {
	if v := variantLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "blocking"
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status", "variant"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status", "variant"},
	)

	sourceLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_latency_seconds",
			Help:    "Latency of backing feature source queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"source", "outcome"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	cellLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_cell_lookups_total",
			Help: "Grid cell lookups by outcome (hit|miss|refetch).",
		},
		[]string{"outcome", "variant"},
	)

	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_queries_total",
			Help: "GetFeatures calls by path (cached|bypass|oversized|error).",
		},
		[]string{"path", "variant"},
	)

	evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Grid cells evicted to enforce the capacity bound.",
		},
		[]string{"variant"},
	)

	cachedFeatures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_cached_features",
			Help: "Feature entries currently held by the cache.",
		},
		[]string{"variant"},
	)

	storageOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_op_total",
			Help: "Storage operations by backend, op and result.",
		},
		[]string{"backend", "op", "result"},
	)

	storageOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_op_duration_seconds",
			Help:    "Storage operation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"backend", "op"},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Invalidation events applied, by op and result.",
		},
		[]string{"op", "result"},
	)

	invalidatedCells = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_invalidated_cells_total",
			Help: "Grid cells dropped by invalidation events.",
		},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	v := getVariant()
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st, v).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st, v).Observe(durationSeconds)
}

func ObserveSourceLatency(source string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sourceLatencySeconds.WithLabelValues(source, outcome).Observe(durationSeconds)
}

func AddCellHits(n int)      { addCells("hit", n) }
func AddCellMisses(n int)    { addCells("miss", n) }
func AddCellRefetches(n int) { addCells("refetch", n) }

func addCells(outcome string, n int) {
	if n <= 0 {
		return
	}
	cellLookups.WithLabelValues(outcome, getVariant()).Add(float64(n))
}

func IncQuery(path string) {
	queriesTotal.WithLabelValues(path, getVariant()).Inc()
}

func IncEviction() {
	evictionsTotal.WithLabelValues(getVariant()).Inc()
}

func SetCachedFeatures(n int64) {
	cachedFeatures.WithLabelValues(getVariant()).Set(float64(n))
}

func ObserveStorageOp(backend, op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storageOps.WithLabelValues(backend, op, result).Inc()
	storageOpSeconds.WithLabelValues(backend, op).Observe(durationSeconds)
}

func ObserveInvalidation(op string, cells int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	invalidationsTotal.WithLabelValues(op, result).Inc()
	if cells > 0 {
		invalidatedCells.Add(float64(cells))
	}
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
