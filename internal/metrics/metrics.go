package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cube_engine_build_info",
			Help: "Build information of the cube engine",
		},
		[]string{"version", "commit"},
	)

	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_engine_cache_requests_total",
			Help: "Total number of query cache lookups",
		},
		[]string{"cube", "result"},
	)

	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_engine_cache_evictions_total",
			Help: "Total number of query cache entries evicted by capacity",
		},
		[]string{"cube"},
	)

	CacheComputeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_engine_cache_compute_failures_total",
			Help: "Total number of failed query computations behind the cache",
		},
		[]string{"cube"},
	)

	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cube_engine_cache_entries",
			Help: "Number of live query cache entries",
		},
		[]string{"cube"},
	)

	CacheBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cube_engine_cache_bytes",
			Help: "Approximate memory held by cached query results",
		},
		[]string{"cube"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cube_engine_query_duration_seconds",
			Help:    "Duration of query execution, cache hits included",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 0.1ms to ~26s
		},
		[]string{"cube", "status"},
	)

	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_engine_mutations_total",
			Help: "Total number of mutations applied to the batch set",
		},
		[]string{"cube", "kind", "status"},
	)

	RowsAffectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_engine_rows_affected_total",
			Help: "Total number of rows added or removed by mutations",
		},
		[]string{"cube", "kind"},
	)

	DataEpoch = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cube_engine_data_epoch",
			Help: "Current data epoch of the cube",
		},
		[]string{"cube"},
	)

	Rows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cube_engine_rows",
			Help: "Number of rows held by the cube",
		},
		[]string{"cube"},
	)

	SchemaVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cube_engine_schema_version",
			Help: "Current schema version of the cube",
		},
		[]string{"cube"},
	)
)

// CacheObserver feeds query cache events into the collectors for one cube
type CacheObserver struct {
	cube string
}

func NewCacheObserver(cube string) *CacheObserver {
	return &CacheObserver{cube: cube}
}

func (o *CacheObserver) Hit() {
	CacheRequestsTotal.WithLabelValues(o.cube, "hit").Inc()
}

func (o *CacheObserver) Miss() {
	CacheRequestsTotal.WithLabelValues(o.cube, "miss").Inc()
}

func (o *CacheObserver) Evicted(n int) {
	CacheEvictionsTotal.WithLabelValues(o.cube).Add(float64(n))
}

func (o *CacheObserver) ComputeFailed() {
	CacheComputeFailuresTotal.WithLabelValues(o.cube).Inc()
}

func (o *CacheObserver) Resized(entries int, bytes int64) {
	CacheEntries.WithLabelValues(o.cube).Set(float64(entries))
	CacheBytes.WithLabelValues(o.cube).Set(float64(bytes))
}
