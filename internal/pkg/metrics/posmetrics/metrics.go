package posmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for POS ingestion
var (
	PagesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_pages_fetched_total",
			Help: "Total number of provider API pages fetched",
		},
		[]string{"provider", "endpoint"},
	)

	RawRecordsUpsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_raw_records_upserted_total",
			Help: "Total number of raw provider records upserted",
		},
		[]string{"provider", "kind"},
	)

	RateLimitWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pos_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	RateLimitPausesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_rate_limit_pauses_total",
			Help: "Total number of provider reported rate limit pauses",
		},
		[]string{"provider"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_retries_total",
			Help: "Total number of retried provider calls",
		},
		[]string{"operation"},
	)

	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_sync_runs_total",
			Help: "Total number of sync runs by kind and status",
		},
		[]string{"provider", "kind", "status"},
	)

	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pos_sync_duration_seconds",
			Help:    "Duration of sync runs",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"provider", "kind"},
	)

	TransformErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_transform_errors_total",
			Help: "Total number of raw records that failed transformation",
		},
		[]string{"provider", "kind"},
	)
)

var registerOnce sync.Once

// Register registers all POS metrics with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(PagesFetchedTotal)
		prometheus.MustRegister(RawRecordsUpsertedTotal)
		prometheus.MustRegister(RateLimitWaitSeconds)
		prometheus.MustRegister(RateLimitPausesTotal)
		prometheus.MustRegister(RetriesTotal)
		prometheus.MustRegister(SyncRunsTotal)
		prometheus.MustRegister(SyncDuration)
		prometheus.MustRegister(TransformErrorsTotal)
	})
}
