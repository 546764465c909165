package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the indexer
type Metrics struct {
	// Entity cache metrics
	CacheLookupsTotal   *prometheus.CounterVec
	CacheBufferedIDs    *prometheus.GaugeVec
	CacheBufferedValues *prometheus.GaugeVec

	// Flush metrics
	FlushesTotal       prometheus.Counter
	FlushFailuresTotal prometheus.Counter
	FlushDuration      prometheus.Histogram
	FlushRowsTotal     *prometheus.CounterVec

	// Checkpoint metrics
	PoIBlocksTotal prometheus.Counter
	PoILastHeight  prometheus.Gauge

	// MMR metrics
	MMRAppendsTotal        prometheus.Counter
	MMRAppendDuration      prometheus.Histogram
	MMRLeafLength          prometheus.Gauge
	MMRRootMismatchesTotal prometheus.Counter

	// Pipeline metrics
	BlocksProcessedTotal prometheus.Counter
	LastProcessedHeight  prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer, projectID string) *Metrics {
	labels := prometheus.Labels{"project_id": projectID}
	factory := promauto.With(reg)

	return &Metrics{
		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "indexstore",
			Subsystem:   "cache",
			Name:        "lookups_total",
			Help:        "Entity lookups by entity type and the layer that answered them",
			ConstLabels: labels,
		}, []string{"entity", "source"}),
		CacheBufferedIDs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "indexstore",
			Subsystem:   "cache",
			Name:        "buffered_ids",
			Help:        "Entity ids with unflushed mutations",
			ConstLabels: labels,
		}, []string{"entity"}),
		CacheBufferedValues: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "indexstore",
			Subsystem:   "cache",
			Name:        "buffered_versions",
			Help:        "Historical versions held in memory",
			ConstLabels: labels,
		}, []string{"entity"}),

		FlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "indexstore",
			Subsystem:   "flush",
			Name:        "total",
			Help:        "Total number of committed flushes",
			ConstLabels: labels,
		}),
		FlushFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "indexstore",
			Subsystem:   "flush",
			Name:        "failures_total",
			Help:        "Total number of flush attempts that rolled back",
			ConstLabels: labels,
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "indexstore",
			Subsystem:   "flush",
			Name:        "duration_seconds",
			Help:        "Histogram of flush durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		FlushRowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "indexstore",
			Subsystem:   "flush",
			Name:        "rows_total",
			Help:        "Rows written by flushes per entity type",
			ConstLabels: labels,
		}, []string{"entity"}),

		PoIBlocksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "indexstore",
			Subsystem:   "poi",
			Name:        "blocks_total",
			Help:        "Total number of checkpoint blocks created",
			ConstLabels: labels,
		}),
		PoILastHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "indexstore",
			Subsystem:   "poi",
			Name:        "last_height",
			Help:        "Height of the latest checkpoint block",
			ConstLabels: labels,
		}),

		MMRAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "indexstore",
			Subsystem:   "mmr",
			Name:        "appends_total",
			Help:        "Total number of leaves appended",
			ConstLabels: labels,
		}),
		MMRAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "indexstore",
			Subsystem:   "mmr",
			Name:        "append_duration_seconds",
			Help:        "Histogram of leaf append durations including root computation",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		MMRLeafLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "indexstore",
			Subsystem:   "mmr",
			Name:        "leaf_length",
			Help:        "Number of leaves in the mountain range",
			ConstLabels: labels,
		}),
		MMRRootMismatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "indexstore",
			Subsystem:   "mmr",
			Name:        "root_mismatches_total",
			Help:        "Recomputed roots that disagreed with a stored checkpoint root",
			ConstLabels: labels,
		}),

		BlocksProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "indexstore",
			Subsystem:   "indexer",
			Name:        "blocks_processed_total",
			Help:        "Total number of blocks applied to the caches",
			ConstLabels: labels,
		}),
		LastProcessedHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "indexstore",
			Subsystem:   "indexer",
			Name:        "last_processed_height",
			Help:        "Height of the last processed block",
			ConstLabels: labels,
		}),
	}
}
