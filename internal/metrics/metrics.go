// Package metrics registers the Prometheus view of queue activity. The
// queue's own MetricsManager remains the source of truth for snapshots;
// these collectors exist for scrape-based monitoring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueMetrics holds all exported queue metrics.
type QueueMetrics struct {
	ItemsTotal *prometheus.CounterVec

	ProcessingDuration prometheus.Histogram

	RetriesTotal prometheus.Counter

	QueueDepth    prometheus.Gauge
	ActiveWorkers prometheus.Gauge
}

// New registers all queue metrics against reg.
func New(reg prometheus.Registerer) *QueueMetrics {
	factory := promauto.With(reg)

	return &QueueMetrics{
		ItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "varchive_queue_items_total",
				Help: "Processing attempts by outcome",
			},
			[]string{"outcome"},
		),
		ProcessingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "varchive_processing_duration_seconds",
				Help:    "Duration of item processing attempts",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "varchive_retries_total",
				Help: "Items re-enqueued after a failed attempt",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "varchive_queue_depth",
				Help: "Items currently in the ready set",
			},
		),
		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "varchive_active_workers",
				Help: "Worker tasks currently processing an item",
			},
		),
	}
}
