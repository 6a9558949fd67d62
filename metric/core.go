// Package metric manages Prometheus metrics for the telemetry funnel: a
// registry wrapper with conflict-safe registration, the core funnel
// metrics, and an HTTP server exposing them.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core funnel metrics shared across components.
// Component-specific metrics (feeds, render registry) register their own
// collectors through the MetricsRegistry.
type Metrics struct {
	// Funnel throughput
	BatchesReceived  *prometheus.CounterVec
	RecordsDropped   *prometheus.CounterVec
	PointsMerged     prometheus.Counter
	StoreSize        prometheus.Gauge
	ProjectionsBuilt *prometheus.CounterVec
	MergeDuration    prometheus.Histogram

	// Rendering lifecycle
	HandlesActive    prometheus.Gauge
	HandlesRetired   prometheus.Counter
	TeardownFailures prometheus.Counter

	// Errors by component
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all core funnel metrics
func NewMetrics() *Metrics {
	return &Metrics{
		BatchesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowscope",
				Subsystem: "funnel",
				Name:      "batches_received_total",
				Help:      "Total telemetry batches received, by feed",
			},
			[]string{"feed"},
		),

		RecordsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowscope",
				Subsystem: "funnel",
				Name:      "records_dropped_total",
				Help:      "Raw records dropped during normalization, by reason",
			},
			[]string{"reason"},
		),

		PointsMerged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flowscope",
				Subsystem: "funnel",
				Name:      "points_merged_total",
				Help:      "Total points merged into the live series store",
			},
		),

		StoreSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flowscope",
				Subsystem: "funnel",
				Name:      "store_points",
				Help:      "Distinct timestamps currently held by the live series store",
			},
		),

		ProjectionsBuilt: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowscope",
				Subsystem: "funnel",
				Name:      "projections_built_total",
				Help:      "Projections built, by chart type",
			},
			[]string{"chart_type"},
		),

		MergeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "flowscope",
				Subsystem: "funnel",
				Name:      "merge_duration_seconds",
				Help:      "Batch merge duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		HandlesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flowscope",
				Subsystem: "render",
				Name:      "handles_active",
				Help:      "Render handles currently in the Active state",
			},
		),

		HandlesRetired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flowscope",
				Subsystem: "render",
				Name:      "handles_retired_total",
				Help:      "Render handles retired since start",
			},
		),

		TeardownFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flowscope",
				Subsystem: "render",
				Name:      "teardown_failures_total",
				Help:      "Engine teardowns that failed and were swallowed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowscope",
				Subsystem: "funnel",
				Name:      "errors_total",
				Help:      "Errors encountered, by component and type",
			},
			[]string{"component", "type"},
		),
	}
}
