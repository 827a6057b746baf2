package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "urban_growth"

// Metrics holds the Prometheus counters, histograms, and gauges for submission
// and scene processing.
type Metrics struct {
	JobsConsumed      prometheus.Counter
	ScenesScored      prometheus.Counter
	ScenesSkipped     prometheus.Counter
	TransientErrors   prometheus.Counter
	JobsRetried       prometheus.Counter
	JobsDeadLettered  prometheus.Counter
	PoisonJobs        prometheus.Counter
	CounterUnderflows prometheus.Counter
	PipelineRunning   prometheus.Gauge

	SceneProcessingDuration prometheus.Histogram

	// Submission metrics.
	QueriesSubmitted prometheus.Counter
	ScenesDispatched prometheus.Counter

	// Catalog and boundary lookups.
	CatalogRequests *prometheus.CounterVec // labels: outcome={success,retry,error}
	CatalogDuration prometheus.Histogram
	BoundaryCache   *prometheus.CounterVec // labels: result={hit,miss}
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_consumed_total",
			Help:      "Total scene jobs read from the queue.",
		}),
		ScenesScored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenes_scored_total",
			Help:      "Total scenes scored and written.",
		}),
		ScenesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenes_skipped_total",
			Help:      "Total scenes skipped for insufficient coverage.",
		}),
		TransientErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transient_errors_total",
			Help:      "Total scene attempts that failed with a retryable error.",
		}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Total jobs requeued for another attempt.",
		}),
		JobsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_lettered_total",
			Help:      "Total jobs abandoned after the maximum number of attempts.",
		}),
		PoisonJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poison_jobs_total",
			Help:      "Total queue messages that could not be decoded.",
		}),
		CounterUnderflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_underflows_total",
			Help:      "Decrements of an expected scene count that was already zero.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "Number of active scene processing pipelines.",
		}),
		SceneProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scene_processing_duration_seconds",
			Help:      "Duration of one scene job from fetch to acknowledgement.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		QueriesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_submitted_total",
			Help:      "Total region submissions dispatched.",
		}),
		ScenesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenes_dispatched_total",
			Help:      "Total scene jobs published.",
		}),
		CatalogRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_requests_total",
			Help:      "Scene catalog searches by outcome.",
		}, []string{"outcome"}),
		CatalogDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "catalog_duration_seconds",
			Help:      "Scene catalog page request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		BoundaryCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boundary_cache_total",
			Help:      "Stored boundary cache lookups by result.",
		}, []string{"result"}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests can
// build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobsConsumed,
		m.ScenesScored,
		m.ScenesSkipped,
		m.TransientErrors,
		m.JobsRetried,
		m.JobsDeadLettered,
		m.PoisonJobs,
		m.CounterUnderflows,
		m.PipelineRunning,
		m.SceneProcessingDuration,
		m.QueriesSubmitted,
		m.ScenesDispatched,
		m.CatalogRequests,
		m.CatalogDuration,
		m.BoundaryCache,
	}
}
