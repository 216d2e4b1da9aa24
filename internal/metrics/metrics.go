// Package metrics exposes the Prometheus instrumentation for the dubbing
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	JobsStarted   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsCancelled prometheus.Counter
	ChunkRetries  prometheus.Counter
	ActiveJobs    prometheus.Gauge
	StageDuration *prometheus.HistogramVec
}

// New registers the pipeline collectors on the given registerer and returns
// them. A nil registerer uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxdub_jobs_started_total",
			Help: "Number of dubbing jobs accepted.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxdub_jobs_completed_total",
			Help: "Number of dubbing jobs that finished successfully.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxdub_jobs_failed_total",
			Help: "Number of dubbing jobs that failed.",
		}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxdub_jobs_cancelled_total",
			Help: "Number of dubbing jobs cancelled by the user.",
		}),
		ChunkRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxdub_chunk_retries_total",
			Help: "Number of chunk-level dubbing retries.",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxdub_active_jobs",
			Help: "Number of jobs currently executing.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxdub_stage_duration_seconds",
			Help:    "Wall-clock duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
	}
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
