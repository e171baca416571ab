// Package metrics exposes the Prometheus instruments the worker publishes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerJobMetrics tracks sweep job outcomes and latency.
type WorkerJobMetrics struct {
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
}

// NewWorkerJobMetrics registers the sweep instruments on reg. A nil
// registerer yields a metrics object whose methods are no-ops, so callers
// never have to branch on whether metrics are wired.
func NewWorkerJobMetrics(reg prometheus.Registerer) *WorkerJobMetrics {
	if reg == nil {
		return &WorkerJobMetrics{}
	}

	m := &WorkerJobMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kinorama",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time of one sweep job run.",
			// Sweeps page the database and call the vendor, so the
			// interesting range runs into the tens of seconds.
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"job"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinorama",
			Subsystem: "worker",
			Name:      "job_runs_total",
			Help:      "Sweep job runs by outcome.",
		}, []string{"job", "result"}),
	}
	reg.MustRegister(m.duration, m.runs)
	return m
}

// ObserveDuration records the wall time of one run of the named job.
func (m *WorkerJobMetrics) ObserveDuration(job string, elapsed time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(jobLabel(job)).Observe(elapsed.Seconds())
}

// IncSuccess counts a clean run of the named job.
func (m *WorkerJobMetrics) IncSuccess(job string) { m.countRun(job, "success") }

// IncFailure counts a failed run of the named job.
func (m *WorkerJobMetrics) IncFailure(job string) { m.countRun(job, "failure") }

func (m *WorkerJobMetrics) countRun(job, result string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(jobLabel(job), result).Inc()
}

func jobLabel(job string) string {
	if job == "" {
		return "unknown"
	}
	return job
}
