// Package metrics exposes Prometheus counters/gauges/histograms for
// the bridge's own domain: engine runs, the per-thread scheduler
// queue, and progress-edit latency — renamed from the teacher's
// HTTP-request metrics to this domain's actual units of work.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts completed engine runs by engine id and outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "takopi_runs_total",
			Help: "Total number of engine runs, by engine and outcome",
		},
		[]string{"engine", "status"},
	)

	// RunDuration tracks how long an engine run takes end to end.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "takopi_run_duration_seconds",
			Help:    "Engine run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"engine", "status"},
	)

	// ActiveRuns tracks currently in-flight engine runs.
	ActiveRuns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "takopi_active_runs",
			Help: "Number of currently in-flight engine runs",
		},
		[]string{"engine"},
	)

	// QueueDepth is labelled by engine. On every enqueue/dequeue the
	// scheduler sets it to the queue length of the thread it just
	// touched, so it shows the latest sampled thread, not a total.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "takopi_scheduler_queue_depth",
			Help: "Queue length of the most recently sampled thread, by engine",
		},
		[]string{"engine"},
	)

	// ProgressEditLatency tracks how long a progress-message edit call
	// takes against the transport.
	ProgressEditLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "takopi_progress_edit_latency_seconds",
			Help:    "Latency of progress message edit calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ResumeCoalesceErrors counts started-coalescing mismatches (spec
	// §4.2's boundary scenario 2) surfaced during a run.
	ResumeCoalesceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "takopi_resume_coalesce_errors_total",
			Help: "Total number of resume-token coalescing mismatches detected mid-run",
		},
		[]string{"engine"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStart increments the active-run gauge for engine.
func RecordRunStart(engine string) {
	ActiveRuns.WithLabelValues(engine).Inc()
}

// RecordRunEnd decrements the active-run gauge and records the
// terminal outcome and duration.
func RecordRunEnd(engine, status string, durationSeconds float64) {
	ActiveRuns.WithLabelValues(engine).Dec()
	RunsTotal.WithLabelValues(engine, status).Inc()
	RunDuration.WithLabelValues(engine, status).Observe(durationSeconds)
}

// SetQueueDepth sets the current queue depth for engine.
func SetQueueDepth(engine string, depth float64) {
	QueueDepth.WithLabelValues(engine).Set(depth)
}

// RecordProgressEdit records how long a progress-edit call took.
func RecordProgressEdit(durationSeconds float64) {
	ProgressEditLatency.Observe(durationSeconds)
}

// RecordResumeCoalesceError records a started-coalescing mismatch.
func RecordResumeCoalesceError(engine string) {
	ResumeCoalesceErrors.WithLabelValues(engine).Inc()
}
