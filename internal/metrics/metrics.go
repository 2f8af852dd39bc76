package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API and CLI.
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// ScoringRuns counts priority computations by outcome (scored, reused, data_incomplete, error).
	ScoringRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "equiroute_scoring_runs_total", Help: "Priority score computations by outcome."},
		[]string{"outcome"},
	)
	// PriorityLabels counts freshly persisted scores by label.
	PriorityLabels = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "equiroute_priority_labels_total", Help: "Persisted priority scores by label."},
		[]string{"label"},
	)
	// ModelActivations counts model configuration activations.
	ModelActivations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "equiroute_model_activations_total", Help: "Model configuration activations."},
	)

	// OptimizeRuns counts optimize runs by outcome and stop reason.
	OptimizeRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "equiroute_optimize_runs_total", Help: "Optimize runs by outcome and stop reason."},
		[]string{"outcome", "stopped_by"},
	)
	OptimizeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "equiroute_optimize_duration_seconds", Help: "Optimizer wall time in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120}},
	)
	OptimizeIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "equiroute_optimize_iterations", Help: "Local search iterations per run.", Buckets: prometheus.ExponentialBuckets(1, 4, 8)},
	)
	// Unassigned counts locations left out of a plan by blocking constraint.
	Unassigned = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "equiroute_unassigned_locations_total", Help: "Unassigned locations by reason."},
		[]string{"reason"},
	)
	// Coverage records the equity coverage percentage of committed plans.
	Coverage = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "equiroute_plan_coverage_percent", Help: "Equity coverage percentage of optimized plans.", Buckets: []float64{25, 50, 75, 90, 95, 99, 100}},
	)

	// TaskQueueDepth is the number of background tasks waiting for a worker.
	TaskQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "equiroute_task_queue_depth", Help: "Background tasks waiting for a worker."},
	)
	// TaskRuns counts finished background tasks by kind and status.
	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "equiroute_tasks_total", Help: "Finished background tasks by kind and status."},
		[]string{"kind", "status"},
	)
)

// RegisterDefault registers collectors to Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(ScoringRuns, PriorityLabels, ModelActivations)
		Registry.MustRegister(OptimizeRuns, OptimizeDuration, OptimizeIterations, Unassigned, Coverage)
		Registry.MustRegister(TaskQueueDepth, TaskRuns)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
