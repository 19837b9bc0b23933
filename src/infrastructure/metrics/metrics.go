package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aftermeet_jobs_enqueued_total",
		Help: "The total number of enqueue requests",
	}, []string{"queue", "kind", "result"}) // result: accepted, duplicate

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aftermeet_jobs_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"queue", "kind", "outcome"}) // outcome: completed, retried, failed

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aftermeet_job_duration_seconds",
		Help:    "Duration of job handler execution.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"queue", "kind"})

	JobsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aftermeet_jobs_pruned_total",
		Help: "The total number of terminal jobs removed by pruning",
	}, []string{"queue"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aftermeet_sweep_runs_total",
		Help: "The total number of reconciler sweep runs",
	}, []string{"sweep", "result"}) // result: ok, error, skipped

	SweepItemErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aftermeet_sweep_item_errors_total",
		Help: "Per-item failures inside reconciler sweeps",
	}, []string{"sweep"})
)
