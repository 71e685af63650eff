// Package metrics holds the Prometheus collectors shared by the swatwps services.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "swatwps"

var (
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of model pipeline runs, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	PipelineStageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_failures_total",
			Help:      "Total number of pipeline failures, labeled by the last state reached.",
		},
		[]string{"state"},
	)

	PipelineRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall time of a pipeline run from directory setup to packaging (seconds).",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"outcome"},
	)

	ObservationFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observation_fetch_total",
			Help:      "Total number of sensor observation queries, labeled by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		PipelineRunsTotal,
		PipelineStageFailuresTotal,
		PipelineRunDurationSeconds,
		ObservationFetchTotal,
	)
}
