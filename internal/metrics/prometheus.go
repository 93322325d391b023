// Package metrics holds the Prometheus collectors of the transcode pipeline
// and the HTTP server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxf_jobs_processed_total",
		Help: "Total number of job deliveries handled, by outcome",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mxf_job_stage_duration_seconds",
		Help:    "Duration of each processing stage",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mxf_active_jobs",
		Help: "Number of jobs currently being transcoded",
	})

	LeaseExtensionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxf_lease_extensions_total",
		Help: "Total number of lease extensions, by result",
	}, []string{"result"})

	DeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxf_dead_lettered_total",
		Help: "Total number of messages moved to the poison queue, by reason",
	}, []string{"reason"})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxf_uploads_total",
		Help: "Total number of source uploads received, by result",
	}, []string{"result"})
)

// Outcome labels for JobsProcessedTotal.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)
