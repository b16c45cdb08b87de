// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksIngested counts tasks persisted by successful submissions.
	TasksIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchq_tasks_ingested_total",
			Help: "Total number of tasks persisted by successful submissions.",
		},
	)

	// IngestFailures counts submissions rolled back as a whole.
	IngestFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchq_ingest_failures_total",
			Help: "Total number of task submissions that persisted nothing.",
		},
	)

	// ClaimsTotal counts claim attempts by outcome (claimed, empty, error).
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchq_claims_total",
			Help: "Total number of claim attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ResultsTotal counts submitted results by outcome (completed, error, conflict, failed).
	ResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchq_results_total",
			Help: "Total number of result submissions by outcome.",
		},
		[]string{"outcome"},
	)

	// QueuesCompleted counts queues that reached full completion.
	QueuesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchq_queues_completed_total",
			Help: "Total number of queues whose tasks all reached a terminal state.",
		},
	)

	// CallbacksTotal counts completion callback deliveries by outcome (delivered, failed).
	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchq_callbacks_total",
			Help: "Total number of completion callback deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	// CallbackDurationSeconds is a histogram of callback POST latency.
	CallbackDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchq_callback_duration_seconds",
			Help:    "Duration of completion callback requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ExpiredLeases is the last sampled number of processing tasks whose lease lapsed.
	ExpiredLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchq_expired_leases",
			Help: "Processing tasks whose lease has lapsed and are claimable again.",
		},
	)

	// HandlerDurationSeconds is a histogram of worker handler run time by queue type.
	HandlerDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchq_handler_duration_seconds",
			Help:    "Duration of worker handler executions in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)
