// Package metrics provides Prometheus instrumentation for the
// coordination server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskhub_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskhub_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Scheduler/claim metrics.
var (
	ClaimAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskhub_claim_attempts_total",
		Help: "Total number of task claim attempts, by outcome.",
	}, []string{"outcome"}) // "success" or "conflict"

	TasksSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskhub_tasks_submitted_total",
		Help: "Total number of tasks admitted via submission.",
	})

	TasksReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskhub_tasks_released_total",
		Help: "Total number of task releases, by terminal status.",
	}, []string{"status"})
)

// Reaper metrics.
var (
	ReaperSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskhub_reaper_sweeps_total",
		Help: "Total number of reaper sweep passes.",
	})

	ReaperRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskhub_reaper_requeued_total",
		Help: "Total number of tasks returned to pending by the reaper.",
	})

	ReaperFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskhub_reaper_failed_total",
		Help: "Total number of tasks failed with worker_lost by the reaper.",
	})
)

// EventBus metrics.
var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskhub_events_published_total",
		Help: "Total number of events published, by event kind.",
	}, []string{"kind"})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskhub_events_dropped_total",
		Help: "Total number of events dropped by slow-consumer backpressure.",
	})
)

// Business gauges.
var (
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskhub_active_workers",
		Help: "Number of currently connected worker task streams.",
	})

	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskhub_pending_tasks",
		Help: "Number of tasks currently in pending status (sampled by the reaper).",
	})
)

// WebhookDeliveriesTotal counts outbound webhook delivery attempts, by
// outcome.
var WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskhub_webhook_deliveries_total",
	Help: "Total number of outbound webhook delivery attempts, by outcome.",
}, []string{"outcome"}) // "delivered", "retry", "gave_up"
