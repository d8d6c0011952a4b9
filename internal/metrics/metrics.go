// Package metrics defines the Prometheus instrumentation for the worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subworker_tasks_processed_total",
			Help: "Total number of tasks driven to a terminal status, by type and outcome.",
		},
		[]string{"task_type", "outcome"}, // outcome: completed, failed
	)

	TasksReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subworker_tasks_released_total",
			Help: "Total number of tasks released back to ready for retry, by type.",
		},
		[]string{"task_type"},
	)

	LeaseContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subworker_lease_contention_total",
			Help: "Total number of lease attempts lost to another worker.",
		},
	)

	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subworker_leases_reclaimed_total",
			Help: "Total number of expired leases swept back to ready.",
		},
	)

	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subworker_task_duration_seconds",
			Help:    "Handler execution time by task type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subworker_outbox_events_total",
			Help: "Total number of outbox events appended, by event type.",
		},
		[]string{"event_type"},
	)

	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subworker_charges_total",
			Help: "Total number of payment charge attempts, by outcome.",
		},
		[]string{"outcome"}, // approved, declined, error
	)
)

// MustRegister registers all worker metrics on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksProcessedTotal,
		TasksReleasedTotal,
		LeaseContentionTotal,
		LeasesReclaimedTotal,
		TaskDurationSeconds,
		OutboxEventsTotal,
		ChargesTotal,
	)
}

// RecordTaskProcessed counts a task reaching a terminal status.
func RecordTaskProcessed(taskType, outcome string) {
	TasksProcessedTotal.WithLabelValues(taskType, outcome).Inc()
}

// RecordTaskReleased counts a task returned to ready for retry.
func RecordTaskReleased(taskType string) {
	TasksReleasedTotal.WithLabelValues(taskType).Inc()
}

// RecordLeaseContention counts a lease attempt lost to another worker.
func RecordLeaseContention() {
	LeaseContentionTotal.Inc()
}

// RecordLeasesReclaimed counts expired leases swept back to ready.
func RecordLeasesReclaimed(count int) {
	LeasesReclaimedTotal.Add(float64(count))
}

// ObserveTaskDuration records handler execution time for a task type.
func ObserveTaskDuration(taskType string, d time.Duration) {
	TaskDurationSeconds.WithLabelValues(taskType).Observe(d.Seconds())
}

// RecordOutboxEvent counts an appended outbox event.
func RecordOutboxEvent(eventType string) {
	OutboxEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordCharge counts a payment charge attempt outcome.
func RecordCharge(outcome string) {
	ChargesTotal.WithLabelValues(outcome).Inc()
}
