// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pacepipe"

var (
	// QueueItems mirrors the dispatcher counters by status.
	QueueItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Number of work items by status",
		},
		[]string{"status"},
	)

	// SessionBacklog tracks unresolved items per session.
	SessionBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "session_backlog",
			Help:      "Items enqueued for a session that have not reached a terminal outcome",
		},
		[]string{"session"},
	)

	// SendsTotal counts send attempts by message kind and outcome.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "sends_total",
			Help:      "Send attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// SendDuration tracks how long the backend send call takes.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "send_duration_seconds",
			Help:      "Time spent in the backend send call",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	// PauseSeconds tracks the pauses applied before sends.
	PauseSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "pause_seconds",
			Help:      "Pauses honored before a send, by class",
			Buckets:   []float64{1, 2, 4, 8, 15, 30, 60, 90, 120},
		},
		[]string{"class"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status_code"},
	)
)

// RecordQueueStats updates the queue gauges from a stats snapshot.
func RecordQueueStats(stats models.QueueStats) {
	QueueItems.WithLabelValues("total").Set(float64(stats.Total))
	QueueItems.WithLabelValues("pending").Set(float64(stats.Pending))
	QueueItems.WithLabelValues("processing").Set(float64(stats.Processing))
	QueueItems.WithLabelValues("completed").Set(float64(stats.Completed))
	QueueItems.WithLabelValues("failed").Set(float64(stats.Failed))
	QueueItems.WithLabelValues("retried").Set(float64(stats.Retried))
	for session, n := range stats.BySession {
		SessionBacklog.WithLabelValues(session).Set(float64(n))
	}
}

// RecordSend records one send attempt.
func RecordSend(kind, outcome string, d time.Duration) {
	SendsTotal.WithLabelValues(kind, outcome).Inc()
	SendDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordPause records a pause honored before a send.
func RecordPause(class string, d time.Duration) {
	PauseSeconds.WithLabelValues(class).Observe(d.Seconds())
}
