// Package metrics is component J: Prometheus counters for queue depth,
// processing throughput, and buffer health, plus the readiness
// aggregator and minimal HTTP surface (/healthz, /readyz, /metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every gauge/counter the flusher and components update.
// Per-worker counts are accumulated locally by the owning component
// (queue.Queue, schema.Registry, pending.Buffer) and drained into these
// Prometheus metrics roughly every 500ms by Flusher, matching §4.J's
// "buffered in process, flushed every ~500ms to shared cluster counters."
type Registry struct {
	EventsProcessed *prometheus.CounterVec
	EventErrors     *prometheus.CounterVec

	QueueStreamLength prometheus.Gauge
	QueuePending      prometheus.Gauge
	QueueDeadLetter   prometheus.Gauge

	SchemaValid   prometheus.Gauge
	SchemaInvalid prometheus.Gauge
	SchemaUnknown prometheus.Gauge

	PendingBufferSize prometheus.Gauge
	PendingDropped    prometheus.Gauge
	PendingExpired    prometheus.Gauge

	FirehoseConnected prometheus.Gauge

	ThreadGateRejections prometheus.Gauge
}

func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "atview"
	}

	return &Registry{
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total firehose events pushed to the queue, by kind.",
		}, []string{"kind"}),

		EventErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_errors_total",
			Help:      "Total event processing errors, by reason.",
		}, []string{"reason"}),

		QueueStreamLength: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_stream_length",
			Help:      "Approximate length of the commit stream.",
		}),

		QueuePending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Messages delivered but not yet acked.",
		}),

		QueueDeadLetter: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_dead_letter_length",
			Help:      "Length of the dead-letter stream.",
		}),

		SchemaValid: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_valid_total",
			Help:      "Records that validated successfully.",
		}),
		SchemaInvalid: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_invalid_total",
			Help:      "Records dropped for failing schema validation.",
		}),
		SchemaUnknown: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_unknown_total",
			Help:      "Records of an unregistered type, passed through.",
		}),

		PendingBufferSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_buffer_size",
			Help:      "Entries currently held in the pending-op buffer.",
		}),
		PendingDropped: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_dropped_total",
			Help:      "Pending-op entries dropped for exceeding a capacity bound.",
		}),
		PendingExpired: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_expired_total",
			Help:      "Pending-op entries evicted by TTL.",
		}),

		FirehoseConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "firehose_connected",
			Help:      "Firehose WebSocket state gauge; nothing in this module sets it, so it reports 0.",
		}),

		ThreadGateRejections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "thread_gate_rejections_total",
			Help:      "Replies excluded from an assembled thread for failing their root's reply gate.",
		}),
	}
}
