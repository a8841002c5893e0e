package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transfers tracks every drain attempt that reached the connector or found nothing to do
	// status: success, error, empty
	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_transfers_total",
		Help: "Total number of outbox drain attempts by result",
	}, []string{"status"})

	// BatchDuration measures a whole drain: outbox read, row re-read, upload and ack
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_batch_duration_seconds",
		Help:    "Duration of a drain-and-upload cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BatchSize tracks the number of operations actually uploaded per batch
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_batch_size",
		Help:    "Number of operations uploaded per batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	})

	// OutboxBacklog is the number of records still waiting after the last drain.
	// The primary indicator of upload lag
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_outbox_backlog",
		Help: "Current number of pending records in the local outbox",
	})

	// DegradedOperations counts PUT/PATCH records uploaded as DELETE because the row was gone
	DegradedOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_degraded_operations_total",
		Help: "Operations reclassified as DELETE at drain time",
	}, []string{"table"})

	// CredentialRetries counts failed credential fetches that were retried
	CredentialRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_credential_retries_total",
		Help: "Total number of credential fetch retries",
	})

	// ConnectorHealthy is 1 after a successful upload and 0 after a failed one
	ConnectorHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_connector_healthy",
		Help: "Upload health (1 for healthy, 0 for failing)",
	})

	// DebounceFlushes counts transfers started by the debouncer
	// trigger: timer, flush
	DebounceFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_debounce_flushes_total",
		Help: "Transfers started by the debouncer by trigger",
	}, []string{"trigger"})

	// RabbitMQReconnections counts how many times the AMQP connector had to restore the link
	RabbitMQReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_rabbitmq_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})
)
