package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ApplyDuration tracks how long one upstream operation takes to commit.
	// Larger buckets because Firebird 2.5 on HDDs can be slow
	ApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upstream_apply_duration_seconds",
		Help:    "Time taken to apply an uploaded batch to the upstream database",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status", "table", "operation"}) // status: success, error

	// Operations tracks the throughput and result of applied operations
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_operations_total",
		Help: "Total number of uploaded operations processed by the server",
	}, []string{"status", "operation"}) // status: success, rejected, error

	// LockRetries tracks how many times a batch was retried due to locks
	LockRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_lock_retries_total",
		Help: "Number of internal retries triggered by upstream locks/deadlocks",
	}, []string{"table"})

	// TokensIssued counts credentials handed out by the token endpoint
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upstream_tokens_issued_total",
		Help: "Total number of sync tokens issued",
	})
)
