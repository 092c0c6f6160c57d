package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// transfersReplayed counts transfers answered from the idempotency record.
	transfersReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "ledger",
			Name:      "transfers_replayed_total",
			Help:      "Transfers whose (origin, txId) had already been applied.",
		},
	)

	// LedgerSupply tracks the total amount minted.
	LedgerSupply = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Subsystem: "ledger",
			Name:      "supply_total",
			Help:      "Sum of all minted balances.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		transfersReplayed,
		LedgerSupply,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
