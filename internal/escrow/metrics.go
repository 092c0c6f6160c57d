package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	// actionsTotal counts handled actions by kind and outcome.
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "escrow",
			Name:      "actions_total",
			Help:      "Escrow actions handled by kind and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// transfersTotal counts ledger transfers by outcome (ok, failed, interrupted).
	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "escrow",
			Name:      "transfers_total",
			Help:      "Ledger transfers dispatched by outcome.",
		},
		[]string{"outcome"},
	)

	transferDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "transfer_duration_seconds",
		Help:      "Time spent waiting on the ledger for a transfer reply.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	pendingTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "pending_transactions",
		Help:      "Pending transaction records found by the last sweep.",
	})

	callsNeedingRerun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "calls_needing_rerun",
		Help:      "Interrupted ledger calls found by the last sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		actionsTotal,
		transfersTotal,
		transferDuration,
		pendingTransactions,
		callsNeedingRerun,
	)
}

// observeAction records the outcome of one action.
func observeAction(kind ActionKind, outcome string) {
	actionsTotal.WithLabelValues(string(kind), outcome).Inc()
}
