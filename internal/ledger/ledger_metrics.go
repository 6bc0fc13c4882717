package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qff",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qff",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// ChainLength tracks the sequence number of the newest entry.
	ChainLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "qff",
			Name:      "ledger_chain_length",
			Help:      "Sequence number of the newest ledger entry.",
		},
	)

	// AppendConflictsTotal counts appends that lost a race for the chain tail.
	AppendConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qff",
			Name:      "ledger_append_conflicts_total",
			Help:      "Appends retried because the chain tail moved.",
		},
	)

	// ChainViolationsTotal counts integrity violations found by verification.
	ChainViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qff",
			Name:      "ledger_chain_violations_total",
			Help:      "Integrity violations reported by chain verification.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		ChainLength,
		AppendConflictsTotal,
		ChainViolationsTotal,
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
