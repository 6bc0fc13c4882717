package quantum

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QuantumOpsTotal counts session and key operations by type.
	QuantumOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qff",
			Name:      "quantum_operations_total",
			Help:      "Total quantum session and key operations by type.",
		},
		[]string{"type"},
	)

	// QuantumOpDuration observes operation latency by type.
	QuantumOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qff",
			Name:      "quantum_operation_duration_seconds",
			Help:      "Quantum operation duration in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"type"},
	)

	// ActiveSessions tracks stored sessions as of the last status call.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "qff",
			Name:      "quantum_active_sessions",
			Help:      "Stored quantum sessions at the last status probe.",
		},
	)

	// SessionsSweptTotal counts sessions removed by the sweeper.
	SessionsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qff",
			Name:      "quantum_sessions_swept_total",
			Help:      "Expired quantum sessions removed by the sweeper.",
		},
	)
)

func init() {
	prometheus.MustRegister(QuantumOpsTotal, QuantumOpDuration, ActiveSessions, SessionsSweptTotal)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	QuantumOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		QuantumOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
