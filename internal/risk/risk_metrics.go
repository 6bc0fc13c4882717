package risk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RiskOpsTotal counts risk engine operations by type.
	RiskOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qff",
			Name:      "risk_operations_total",
			Help:      "Total risk engine operations by type.",
		},
		[]string{"type"},
	)

	// RiskOpDuration observes operation latency by type.
	RiskOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qff",
			Name:      "risk_operation_duration_seconds",
			Help:      "Risk engine operation duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"type"},
	)

	// OutlierRefitsTotal counts background refits by result.
	OutlierRefitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qff",
			Name:      "outlier_refits_total",
			Help:      "Outlier model refits by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(RiskOpsTotal, RiskOpDuration, OutlierRefitsTotal)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	RiskOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		RiskOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
