// Package metrics holds the process-wide Prometheus collectors that span
// packages: pipeline outcomes, risk decisions, quantum sessions, alerts,
// the realtime stream and HTTP traffic. Package-local instrumentation
// lives next to its code in *_metrics.go files.
package metrics

import (
	"database/sql"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "qff"

var (
	// AnalyzeTotal counts risk analyses by recommendation.
	AnalyzeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analyze_total",
		Help:      "Risk analyses by recommendation.",
	}, []string{"recommendation"})

	// RiskScore is the distribution of safety scores handed out.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Safety scores assigned by the risk engine (0 riskiest, 100 safest).",
		Buckets:   prometheus.LinearBuckets(10, 10, 10),
	})

	// QKDAttemptTotal counts quantum session establishment attempts by outcome.
	QKDAttemptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "qkd_attempt_total",
		Help:      "Quantum key establishment attempts by status.",
	}, []string{"status"})

	// PipelineOutcomesTotal counts orchestrated transactions by final outcome.
	PipelineOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_outcomes_total",
		Help:      "Transactions processed end to end, by outcome.",
	}, []string{"outcome"})

	// PipelineDuration observes end-to-end processing time by outcome.
	PipelineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_duration_seconds",
		Help:      "Time from receipt to final outcome.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"outcome"})

	// AlertsTotal counts alerts raised by level.
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alerts raised by level.",
	}, []string{"level"})

	// AlertDeliveriesTotal counts webhook alert delivery attempts by result.
	AlertDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_deliveries_total",
		Help:      "Alert webhook deliveries by result.",
	}, []string{"result"})

	// ActiveWebSocketClients tracks connected stream subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Currently connected WebSocket subscribers.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Always 1; labels carry the running version and post-quantum backend.",
	}, []string{"version", "pqc_backend"})
)

func init() {
	prometheus.MustRegister(
		AnalyzeTotal,
		RiskScore,
		QKDAttemptTotal,
		PipelineOutcomesTotal,
		PipelineDuration,
		AlertsTotal,
		AlertDeliveriesTotal,
		ActiveWebSocketClients,
		buildInfo,
	)
}

// SetBuildInfo publishes the running version and PQC backend.
func SetBuildInfo(version, backend string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, backend).Set(1)
}

var dbOnce sync.Once

// RegisterDBStats exports sql.DBStats for the ledger pool. Only the first
// database registered in a process is exported.
func RegisterDBStats(db *sql.DB) error {
	var err error
	dbOnce.Do(func() {
		err = prometheus.Register(collectors.NewDBStatsCollector(db, "ledger"))
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			err = nil
		}
	})
	return err
}
