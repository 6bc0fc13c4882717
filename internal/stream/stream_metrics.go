package stream

import "github.com/prometheus/client_golang/prometheus"

// MessagesTotal counts consumed messages by outcome.
var MessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "qff",
		Name:      "stream_messages_total",
		Help:      "Stream messages handled, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(MessagesTotal)
}
