package txn

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docshard",
			Subsystem: "txn",
			Name:      "events",
			Help:      "Counter of participant transaction events",
		}, []string{"type"})

	openTxnGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docshard",
			Subsystem: "txn",
			Name:      "open",
			Help:      "Open transactions by activity state",
		}, []string{"state"})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(openTxnGauge)
}
