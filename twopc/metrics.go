package twopc

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docshard",
			Subsystem: "twopc",
			Name:      "decisions",
			Help:      "Counter of coordinator decisions.",
		}, []string{"decision"})

	activeCoordinatorGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docshard",
			Subsystem: "twopc",
			Name:      "active_coordinators",
			Help:      "Gauge of coordinators that have not reached an outcome.",
		})
)

func init() {
	prometheus.MustRegister(decisionCounter)
	prometheus.MustRegister(activeCoordinatorGauge)
}
