package arbiter

import "github.com/prometheus/client_golang/prometheus"

var (
	arbiterCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurawatch",
		Subsystem: "arbiter",
		Name:      "calls_total",
		Help:      "Tier-2 analyses by outcome (ok, call_error, parse_error, validation_error).",
	}, []string{"outcome"})

	arbiterLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aurawatch",
		Subsystem: "arbiter",
		Name:      "duration_seconds",
		Help:      "Duration of Tier-2 analyses including the reasoning call.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
	})
)

func init() {
	prometheus.MustRegister(arbiterCalls, arbiterLatency)
}
