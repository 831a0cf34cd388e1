package detection

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurawatch",
		Subsystem: "detection",
		Name:      "ticks_total",
		Help:      "Poll ticks by result (safe, waiting, cooldown, cleared, flagged, ...).",
	}, []string{"result"})

	flagsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurawatch",
		Subsystem: "detection",
		Name:      "flags_total",
		Help:      "Flags raised by the poll loop by severity.",
	}, []string{"severity"})

	simulationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurawatch",
		Subsystem: "detection",
		Name:      "simulations_total",
		Help:      "Simulated detections by result.",
	}, []string{"result"})

	activeDetectors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aurawatch",
		Subsystem: "detection",
		Name:      "active_detectors",
		Help:      "Children with a live poll loop.",
	})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aurawatch",
		Subsystem: "detection",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one poll tick.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(ticksTotal, flagsTotal, simulationsTotal, activeDetectors, tickDuration)
}
