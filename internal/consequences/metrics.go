package consequences

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurawatch",
		Subsystem: "dispatch",
		Name:      "flags_total",
		Help:      "Flags dispatched by severity.",
	}, []string{"severity"})

	stepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurawatch",
		Subsystem: "dispatch",
		Name:      "step_errors_total",
		Help:      "Failed consequence steps (persist, deduct, resolve_parent, resolve_phone, notify, mark_notified).",
	}, []string{"step"})
)

func init() {
	prometheus.MustRegister(dispatchesTotal, stepErrors)
}
