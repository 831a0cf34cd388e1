package webhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/aurawatch/internal/detection"
	"github.com/mbd888/aurawatch/internal/idgen"
)

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aurawatch",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by event type and result.",
}, []string{"event_type", "result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

var detectionEvents = map[string]EventType{
	detection.EventFlagRaised:     EventChildFlagged,
	detection.EventAlertDismissed: EventAlertDismissed,
	detection.EventStarted:        EventDetectionStarted,
	detection.EventStopped:        EventDetectionStopped,
}

// Publish implements detection.EventSink. Simulations and events without a
// linked parent are not forwarded.
func (d *Dispatcher) Publish(e detection.Event) {
	t, ok := detectionEvents[e.Type]
	if !ok || e.ParentID == "" {
		return
	}
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Timestamp: e.At,
		ChildID:   e.ChildID,
		ParentID:  e.ParentID,
	}
	if e.Alert != nil {
		ev.Data = e.Alert
	}
	d.Deliver(ev)
}
