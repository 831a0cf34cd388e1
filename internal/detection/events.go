package detection

import "time"

// Event types pushed to realtime subscribers.
const (
	EventFlagRaised     = "detection.flagged"
	EventAlertDismissed = "detection.alert_dismissed"
	EventSimulated      = "detection.simulated"
	EventStarted        = "detection.started"
	EventStopped        = "detection.stopped"
)

// Event is a detection state change worth pushing to a parent's UI.
type Event struct {
	Type     string        `json:"type"`
	ChildID  string        `json:"childId"`
	ParentID string        `json:"parentId,omitempty"`
	At       time.Time     `json:"at"`
	Alert    *PendingAlert `json:"alert,omitempty"`
}

// EventSink receives detection events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish calls f(e).
func (f EventSinkFunc) Publish(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Publish(Event) {}
