package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/aurawatch/internal/arbiter"
	"github.com/mbd888/aurawatch/internal/device"
	"github.com/mbd888/aurawatch/internal/risk"
)

// SimulateRequest describes an app to push through the pipeline by hand.
type SimulateRequest struct {
	AppName  string `json:"appName"`
	AppID    string `json:"appId"`
	ChildAge int    `json:"childAge"`
	ChildID  string `json:"childId"`
	ParentID string `json:"parentId,omitempty"`
}

// SimulationResult is what the pipeline would have decided.
type SimulationResult struct {
	Matched      bool             `json:"matched"`
	Entry        *risk.Entry      `json:"entry,omitempty"`
	Verdict      *arbiter.Verdict `json:"verdict,omitempty"`
	Outcome      arbiter.Outcome  `json:"outcome,omitempty"`
	WouldFlag    bool             `json:"wouldFlag"`
	PendingAlert *PendingAlert    `json:"pendingAlert,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Simulate runs Tier-1 and Tier-2 for one app with a synthetic dwell,
// bypassing dedup, cooldown and dwell gates. It never dispatches and never
// touches cooldowns, session starts or flag counters. A verdict that clears
// the confidence gate becomes the pending alert, marked simulated.
func (d *Detector) Simulate(ctx context.Context, req SimulateRequest) (SimulationResult, error) {
	var res SimulationResult
	err := d.exec(ctx, func(ctx context.Context) {
		res = d.simulate(ctx, req)
	})
	return res, err
}

func (d *Detector) simulate(ctx context.Context, req SimulateRequest) SimulationResult {
	app := device.App{Identifier: req.AppID, DisplayName: req.AppName}
	entry, ok := d.deps.Matcher.Match(app.Identifier, app.DisplayName)
	if !ok {
		simulationsTotal.WithLabelValues("safe").Inc()
		d.record(LogEntry{Kind: LogSimulated, AppID: app.Identifier, AppName: app.Name(), Message: "[Simulated] Safe: " + app.Name()})
		return SimulationResult{}
	}
	res := SimulationResult{Matched: true, Entry: &entry}

	age := req.ChildAge
	if age <= 0 {
		age = d.child.Age
	}
	now := d.clock.Now()
	ar, err := d.analyze(ctx, d.buildContext(app, entry, d.cfg.SimulatedDwell, age, now))
	if err != nil {
		simulationsTotal.WithLabelValues("error").Inc()
		d.record(LogEntry{Kind: LogError, AppID: app.Identifier, AppName: app.Name(), Message: "[Simulated] Tier-2 analysis failed: " + err.Error()})
		res.Error = err.Error()
		return res
	}

	v := ar.Verdict
	res.Verdict = &v
	res.Outcome = ar.Outcome
	res.WouldFlag = v.Suspicious && v.Confidence >= d.cfg.ConfidenceThreshold
	if !res.WouldFlag {
		simulationsTotal.WithLabelValues("cleared").Inc()
		d.record(LogEntry{
			Kind:       LogSimulated,
			AppID:      app.Identifier,
			AppName:    app.Name(),
			Message:    fmt.Sprintf("[Simulated] Cleared: %s (%s)", app.Name(), v.Reasoning),
			Severity:   v.Severity,
			Confidence: v.Confidence,
		})
		return res
	}

	simulationsTotal.WithLabelValues("flagged").Inc()
	d.st.pendingAlert = &PendingAlert{
		AppName:    app.Name(),
		AppID:      app.Identifier,
		Category:   entry.Category,
		Severity:   v.Severity,
		Reasoning:  v.Reasoning,
		Confidence: v.Confidence,
		Simulated:  true,
		RaisedAt:   now,
	}
	d.record(LogEntry{
		Kind:       LogSimulated,
		AppID:      app.Identifier,
		AppName:    app.Name(),
		Message:    fmt.Sprintf("[Simulated] Would flag %s (%s, %d min dwell): %s", app.Name(), entry.Category, int(d.cfg.SimulatedDwell/time.Minute), v.Reasoning),
		Severity:   v.Severity,
		Confidence: v.Confidence,
	})

	alert := *d.st.pendingAlert
	res.PendingAlert = &alert
	parentID := req.ParentID
	if parentID == "" {
		parentID = d.child.ParentID
	}
	d.deps.Events.Publish(Event{Type: EventSimulated, ChildID: d.childID, ParentID: parentID, At: now, Alert: &alert})
	return res
}
