// Package detection runs the suspicious-activity loop for each child.
//
// Each child gets one Detector. A Detector is an actor: a single goroutine
// owns the runtime state (cooldowns, session starts, flag counters, logs) and
// serializes poll ticks, start/stop requests and simulations. Other
// goroutines talk to it through a command channel and read published
// snapshots, so the state itself needs no locks and ticks never overlap.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/aurawatch/internal/accounts"
	"github.com/mbd888/aurawatch/internal/arbiter"
	"github.com/mbd888/aurawatch/internal/consequences"
	"github.com/mbd888/aurawatch/internal/device"
	"github.com/mbd888/aurawatch/internal/logging"
	"github.com/mbd888/aurawatch/internal/risk"
	"github.com/mbd888/aurawatch/internal/traces"
)

// ErrClosed is returned when the detector's goroutine has exited.
var ErrClosed = errors.New("detector closed")

// ErrUnknownChild is returned when the child directory has no such child.
var ErrUnknownChild = errors.New("unknown child")

// ForegroundSource reports what the child's device shows.
type ForegroundSource interface {
	Available(ctx context.Context, childID string) bool
	ForegroundApp(ctx context.Context, childID string) (device.App, bool, error)
}

// FeatureFlags reports the parent's detection toggle.
type FeatureFlags interface {
	DetectionEnabled(ctx context.Context, childID string) (bool, error)
}

// ChildDirectory resolves a child's age and linked parent.
type ChildDirectory interface {
	ChildProfile(ctx context.Context, childID string) (accounts.Child, error)
}

// Matcher is the Tier-1 registry lookup.
type Matcher interface {
	Match(appID, appName string) (risk.Entry, bool)
}

// Analyzer is the Tier-2 arbiter.
type Analyzer interface {
	Analyze(ctx context.Context, c arbiter.Context) arbiter.Result
}

// Dispatcher applies consequences of a flag.
type Dispatcher interface {
	Dispatch(ctx context.Context, f consequences.Flag) consequences.Outcome
}

// Deps are a detector's collaborators.
type Deps struct {
	Source     ForegroundSource
	Flags      FeatureFlags
	Children   ChildDirectory
	Matcher    Matcher
	Analyzer   Analyzer
	Dispatcher Dispatcher
	Events     EventSink
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

type command struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Detector runs detection for one child.
type Detector struct {
	childID string
	cfg     Config
	deps    Deps
	clock   clockwork.Clock
	logger  *slog.Logger

	cmds chan command
	done chan struct{}
	snap atomic.Pointer[Snapshot]

	// owned by run
	st     *state
	ticker clockwork.Ticker
	child  accounts.Child
}

// NewDetector creates a detector. Call Run in a goroutine before using it.
func NewDetector(childID string, cfg Config, deps Deps) *Detector {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	d := &Detector{
		childID: childID,
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		logger:  deps.Logger.With("child_id", childID),
		cmds:    make(chan command),
		done:    make(chan struct{}),
		st:      newState(cfg.LogCapacity),
		child:   accounts.Child{ID: childID},
	}
	d.publish()
	return d
}

// ChildID returns the child this detector serves.
func (d *Detector) ChildID() string { return d.childID }

// Run is the actor loop. It returns when ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	defer close(d.done)
	defer func() {
		if d.ticker != nil {
			d.ticker.Stop()
			d.ticker = nil
			d.st.isDetecting = false
			activeDetectors.Dec()
			d.publish()
		}
	}()

	for {
		var tick <-chan time.Time
		if d.ticker != nil {
			tick = d.ticker.Chan()
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-d.cmds:
			// a tick that is already due runs before the command
			select {
			case <-tick:
				d.safeRun(ctx, "tick", d.tick)
			default:
			}
			d.safeRun(ctx, "command", cmd.fn)
			d.publish()
			close(cmd.done)
		case <-tick:
			d.safeRun(ctx, "tick", d.tick)
			d.publish()
		}
	}
}

// Done is closed when Run has returned.
func (d *Detector) Done() <-chan struct{} { return d.done }

// Snapshot returns the latest published state without blocking.
func (d *Detector) Snapshot() Snapshot {
	return *d.snap.Load()
}

// exec runs fn on the detector goroutine and waits for it.
func (d *Detector) exec(ctx context.Context, fn func(ctx context.Context)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case d.cmds <- cmd:
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins polling. It reports false without error when polling is
// already live, the device has not granted usage access, or the parent
// turned detection off.
func (d *Detector) Start(ctx context.Context) (bool, error) {
	var started bool
	err := d.exec(ctx, func(ctx context.Context) {
		started = d.start(ctx)
	})
	return started, err
}

// Stop halts polling and clears per-session state. Idempotent. A tick that
// is already running finishes first.
func (d *Detector) Stop(ctx context.Context) error {
	return d.exec(ctx, func(context.Context) {
		d.stop("Detection stopped")
	})
}

// DismissAlert clears the pending alert.
func (d *Detector) DismissAlert(ctx context.Context) error {
	return d.exec(ctx, func(context.Context) {
		if d.st.pendingAlert == nil {
			return
		}
		d.st.pendingAlert = nil
		d.deps.Events.Publish(Event{Type: EventAlertDismissed, ChildID: d.childID, ParentID: d.child.ParentID, At: d.clock.Now()})
	})
}

// ResetDailyCount clears the daily flag counters.
func (d *Detector) ResetDailyCount(ctx context.Context) error {
	return d.exec(ctx, func(context.Context) {
		d.st.resetDaily()
		d.record(LogEntry{Kind: LogInfo, Message: "Daily flag count reset"})
	})
}

func (d *Detector) start(ctx context.Context) bool {
	switch {
	case d.ticker != nil:
		return false
	case d.childID == "":
		d.record(LogEntry{Kind: LogInfo, Message: "Detection not started: no child selected"})
		return false
	case !d.deps.Source.Available(ctx, d.childID):
		d.record(LogEntry{Kind: LogInfo, Message: "Detection not started: usage access not granted on device"})
		return false
	}

	enabled, err := d.deps.Flags.DetectionEnabled(ctx, d.childID)
	if err != nil {
		d.record(LogEntry{Kind: LogError, Message: "Detection not started: " + err.Error()})
		return false
	}
	if !enabled {
		d.record(LogEntry{Kind: LogInfo, Message: "Detection not started: disabled in settings"})
		return false
	}

	d.refreshChild(ctx)
	d.ticker = d.clock.NewTicker(d.cfg.PollInterval)
	d.st.isDetecting = true
	activeDetectors.Inc()
	d.record(LogEntry{Kind: LogInfo, Message: fmt.Sprintf("Detection started, polling every %s", d.cfg.PollInterval)})
	d.deps.Events.Publish(Event{Type: EventStarted, ChildID: d.childID, ParentID: d.child.ParentID, At: d.clock.Now()})
	return true
}

func (d *Detector) stop(reason string) {
	if d.ticker == nil {
		return
	}
	d.ticker.Stop()
	d.ticker = nil
	d.st.endSession()
	activeDetectors.Dec()
	d.record(LogEntry{Kind: LogInfo, Message: reason})
	d.deps.Events.Publish(Event{Type: EventStopped, ChildID: d.childID, ParentID: d.child.ParentID, At: d.clock.Now()})
}

// refreshChild loads age and parent. An unknown child keeps age 0 and lets
// the dispatcher resolve the parent later.
func (d *Detector) refreshChild(ctx context.Context) {
	if d.deps.Children == nil {
		return
	}
	c, err := d.deps.Children.ChildProfile(ctx, d.childID)
	if err != nil {
		if !errors.Is(err, accounts.ErrNotFound) {
			d.logger.Warn("failed to load child profile", "error", err)
		}
		return
	}
	d.child = c
}

func (d *Detector) tick(ctx context.Context) {
	ctx, span := traces.StartSpan(ctx, "detection.tick", traces.ChildID(d.childID))
	defer span.End()

	start := d.clock.Now()
	result := d.evaluate(ctx)
	ticksTotal.WithLabelValues(result).Inc()
	tickDuration.Observe(d.clock.Since(start).Seconds())
	span.SetAttributes(traces.Outcome(result))
}

// evaluate is one poll. It returns the tick result label.
func (d *Detector) evaluate(ctx context.Context) string {
	enabled, err := d.deps.Flags.DetectionEnabled(ctx, d.childID)
	if err != nil {
		d.record(LogEntry{Kind: LogError, Message: "Feature flag check failed: " + err.Error()})
		return "flag_error"
	}
	if !enabled {
		d.stop("Detection disabled in settings")
		return "disabled"
	}

	if d.st.flagCountToday >= d.cfg.MaxFlagsPerDay {
		d.record(LogEntry{Kind: LogPaused, Message: fmt.Sprintf("Paused: daily limit of %d flags reached", d.cfg.MaxFlagsPerDay)})
		return "paused"
	}

	qctx, cancel := context.WithTimeout(ctx, d.cfg.ForegroundTimeout)
	app, ok, err := d.deps.Source.ForegroundApp(qctx, d.childID)
	cancel()
	if err != nil {
		d.record(LogEntry{Kind: LogError, Message: "Foreground query failed: " + err.Error()})
		return "query_error"
	}
	if !ok || app.Identifier == "" {
		return "idle"
	}

	if strings.EqualFold(app.Identifier, d.cfg.SelfPackage) {
		return "self"
	}

	now := d.clock.Now()
	if app.Identifier == d.st.lastCheckedApp && now.Sub(d.st.lastCheckedAt) < d.cfg.SameAppSkip {
		return "dedup"
	}
	d.st.lastCheckedApp = app.Identifier
	d.st.lastCheckedAt = now

	entry, matched := d.deps.Matcher.Match(app.Identifier, app.DisplayName)
	if !matched {
		d.record(LogEntry{Kind: LogSafe, AppID: app.Identifier, AppName: app.Name(), Message: "Safe: " + app.Name()})
		return "safe"
	}

	if last, ok := d.st.cooldowns[app.Identifier]; ok {
		if remaining := d.cfg.AlertCooldown - now.Sub(last); remaining > 0 {
			d.record(LogEntry{
				Kind:    LogCooldown,
				AppID:   app.Identifier,
				AppName: app.Name(),
				Message: fmt.Sprintf("Cooldown: %s flagged recently, %s remaining", app.Name(), remaining.Round(time.Second)),
			})
			return "cooldown"
		}
	}

	// Dwell is wall-clock time since the first sighting this session, so
	// time spent in other apps in between still counts.
	first, seen := d.st.sessionStarts[app.Identifier]
	if !seen {
		first = now
		d.st.sessionStarts[app.Identifier] = now
	}
	dwell := now.Sub(first)
	if need := time.Duration(entry.MinMinutesBeforeFlag) * time.Minute; dwell < need {
		d.record(LogEntry{
			Kind:    LogWaiting,
			AppID:   app.Identifier,
			AppName: app.Name(),
			Message: fmt.Sprintf("Watching %s (%s): %d of %d minutes", app.Name(), entry.Category, int(dwell/time.Minute), entry.MinMinutesBeforeFlag),
		})
		return "waiting"
	}

	res, err := d.analyze(ctx, d.buildContext(app, entry, dwell, d.child.Age, now))
	if err != nil {
		d.record(LogEntry{Kind: LogError, AppID: app.Identifier, AppName: app.Name(), Message: "Tier-2 analysis failed: " + err.Error()})
		return "arbiter_error"
	}

	v := res.Verdict
	if !v.Suspicious || v.Confidence < d.cfg.ConfidenceThreshold {
		d.record(LogEntry{
			Kind:       LogCleared,
			AppID:      app.Identifier,
			AppName:    app.Name(),
			Message:    fmt.Sprintf("Cleared: %s (%s)", app.Name(), v.Reasoning),
			Severity:   v.Severity,
			Confidence: v.Confidence,
		})
		return "cleared"
	}

	d.flag(ctx, app, entry, v, now)
	return "flagged"
}

func (d *Detector) flag(ctx context.Context, app device.App, entry risk.Entry, v arbiter.Verdict, now time.Time) {
	d.st.cooldowns[app.Identifier] = now
	d.st.flagCountToday++
	d.st.appFlags[app.Identifier]++
	d.st.pendingAlert = &PendingAlert{
		AppName:        app.Name(),
		AppID:          app.Identifier,
		Category:       entry.Category,
		Severity:       v.Severity,
		Reasoning:      v.Reasoning,
		Confidence:     v.Confidence,
		PenaltyApplied: v.Severity == risk.SeverityCritical,
		RaisedAt:       now,
	}
	flagsTotal.WithLabelValues(string(v.Severity)).Inc()
	d.record(LogEntry{
		Kind:       LogFlagged,
		AppID:      app.Identifier,
		AppName:    app.Name(),
		Message:    fmt.Sprintf("Flagged %s (%s): %s", app.Name(), entry.Category, v.Reasoning),
		Severity:   v.Severity,
		Confidence: v.Confidence,
	})

	out := d.deps.Dispatcher.Dispatch(ctx, consequences.Flag{
		ChildID:    d.childID,
		ParentID:   d.child.ParentID,
		AppName:    app.Name(),
		AppID:      app.Identifier,
		Category:   entry.Category,
		Severity:   v.Severity,
		Confidence: v.Confidence,
		Reasoning:  v.Reasoning,
	})
	d.st.pendingAlert.AlertID = out.AlertID
	d.st.pendingAlert.PenaltyApplied = out.PenaltyApplied

	alert := *d.st.pendingAlert
	d.deps.Events.Publish(Event{
		Type:     EventFlagRaised,
		ChildID:  d.childID,
		ParentID: d.child.ParentID,
		At:       now,
		Alert:    &alert,
	})
}

func (d *Detector) buildContext(app device.App, entry risk.Entry, dwell time.Duration, age int, now time.Time) arbiter.Context {
	return arbiter.Context{
		AppName:          app.Name(),
		AppID:            app.Identifier,
		Category:         entry.Category,
		Description:      entry.Description,
		TimeOfDay:        now.In(d.cfg.Location).Format("15:04"),
		SessionMinutes:   int(dwell / time.Minute),
		ChildAge:         age,
		PriorFlagsToday:  d.st.flagCountToday,
		PriorFlagsForApp: d.st.appFlags[app.Identifier],
	}
}

// analyze calls Tier-2. The arbiter never fails by itself, so an error here
// means the call panicked or the detector is shutting down.
func (d *Detector) analyze(ctx context.Context, c arbiter.Context) (res arbiter.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("arbiter panic: %v", r)
		}
	}()
	res = d.deps.Analyzer.Analyze(ctx, c)
	if ctx.Err() != nil {
		return arbiter.Result{}, fmt.Errorf("analysis abandoned: %w", ctx.Err())
	}
	return res, nil
}

// record appends to the ring buffer and mirrors the entry to slog.
func (d *Detector) record(e LogEntry) {
	if e.At.IsZero() {
		e.At = d.clock.Now()
	}
	d.st.logs.Add(e)

	attrs := []any{"kind", e.Kind}
	if e.AppID != "" {
		attrs = append(attrs, "app", e.AppID)
	}
	if e.Severity != "" {
		attrs = append(attrs, "severity", e.Severity, "confidence", e.Confidence)
	}
	switch e.Kind {
	case LogError:
		d.logger.Warn(e.Message, attrs...)
	case LogFlagged:
		d.logger.Info(e.Message, attrs...)
	default:
		d.logger.Debug(e.Message, attrs...)
	}
}

func (d *Detector) publish() {
	d.snap.Store(d.st.snapshot(d.childID, d.cfg.MaxFlagsPerDay, d.clock.Now()))
}

func (d *Detector) safeRun(ctx context.Context, what string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			ticksTotal.WithLabelValues("panic").Inc()
			d.logger.Error("panic in detector "+what, "panic", fmt.Sprint(r))
			d.st.logs.Add(LogEntry{At: d.clock.Now(), Kind: LogError, Message: fmt.Sprintf("Internal error during %s", what)})
		}
	}()
	fn(ctx)
}
