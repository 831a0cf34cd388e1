// Package consequences applies the side effects of a confirmed flag: persist
// an alert, and for critical flags deduct the aura penalty and text the
// parent.
//
// Every step is best-effort. A failing step is logged and counted and the
// next step still runs; nothing is returned to the detection loop as an
// error. The alert is always persisted first so a record exists even when
// the penalty or the notification fails.
package consequences

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/aurawatch/internal/alerts"
	"github.com/mbd888/aurawatch/internal/risk"
	"github.com/mbd888/aurawatch/internal/traces"
)

// AlertStore persists alerts.
type AlertStore interface {
	Create(ctx context.Context, a *alerts.Alert) error
	MarkNotified(ctx context.Context, id string) error
}

// Ledger deducts aura. Flooring at zero is the ledger's job.
type Ledger interface {
	Deduct(ctx context.Context, accountID string, amount int64, reason string) error
}

// Accounts resolves who to notify.
type Accounts interface {
	LinkedParent(ctx context.Context, childID string) (string, bool, error)
	ParentPhone(ctx context.Context, parentID string) (string, bool, error)
}

// Notifier delivers a text message and reports success.
type Notifier interface {
	Send(ctx context.Context, phone, message string) bool
}

// Flag is a confirmed detection.
type Flag struct {
	ChildID    string
	ParentID   string // optional; resolved through Accounts when empty
	AppName    string
	AppID      string
	Category   string
	Severity   risk.Severity
	Confidence float64
	Reasoning  string
}

// Outcome reports which steps succeeded.
type Outcome struct {
	AlertID        string
	AlertPersisted bool
	PenaltyApplied bool
	Notified       bool
}

// Config tunes the dispatcher.
type Config struct {
	PenaltyAmount int64
	StepTimeout   time.Duration // persistence, ledger, lookups
	NotifyTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PenaltyAmount: 50,
		StepTimeout:   5 * time.Second,
		NotifyTimeout: 10 * time.Second,
	}
}

// Dispatcher runs the consequence steps.
type Dispatcher struct {
	cfg      Config
	alerts   AlertStore
	ledger   Ledger
	accounts Accounts
	notifier Notifier
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. Zero config fields take defaults.
func NewDispatcher(cfg Config, alertStore AlertStore, ledger Ledger, accounts Accounts, notifier Notifier, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.PenaltyAmount <= 0 {
		cfg.PenaltyAmount = def.PenaltyAmount
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	return &Dispatcher{
		cfg:      cfg,
		alerts:   alertStore,
		ledger:   ledger,
		accounts: accounts,
		notifier: notifier,
		logger:   logger,
	}
}

// PenaltyAmount returns the configured penalty.
func (d *Dispatcher) PenaltyAmount() int64 { return d.cfg.PenaltyAmount }

// Dispatch resolves the parent, persists the alert, then for critical
// flags deducts the penalty and notifies the parent.
func (d *Dispatcher) Dispatch(ctx context.Context, f Flag) Outcome {
	ctx, span := traces.StartSpan(ctx, "consequences.dispatch",
		traces.ChildID(f.ChildID),
		traces.AppID(f.AppID),
		traces.Severity(string(f.Severity)),
	)
	defer span.End()
	dispatchesTotal.WithLabelValues(string(f.Severity)).Inc()

	log := d.logger.With("child_id", f.ChildID, "app", f.AppID, "severity", f.Severity)
	var out Outcome

	parentID, linked := f.ParentID, f.ParentID != ""
	if !linked {
		if err := d.step(ctx, d.cfg.StepTimeout, func(ctx context.Context) error {
			var err error
			parentID, linked, err = d.accounts.LinkedParent(ctx, f.ChildID)
			return err
		}); err != nil {
			stepErrors.WithLabelValues("resolve_parent").Inc()
			log.Warn("failed to resolve linked parent", "error", err)
			parentID, linked = "", false
		}
	}

	alert := &alerts.Alert{
		ChildID:    f.ChildID,
		ParentID:   parentID,
		Severity:   f.Severity,
		Message:    f.Reasoning,
		AppName:    f.AppName,
		Category:   f.Category,
		Confidence: f.Confidence,
	}
	if err := d.step(ctx, d.cfg.StepTimeout, func(ctx context.Context) error {
		return d.alerts.Create(ctx, alert)
	}); err != nil {
		stepErrors.WithLabelValues("persist").Inc()
		log.Error("failed to persist alert", "error", err)
	} else {
		out.AlertPersisted = true
		out.AlertID = alert.ID
	}

	if f.Severity != risk.SeverityCritical {
		return out
	}

	reason := "Suspicious activity: " + f.AppName
	if err := d.step(ctx, d.cfg.StepTimeout, func(ctx context.Context) error {
		return d.ledger.Deduct(ctx, f.ChildID, d.cfg.PenaltyAmount, reason)
	}); err != nil {
		stepErrors.WithLabelValues("deduct").Inc()
		log.Error("failed to deduct penalty", "amount", d.cfg.PenaltyAmount, "error", err)
	} else {
		out.PenaltyApplied = true
	}

	if !linked {
		log.Info("no linked parent, skipping notification")
		return out
	}
	out.Notified = d.notifyParent(ctx, log, f, parentID, out.AlertID)
	if out.Notified {
		span.SetAttributes(traces.Outcome("notified"))
	}
	return out
}

func (d *Dispatcher) notifyParent(ctx context.Context, log *slog.Logger, f Flag, parentID, alertID string) bool {
	var phone string
	var found bool
	if err := d.step(ctx, d.cfg.StepTimeout, func(ctx context.Context) error {
		var err error
		phone, found, err = d.accounts.ParentPhone(ctx, parentID)
		return err
	}); err != nil {
		stepErrors.WithLabelValues("resolve_phone").Inc()
		log.Warn("failed to resolve parent phone", "parent_id", parentID, "error", err)
		return false
	}
	if !found {
		log.Info("parent has no phone on file, skipping notification", "parent_id", parentID)
		return false
	}

	sent := false
	_ = d.step(ctx, d.cfg.NotifyTimeout, func(ctx context.Context) error {
		sent = d.notifier.Send(ctx, phone, d.Message(f))
		return nil
	})
	if !sent {
		stepErrors.WithLabelValues("notify").Inc()
		log.Warn("parent notification not delivered", "parent_id", parentID)
		return false
	}

	if alertID != "" {
		if err := d.step(ctx, d.cfg.StepTimeout, func(ctx context.Context) error {
			return d.alerts.MarkNotified(ctx, alertID)
		}); err != nil {
			stepErrors.WithLabelValues("mark_notified").Inc()
			log.Warn("failed to mark alert notified", "alert_id", alertID, "error", err)
		}
	}
	return true
}

// Message is the text sent to the parent.
func (d *Dispatcher) Message(f Flag) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Aura alert: %s", f.AppName)
	if f.Category != "" {
		fmt.Fprintf(&b, " (%s)", f.Category)
	}
	b.WriteString(" was flagged on your child's phone.")
	if r := strings.TrimSpace(f.Reasoning); r != "" {
		b.WriteString(" ")
		b.WriteString(r)
	}
	fmt.Fprintf(&b, " %d aura deducted.", d.cfg.PenaltyAmount)
	return b.String()
}

// step runs fn under its own timeout and recovers a panicking collaborator.
func (d *Dispatcher) step(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
