// Package arbiter is the Tier-2 step of suspicious-activity detection.
//
// A Tier-1 registry hit says "this app is the kind of thing we worry about".
// The arbiter adds context (time of day, session length, child age, prior
// flags) and asks a reasoning model for a structured verdict. When the model
// is unreachable or answers with something unusable, the arbiter returns a
// conservative fail-safe verdict rather than dropping the registry hit.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/aurawatch/internal/risk"
	"github.com/mbd888/aurawatch/internal/traces"
)

// TriggerAction is what the model suggests doing about a flag.
type TriggerAction string

const (
	ActionNotifyChild  TriggerAction = "notify_child"
	ActionNotifyParent TriggerAction = "notify_parent"
	ActionLockApp      TriggerAction = "lock_app"
	ActionNone         TriggerAction = "none"
)

func parseAction(s string) TriggerAction {
	switch a := TriggerAction(s); a {
	case ActionNotifyChild, ActionNotifyParent, ActionLockApp, ActionNone:
		return a
	default:
		return ActionNone
	}
}

// Context is everything the model sees about one evaluation. It is built
// fresh per evaluation and passed by value.
type Context struct {
	AppName          string
	AppID            string
	Category         string
	Description      string
	TimeOfDay        string // "HH:MM", 24h, device-local
	SessionMinutes   int
	ChildAge         int // 0 = unknown
	PriorFlagsToday  int
	PriorFlagsForApp int
}

// Verdict is the Tier-2 decision.
type Verdict struct {
	Suspicious    bool          `json:"suspicious"`
	Confidence    float64       `json:"confidence"`
	Severity      risk.Severity `json:"severity"`
	Reasoning     string        `json:"reasoning"`
	TriggerAction TriggerAction `json:"triggerAction"`
}

// Outcome tags how a Result was produced.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeCallError       Outcome = "call_error"
	OutcomeParseError      Outcome = "parse_error"
	OutcomeValidationError Outcome = "validation_error"
)

// Result is a verdict plus the branch that produced it. Every non-OK outcome
// carries the fail-safe verdict and the error that caused it.
type Result struct {
	Verdict Verdict
	Outcome Outcome
	Err     error
}

// FailSafe reports whether the verdict is the synthesized fallback.
func (r Result) FailSafe() bool {
	return r.Outcome != OutcomeOK
}

// FailSafeConfidence is the fixed confidence of the fallback verdict.
const FailSafeConfidence = 0.7

// FailSafeVerdict trusts the registry hit when the model cannot be used.
func FailSafeVerdict(cause string) Verdict {
	return Verdict{
		Suspicious:    true,
		Confidence:    FailSafeConfidence,
		Severity:      risk.SeverityMinor,
		Reasoning:     truncate("AI review unavailable ("+cause+"); flagged from the known-risk app list.", maxReasoningRunes),
		TriggerAction: ActionNotifyChild,
	}
}

// Prompt is the pair of messages sent to the reasoning model.
type Prompt struct {
	System string
	User   string
}

// Reasoner is the external reasoning capability: given a prompt, return the
// model's raw text.
type Reasoner interface {
	Reason(ctx context.Context, p Prompt) (string, error)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, p Prompt) (string, error)

// Reason calls f.
func (f ReasonerFunc) Reason(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// ErrNoReasoner is returned by Unavailable.
var ErrNoReasoner = errors.New("no reasoning model configured")

// Unavailable is wired when no model is configured; every analysis takes the
// fail-safe branch.
var Unavailable Reasoner = ReasonerFunc(func(context.Context, Prompt) (string, error) {
	return "", ErrNoReasoner
})

// DefaultTimeout bounds a single reasoning call.
const DefaultTimeout = 15 * time.Second

// Arbiter runs Tier-2 analysis.
type Arbiter struct {
	reasoner Reasoner
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates an arbiter around a reasoning capability.
func New(reasoner Reasoner, logger *slog.Logger) *Arbiter {
	if reasoner == nil {
		reasoner = Unavailable
	}
	return &Arbiter{
		reasoner: reasoner,
		timeout:  DefaultTimeout,
		logger:   logger,
	}
}

// WithTimeout overrides the per-call timeout.
func (a *Arbiter) WithTimeout(d time.Duration) *Arbiter {
	if d > 0 {
		a.timeout = d
	}
	return a
}

// Analyze asks the model for a verdict. It never returns an error: failures
// come back as a fail-safe Result tagged with the failing branch.
func (a *Arbiter) Analyze(ctx context.Context, c Context) Result {
	ctx, span := traces.StartSpan(ctx, "arbiter.analyze",
		traces.AppID(c.AppID),
		traces.Category(c.Category),
	)
	defer span.End()

	start := time.Now()
	res := a.analyze(ctx, c)
	arbiterLatency.Observe(time.Since(start).Seconds())
	arbiterCalls.WithLabelValues(string(res.Outcome)).Inc()

	span.SetAttributes(
		traces.Outcome(string(res.Outcome)),
		traces.Severity(string(res.Verdict.Severity)),
		traces.Confidence(res.Verdict.Confidence),
	)
	if res.Err != nil {
		traces.Fail(span, res.Err)
		a.logger.Warn("tier-2 analysis fell back to fail-safe verdict",
			"app", c.AppID,
			"outcome", res.Outcome,
			"error", res.Err,
		)
	}
	return res
}

func (a *Arbiter) analyze(ctx context.Context, c Context) Result {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.reasoner.Reason(callCtx, Prompt{System: SystemPrompt, User: BuildPrompt(c)})
	if err != nil {
		return Result{
			Verdict: FailSafeVerdict("model call failed"),
			Outcome: OutcomeCallError,
			Err:     fmt.Errorf("reasoning call: %w", err),
		}
	}

	v, err := ParseVerdict(raw)
	switch {
	case err == nil:
		return Result{Verdict: v, Outcome: OutcomeOK}
	case errors.Is(err, ErrValidation):
		return Result{Verdict: FailSafeVerdict("invalid model response"), Outcome: OutcomeValidationError, Err: err}
	default:
		return Result{Verdict: FailSafeVerdict("unreadable model response"), Outcome: OutcomeParseError, Err: err}
	}
}
