package arbiter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/aurawatch/internal/logging"
	"github.com/mbd888/aurawatch/internal/risk"
)

// stubReasoner returns a canned answer and records prompts.
type stubReasoner struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []Prompt
}

func (s *stubReasoner) Reason(_ context.Context, p Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	return s.reply, s.err
}

func tinderContext() Context {
	return Context{
		AppName:         "Tinder",
		AppID:           "com.tinder",
		Category:        "Dating App",
		Description:     "Adult dating platforms.",
		TimeOfDay:       "23:15",
		SessionMinutes:  4,
		ChildAge:        12,
		PriorFlagsToday: 1,
	}
}

func TestAnalyze_ValidVerdict(t *testing.T) {
	r := &stubReasoner{reply: `{"suspicious":true,"confidence":0.9,"severity":"critical","reasoning":"Dating app at night for a 12 year old","trigger_action":"notify_parent"}`}
	a := New(r, logging.Discard())

	res := a.Analyze(context.Background(), tinderContext())

	require.Equal(t, OutcomeOK, res.Outcome)
	assert.NoError(t, res.Err)
	assert.False(t, res.FailSafe())
	assert.True(t, res.Verdict.Suspicious)
	assert.InDelta(t, 0.9, res.Verdict.Confidence, 1e-9)
	assert.Equal(t, risk.SeverityCritical, res.Verdict.Severity)
	assert.Equal(t, ActionNotifyParent, res.Verdict.TriggerAction)

	require.Len(t, r.prompts, 1)
	assert.Equal(t, SystemPrompt, r.prompts[0].System)
	assert.Contains(t, r.prompts[0].User, "com.tinder")
}

func TestAnalyze_FencedResponse(t *testing.T) {
	r := &stubReasoner{reply: "```json\n{\"suspicious\": false, \"confidence\": 0.2, \"severity\": \"minor\", \"reasoning\": \"fine\", \"trigger_action\": \"none\"}\n```"}
	res := New(r, logging.Discard()).Analyze(context.Background(), tinderContext())

	require.Equal(t, OutcomeOK, res.Outcome)
	assert.False(t, res.Verdict.Suspicious)
	assert.Equal(t, ActionNone, res.Verdict.TriggerAction)
}

func TestAnalyze_FailSafe(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		err     error
		outcome Outcome
	}{
		{"network error", "", errors.New("dial tcp: connection refused"), OutcomeCallError},
		{"not json", "I think this is probably fine.", nil, OutcomeParseError},
		{"broken json", `{"suspicious": true, "confidence": }`, nil, OutcomeParseError},
		{"missing suspicious", `{"confidence": 0.9, "severity": "critical"}`, nil, OutcomeValidationError},
		{"missing confidence", `{"suspicious": true, "severity": "critical"}`, nil, OutcomeValidationError},
		{"string confidence", `{"suspicious": true, "confidence": "high", "severity": "critical"}`, nil, OutcomeValidationError},
		{"string suspicious", `{"suspicious": "yes", "confidence": 0.8, "severity": "minor"}`, nil, OutcomeValidationError},
		{"unknown severity", `{"suspicious": true, "confidence": 0.8, "severity": "severe"}`, nil, OutcomeValidationError},
		{"null severity", `{"suspicious": true, "confidence": 0.8, "severity": null}`, nil, OutcomeValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &stubReasoner{reply: tt.reply, err: tt.err}
			res := New(r, logging.Discard()).Analyze(context.Background(), tinderContext())

			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Error(t, res.Err)
			assert.True(t, res.FailSafe())
			assert.True(t, res.Verdict.Suspicious)
			assert.Equal(t, FailSafeConfidence, res.Verdict.Confidence)
			assert.Equal(t, risk.SeverityMinor, res.Verdict.Severity)
			assert.Equal(t, ActionNotifyChild, res.Verdict.TriggerAction)
			assert.NotEmpty(t, res.Verdict.Reasoning)
		})
	}
}

func TestAnalyze_TimeoutFallsBack(t *testing.T) {
	slow := ReasonerFunc(func(ctx context.Context, _ Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	a := New(slow, logging.Discard()).WithTimeout(20 * time.Millisecond)

	res := a.Analyze(context.Background(), tinderContext())
	assert.Equal(t, OutcomeCallError, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.True(t, res.Verdict.Suspicious)
}

func TestAnalyze_NilReasonerIsUnavailable(t *testing.T) {
	res := New(nil, logging.Discard()).Analyze(context.Background(), tinderContext())
	assert.Equal(t, OutcomeCallError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNoReasoner)
}

func TestAnalyze_CountsOutcomes(t *testing.T) {
	before := testutil.ToFloat64(arbiterCalls.WithLabelValues(string(OutcomeParseError)))
	r := &stubReasoner{reply: "nope"}
	New(r, logging.Discard()).Analyze(context.Background(), tinderContext())
	after := testutil.ToFloat64(arbiterCalls.WithLabelValues(string(OutcomeParseError)))
	assert.Equal(t, before+1, after)
}

func TestParseVerdict_Normalises(t *testing.T) {
	long := strings.Repeat("x", 400)
	v, err := ParseVerdict(`Sure! {"suspicious": true, "confidence": 1.7, "severity": "CRITICAL", "reasoning": "` + long + `", "triggerAction": "LOCK_APP"} hope that helps`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, risk.SeverityCritical, v.Severity)
	assert.Equal(t, ActionLockApp, v.TriggerAction)
	assert.LessOrEqual(t, len([]rune(v.Reasoning)), maxReasoningRunes)

	v, err = ParseVerdict(`{"suspicious": false, "confidence": -0.5, "severity": "minor", "trigger_action": "call_police"}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.Confidence)
	assert.Equal(t, ActionNone, v.TriggerAction)
	assert.Empty(t, v.Reasoning)
}

func TestParseVerdict_ErrorKinds(t *testing.T) {
	_, err := ParseVerdict("")
	assert.ErrorIs(t, err, ErrParse)

	_, err = ParseVerdict("```\n```")
	assert.ErrorIs(t, err, ErrParse)

	_, err = ParseVerdict(`{"suspicious": true}`)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseVerdict_OptionalFieldTypes(t *testing.T) {
	const head = `{"suspicious": true, "confidence": 0.9, "severity": "critical", `
	tests := []struct {
		name    string
		tail    string
		wantErr string
	}{
		{"numeric reasoning", `"reasoning": 42}`, `"reasoning" has wrong type`},
		{"object reasoning", `"reasoning": {"why": "x"}}`, `"reasoning" has wrong type`},
		{"boolean action", `"trigger_action": true}`, `"trigger_action" has wrong type`},
		{"array camel action", `"triggerAction": ["lock_app"]}`, `"triggerAction" has wrong type`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVerdict(head + tt.tail)
			assert.ErrorIs(t, err, ErrValidation)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	v, err := ParseVerdict(head + `"reasoning": null, "trigger_action": null, "triggerAction": "lock_app"}`)
	require.NoError(t, err)
	assert.Empty(t, v.Reasoning)
	assert.Equal(t, ActionLockApp, v.TriggerAction)
}

func TestAnalyze_WrongTypeReasoningFailsSafe(t *testing.T) {
	r := &stubReasoner{reply: `{"suspicious": false, "confidence": 0.1, "severity": "minor", "reasoning": 7}`}
	res := New(r, logging.Discard()).Analyze(context.Background(), tinderContext())
	assert.Equal(t, OutcomeValidationError, res.Outcome)
	assert.True(t, res.Verdict.Suspicious)
}

func TestBuildPrompt(t *testing.T) {
	c := tinderContext()
	c.PriorFlagsForApp = 2
	p := BuildPrompt(c)

	for _, want := range []string{
		"App name: Tinder",
		"Package: com.tinder",
		"Category: Dating App",
		"Known risk: Adult dating platforms.",
		"Time of day: 23:15",
		"Session length: 4 minutes",
		"Child age: 12",
		"Prior flags today: 1 (this app: 2)",
	} {
		assert.Contains(t, p, want)
	}

	c.ChildAge = 0
	c.AppName = ""
	p = BuildPrompt(c)
	assert.Contains(t, p, "Child age: unknown")
	assert.Contains(t, p, "App name: com.tinder")
}

func TestFailSafeVerdict(t *testing.T) {
	v := FailSafeVerdict("timeout")
	assert.True(t, v.Suspicious)
	assert.Equal(t, 0.7, v.Confidence)
	assert.Equal(t, risk.SeverityMinor, v.Severity)
	assert.Equal(t, ActionNotifyChild, v.TriggerAction)
	assert.Contains(t, v.Reasoning, "timeout")
}
