package consequences

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/aurawatch/internal/alerts"
	"github.com/mbd888/aurawatch/internal/logging"
	"github.com/mbd888/aurawatch/internal/risk"
)

// recorder collects calls across all mocks in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type mockAlerts struct {
	rec       *recorder
	store     *alerts.MemoryStore
	createErr error
	markErr   error
}

func (m *mockAlerts) Create(ctx context.Context, a *alerts.Alert) error {
	m.rec.add("persist")
	if m.createErr != nil {
		return m.createErr
	}
	return m.store.Create(ctx, a)
}

func (m *mockAlerts) MarkNotified(ctx context.Context, id string) error {
	m.rec.add("mark_notified")
	if m.markErr != nil {
		return m.markErr
	}
	return m.store.MarkNotified(ctx, id)
}

type mockLedger struct {
	rec     *recorder
	err     error
	amounts []int64
	reasons []string
}

func (m *mockLedger) Deduct(_ context.Context, _ string, amount int64, reason string) error {
	m.rec.add("deduct")
	m.amounts = append(m.amounts, amount)
	m.reasons = append(m.reasons, reason)
	return m.err
}

type mockAccounts struct {
	rec       *recorder
	parents   map[string]string
	phones    map[string]string
	parentErr error
	panicky   bool
}

func (m *mockAccounts) LinkedParent(_ context.Context, childID string) (string, bool, error) {
	m.rec.add("resolve_parent")
	if m.parentErr != nil {
		return "", false, m.parentErr
	}
	p, ok := m.parents[childID]
	return p, ok, nil
}

func (m *mockAccounts) ParentPhone(_ context.Context, parentID string) (string, bool, error) {
	m.rec.add("resolve_phone")
	if m.panicky {
		panic("directory exploded")
	}
	p, ok := m.phones[parentID]
	return p, ok, nil
}

type mockNotifier struct {
	rec      *recorder
	ok       bool
	block    bool
	messages []string
}

func (m *mockNotifier) Send(ctx context.Context, _, message string) bool {
	m.rec.add("notify")
	m.messages = append(m.messages, message)
	if m.block {
		<-ctx.Done()
		return false
	}
	return m.ok
}

type fixture struct {
	rec      *recorder
	alerts   *mockAlerts
	ledger   *mockLedger
	accounts *mockAccounts
	notifier *mockNotifier
	d        *Dispatcher
}

func newFixture() *fixture {
	rec := &recorder{}
	f := &fixture{
		rec:    rec,
		alerts: &mockAlerts{rec: rec, store: alerts.NewMemoryStore()},
		ledger: &mockLedger{rec: rec},
		accounts: &mockAccounts{
			rec:     rec,
			parents: map[string]string{"child1": "parent1"},
			phones:  map[string]string{"parent1": "+15551234567"},
		},
		notifier: &mockNotifier{rec: rec, ok: true},
	}
	f.d = NewDispatcher(Config{PenaltyAmount: 50, StepTimeout: time.Second, NotifyTimeout: 50 * time.Millisecond},
		f.alerts, f.ledger, f.accounts, f.notifier, logging.Discard())
	return f
}

func criticalFlag() Flag {
	return Flag{
		ChildID:    "child1",
		AppName:    "Tinder",
		AppID:      "com.tinder",
		Category:   "Dating App",
		Severity:   risk.SeverityCritical,
		Confidence: 0.9,
		Reasoning:  "Dating app for a 12 year old",
	}
}

func TestDispatch_CriticalRunsEveryStepInOrder(t *testing.T) {
	f := newFixture()
	out := f.d.Dispatch(context.Background(), criticalFlag())

	assert.True(t, out.AlertPersisted)
	assert.True(t, out.PenaltyApplied)
	assert.True(t, out.Notified)
	assert.Equal(t, []string{"resolve_parent", "persist", "deduct", "resolve_phone", "notify", "mark_notified"}, f.rec.list())

	assert.Equal(t, []int64{50}, f.ledger.amounts)
	assert.Equal(t, "Suspicious activity: Tinder", f.ledger.reasons[0])

	stored, ok := f.alerts.store.Get(out.AlertID)
	require.True(t, ok)
	assert.Equal(t, "parent1", stored.ParentID)
	assert.True(t, stored.NotificationSent)

	require.Len(t, f.notifier.messages, 1)
	assert.Contains(t, f.notifier.messages[0], "Tinder (Dating App)")
	assert.Contains(t, f.notifier.messages[0], "50 aura deducted")
}

func TestDispatch_MinorOnlyPersists(t *testing.T) {
	f := newFixture()
	flag := criticalFlag()
	flag.Severity = risk.SeverityMinor
	flag.ParentID = "parent1"

	out := f.d.Dispatch(context.Background(), flag)
	assert.True(t, out.AlertPersisted)
	assert.False(t, out.PenaltyApplied)
	assert.False(t, out.Notified)
	assert.Equal(t, []string{"persist"}, f.rec.list())
}

func TestDispatch_PersistedAlertSurvivesDownstreamFailures(t *testing.T) {
	f := newFixture()
	f.ledger.err = errors.New("ledger down")
	f.notifier.ok = false

	before := testutil.ToFloat64(stepErrors.WithLabelValues("deduct"))
	out := f.d.Dispatch(context.Background(), criticalFlag())

	assert.True(t, out.AlertPersisted)
	assert.False(t, out.PenaltyApplied)
	assert.False(t, out.Notified)
	assert.Equal(t, 1, f.alerts.store.Len())
	assert.Equal(t, before+1, testutil.ToFloat64(stepErrors.WithLabelValues("deduct")))

	stored, _ := f.alerts.store.Get(out.AlertID)
	assert.False(t, stored.NotificationSent)
	assert.NotContains(t, f.rec.list(), "mark_notified")
}

func TestDispatch_PersistFailureDoesNotAbort(t *testing.T) {
	f := newFixture()
	f.alerts.createErr = errors.New("db down")

	out := f.d.Dispatch(context.Background(), criticalFlag())
	assert.False(t, out.AlertPersisted)
	assert.True(t, out.PenaltyApplied)
	assert.True(t, out.Notified)
	assert.NotContains(t, f.rec.list(), "mark_notified")
}

func TestDispatch_NoLinkedParent(t *testing.T) {
	f := newFixture()
	flag := criticalFlag()
	flag.ChildID = "orphan"

	out := f.d.Dispatch(context.Background(), flag)
	assert.True(t, out.AlertPersisted)
	assert.True(t, out.PenaltyApplied)
	assert.False(t, out.Notified)
	assert.Equal(t, []string{"resolve_parent", "persist", "deduct"}, f.rec.list())
}

func TestDispatch_ParentLookupErrorStillPersistsAndDeducts(t *testing.T) {
	f := newFixture()
	f.accounts.parentErr = errors.New("directory down")

	out := f.d.Dispatch(context.Background(), criticalFlag())
	assert.True(t, out.AlertPersisted)
	assert.True(t, out.PenaltyApplied)
	assert.False(t, out.Notified)
}

func TestDispatch_ExplicitParentSkipsLookup(t *testing.T) {
	f := newFixture()
	flag := criticalFlag()
	flag.ParentID = "parent1"

	out := f.d.Dispatch(context.Background(), flag)
	assert.True(t, out.Notified)
	assert.NotContains(t, f.rec.list(), "resolve_parent")
}

func TestDispatch_PanickingCollaboratorIsContained(t *testing.T) {
	f := newFixture()
	f.accounts.panicky = true

	var out Outcome
	require.NotPanics(t, func() { out = f.d.Dispatch(context.Background(), criticalFlag()) })
	assert.True(t, out.AlertPersisted)
	assert.False(t, out.Notified)
}

func TestDispatch_NotifyTimeout(t *testing.T) {
	f := newFixture()
	f.notifier.block = true

	start := time.Now()
	out := f.d.Dispatch(context.Background(), criticalFlag())
	assert.False(t, out.Notified)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewDispatcher_Defaults(t *testing.T) {
	d := NewDispatcher(Config{}, nil, nil, nil, nil, logging.Discard())
	assert.Equal(t, int64(50), d.PenaltyAmount())
	assert.Equal(t, 10*time.Second, d.cfg.NotifyTimeout)
}
