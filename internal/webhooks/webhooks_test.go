package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/aurawatch/internal/detection"
	"github.com/mbd888/aurawatch/internal/logging"
	"github.com/mbd888/aurawatch/internal/retry"
	"github.com/mbd888/aurawatch/internal/risk"
	"github.com/mbd888/aurawatch/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNow = time.Date(2026, 10, 19, 21, 30, 0, 0, time.UTC)

// newTestDispatcher skips SSRF checks so httptest servers on loopback are reachable.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, logging.Discard()).
		WithClock(clockwork.NewFakeClockAt(testNow)).
		WithRetryPolicy(retry.Policy{Attempts: 2, BaseDelay: time.Millisecond})
	d.validate = func(context.Context, string) error { return nil }
	return d
}

type received struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (r *received) handler(status *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(int(status.Load()))
	}
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func seedSub(t *testing.T, store Store, id, parentID, url string, events ...EventType) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:        id,
		ParentID:  parentID,
		URL:       url,
		Secret:    "s3cret",
		Events:    events,
		Active:    true,
		CreatedAt: testNow,
	}))
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedSub(t, store, "wh_1", "parent1", "https://example.com/hook", EventChildFlagged)

	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", got.URL)
	assert.True(t, got.Wants(EventChildFlagged))
	assert.False(t, got.Wants(EventDetectionStarted))

	subs, err := store.ListByParent(ctx, "parent1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, store.Delete(ctx, "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_1"), ErrNotFound)
}

func TestMemoryStore_RecordResultDeactivates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedSub(t, store, "wh_1", "parent1", "https://example.com/hook", EventChildFlagged)

	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		require.NoError(t, store.RecordResult(ctx, "wh_1", testNow, "status 500"))
	}
	got, _ := store.Get(ctx, "wh_1")
	assert.True(t, got.Active)
	assert.Equal(t, MaxConsecutiveFailures-1, got.ConsecutiveFailures)

	require.NoError(t, store.RecordResult(ctx, "wh_1", testNow, ""))
	got, _ = store.Get(ctx, "wh_1")
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.LastSuccess)

	for i := 0; i < MaxConsecutiveFailures; i++ {
		require.NoError(t, store.RecordResult(ctx, "wh_1", testNow, "status 500"))
	}
	got, _ = store.Get(ctx, "wh_1")
	assert.False(t, got.Active)

	assert.ErrorIs(t, store.RecordResult(ctx, "missing", testNow, ""), ErrNotFound)
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	var rec received
	var status atomic.Int32
	status.Store(http.StatusOK)
	ts := httptest.NewServer(rec.handler(&status))
	defer ts.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "parent1", ts.URL, EventChildFlagged)
	seedSub(t, store, "wh_2", "parent1", ts.URL, EventDetectionStarted)
	seedSub(t, store, "wh_3", "parent2", ts.URL, EventChildFlagged)

	d := newTestDispatcher(store)
	d.Deliver(&Event{ID: "evt_1", Type: EventChildFlagged, Timestamp: testNow, ChildID: "kid1", ParentID: "parent1"})
	d.Close()

	require.Equal(t, 1, rec.count())
	body, hdr := rec.bodies[0], rec.headers[0]
	assert.Equal(t, string(EventChildFlagged), hdr.Get(HeaderEvent))
	assert.Equal(t, "1792445400", hdr.Get(HeaderTimestamp))

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), hdr.Get(HeaderSignature))

	var ev Event
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, "kid1", ev.ChildID)

	got, _ := store.Get(context.Background(), "wh_1")
	require.NotNil(t, got.LastSuccess)
	assert.True(t, testNow.Equal(*got.LastSuccess))
}

func TestDispatcher_RetriesServerErrorsAndRecordsFailure(t *testing.T) {
	var rec received
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	ts := httptest.NewServer(rec.handler(&status))
	defer ts.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "parent1", ts.URL, EventChildFlagged)

	d := newTestDispatcher(store)
	d.Deliver(&Event{Type: EventChildFlagged, Timestamp: testNow, ParentID: "parent1"})
	d.Close()

	assert.Equal(t, 2, rec.count())
	got, _ := store.Get(context.Background(), "wh_1")
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Contains(t, got.LastError, "502")
}

func TestDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	var rec received
	var status atomic.Int32
	status.Store(http.StatusGone)
	ts := httptest.NewServer(rec.handler(&status))
	defer ts.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "parent1", ts.URL, EventChildFlagged)

	d := newTestDispatcher(store)
	d.Deliver(&Event{Type: EventChildFlagged, Timestamp: testNow, ParentID: "parent1"})
	d.Close()

	assert.Equal(t, 1, rec.count())
}

func TestDispatcher_SkipsInactiveAndBlockedURLs(t *testing.T) {
	var rec received
	var status atomic.Int32
	status.Store(http.StatusOK)
	ts := httptest.NewServer(rec.handler(&status))
	defer ts.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "parent1", ts.URL, EventChildFlagged)
	ctx := context.Background()
	for i := 0; i < MaxConsecutiveFailures; i++ {
		require.NoError(t, store.RecordResult(ctx, "wh_1", testNow, "down"))
	}

	d := newTestDispatcher(store)
	d.Deliver(&Event{Type: EventChildFlagged, Timestamp: testNow, ParentID: "parent1"})
	d.Close()
	assert.Zero(t, rec.count())

	// the default validator refuses loopback targets at send time
	store2 := NewMemoryStore()
	seedSub(t, store2, "wh_2", "parent1", ts.URL, EventChildFlagged)
	strict := NewDispatcher(store2, logging.Discard())
	strict.Deliver(&Event{Type: EventChildFlagged, Timestamp: testNow, ParentID: "parent1"})
	strict.Close()
	assert.Zero(t, rec.count())
	got, _ := store2.Get(ctx, "wh_2")
	assert.Contains(t, got.LastError, "loopback")
}

func TestDispatcher_PublishMapsDetectionEvents(t *testing.T) {
	var rec received
	var status atomic.Int32
	status.Store(http.StatusOK)
	ts := httptest.NewServer(rec.handler(&status))
	defer ts.Close()

	store := NewMemoryStore()
	seedSub(t, store, "wh_1", "parent1", ts.URL, KnownEvents...)

	d := newTestDispatcher(store)
	alert := &detection.PendingAlert{AppName: "Tinder", Severity: risk.SeverityCritical}
	d.Publish(detection.Event{Type: detection.EventFlagRaised, ChildID: "kid1", ParentID: "parent1", At: testNow, Alert: alert})
	d.Publish(detection.Event{Type: detection.EventSimulated, ChildID: "kid1", ParentID: "parent1", At: testNow, Alert: alert})
	d.Publish(detection.Event{Type: detection.EventStarted, ChildID: "orphan", At: testNow})
	d.Close()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, string(EventChildFlagged), rec.headers[0].Get(HeaderEvent))
	assert.Contains(t, string(rec.bodies[0]), `"appName":"Tinder"`)
}

func TestDispatcher_DeliverAfterCloseIsDropped(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())
	d.Close()
	d.Close()
	d.Deliver(&Event{Type: EventChildFlagged, ParentID: "parent1"})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func newRouter(store Store, d *Dispatcher) *gin.Engine {
	r := gin.New()
	NewHandler(store, d).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHandler_CreateListDelete(t *testing.T) {
	store := NewMemoryStore()
	r := newRouter(store, newTestDispatcher(store))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/parents/parent1/webhooks",
		strings.NewReader(`{"url":"https://example.com/hook","events":["child.flagged"]}`)))
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.True(t, strings.HasPrefix(created.Webhook.ID, "wh_"))
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/parents/parent1/webhooks", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Webhook.ID)
	assert.NotContains(t, w.Body.String(), created.Secret)

	// another parent cannot delete it
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/parents/parent2/webhooks/"+created.Webhook.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/parents/parent1/webhooks/"+created.Webhook.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/parents/parent1/webhooks", nil))
	assert.Contains(t, w.Body.String(), `"webhooks":[]`)
}

func TestHandler_CreateDefaultsToAllEvents(t *testing.T) {
	store := NewMemoryStore()
	r := newRouter(store, newTestDispatcher(store))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/parents/parent1/webhooks",
		strings.NewReader(`{"url":"https://example.com/hook"}`)))
	require.Equal(t, http.StatusCreated, w.Code)

	subs, _ := store.ListByParent(context.Background(), "parent1")
	require.Len(t, subs, 1)
	assert.ElementsMatch(t, KnownEvents, subs[0].Events)
}

func TestHandler_CreateRejects(t *testing.T) {
	store := NewMemoryStore()
	r := newRouter(store, NewDispatcher(store, logging.Discard()))

	cases := map[string]string{
		"unknown event": `{"url":"https://93.184.216.34/hook","events":["payment.received"]}`,
		"loopback url":  `{"url":"http://127.0.0.1:9000/hook"}`,
		"missing url":   `{}`,
	}
	for name, body := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/parents/parent1/webhooks", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestHandler_LimitPerParent(t *testing.T) {
	store := NewMemoryStore()
	r := newRouter(store, newTestDispatcher(store))

	for i := 0; i < maxPerParent; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/parents/parent1/webhooks",
			strings.NewReader(`{"url":"https://example.com/hook"}`)))
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/parents/parent1/webhooks",
		strings.NewReader(`{"url":"https://example.com/hook"}`)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

// ---------------------------------------------------------------------------
// PostgresStore
// ---------------------------------------------------------------------------

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	seedSub(t, store, "wh_pg1", "parent1", "https://example.com/hook", EventChildFlagged, EventDetectionStopped)

	got, err := store.Get(ctx, "wh_pg1")
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventChildFlagged, EventDetectionStopped}, got.Events)
	assert.Equal(t, "s3cret", got.Secret)

	for i := 0; i < MaxConsecutiveFailures; i++ {
		require.NoError(t, store.RecordResult(ctx, "wh_pg1", testNow, "status 500"))
	}
	got, err = store.Get(ctx, "wh_pg1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, MaxConsecutiveFailures, got.ConsecutiveFailures)

	require.NoError(t, store.RecordResult(ctx, "wh_pg1", testNow, ""))
	subs, err := store.ListByParent(ctx, "parent1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Zero(t, subs[0].ConsecutiveFailures)
	assert.Empty(t, subs[0].LastError)

	require.NoError(t, store.Delete(ctx, "wh_pg1"))
	_, err = store.Get(ctx, "wh_pg1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.RecordResult(ctx, "wh_pg1", testNow, ""), ErrNotFound)
}
