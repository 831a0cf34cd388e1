package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/aurawatch/internal/arbiter"
	"github.com/mbd888/aurawatch/internal/config"
	"github.com/mbd888/aurawatch/internal/logging"
	"github.com/mbd888/aurawatch/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const criticalVerdict = `{"suspicious":true,"confidence":0.92,"severity":"critical","reasoning":"Dating app open for a 12 year old","trigger_action":"notify_parent"}`

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, phone, message string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, phone+": "+message)
	return true
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		PollInterval:        time.Second,
		ConfidenceThreshold: 0.6,
		AlertCooldown:       15 * time.Minute,
		MaxFlagsPerDay:      10,
		SelfPackage:         "com.aura.app",
		LogCapacity:         50,
		ForegroundTimeout:   5 * time.Second,
		ForegroundStale:     30 * time.Second,
		DailyResetEnabled:   true,
		Timezone:            "UTC",
		PenaltyAmount:       50,
		NotifyTimeout:       10 * time.Second,
		ArbiterTimeout:      15 * time.Second,
		ForegroundRateLimit: 30,
		APIRateLimit:        0,
	}
}

type harness struct {
	srv      *Server
	clock    *clockwork.FakeClock
	notifier *recordingNotifier
}

// newTestServer creates a server with a fake clock and stub collaborators
func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 21, 30, 0, 0, time.UTC)),
		notifier: &recordingNotifier{},
	}
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithClock(h.clock),
		WithNotifier(h.notifier),
		WithDrainDelay(0),
	}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	h.srv = s
	return h
}

func withVerdict(reply string) Option {
	return WithReasoner(arbiter.ReasonerFunc(func(context.Context, arbiter.Prompt) (string, error) {
		return reply, nil
	}))
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// seedChild registers a 12 year old linked to a parent with a phone and
// grants usage access on the device.
func (h *harness) seedChild(t *testing.T) {
	t.Helper()
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/v1/profiles/parent-1", `{"role":"parent","phone":"+15551234567"}`).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/v1/profiles/kid-1", `{"role":"child","age":12,"parentId":"parent-1"}`).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/v1/children/kid-1/device", `{"usageAccess":true}`).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/children/kid-1/balance/credit", `{"amount":100}`).Code)
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t, testConfig())

	w := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "detection", resp.Checks[0].Name)
}

func TestLivenessEndpoint(t *testing.T) {
	h := newTestServer(t, testConfig())
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health/live", "").Code)
}

func TestReadinessEndpoint(t *testing.T) {
	h := newTestServer(t, testConfig())

	// Server hasn't called Run() so ready is false
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/health/ready", "").Code)
}

func TestNew_LLMConfiguredRegistersReasonerCheck(t *testing.T) {
	cfg := testConfig()
	cfg.LLMAPIKey = "sk-test"
	cfg.LLMModel = "gpt-4o-mini"
	cfg.LLMBaseURL = "http://127.0.0.1:1"
	h := newTestServer(t, cfg)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(h.do(t, http.MethodGet, "/health", "").Body.Bytes(), &resp))
	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "reasoner")
}

func TestNew_BadRegistryFile(t *testing.T) {
	cfg := testConfig()
	cfg.RiskRegistryFile = t.TempDir() + "/missing.yaml"
	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk registry")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	h := newTestServer(t, testConfig())

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/children/:childId/detection",
		"GET:/v1/children/:childId/detection/logs",
		"POST:/v1/children/:childId/detection/start",
		"POST:/v1/children/:childId/detection/stop",
		"POST:/v1/children/:childId/detection/reset-daily",
		"POST:/v1/children/:childId/detection/alert/dismiss",
		"PUT:/v1/children/:childId/detection/settings",
		"PUT:/v1/children/:childId/device",
		"POST:/v1/children/:childId/foreground",
		"POST:/v1/detection/simulate",
		"GET:/v1/children/:childId/alerts",
		"GET:/v1/parents/:parentId/alerts",
		"GET:/v1/children/:childId/balance",
		"POST:/v1/children/:childId/balance/credit",
		"GET:/v1/children/:childId/deductions",
		"PUT:/v1/profiles/:id",
		"GET:/v1/profiles/:id",
		"GET:/v1/risk-registry",
		"POST:/v1/parents/:parentId/webhooks",
		"GET:/v1/parents/:parentId/webhooks",
		"DELETE:/v1/parents/:parentId/webhooks/:webhookId",
		"POST:/v1/parents/:parentId/keys",
		"GET:/v1/parents/:parentId/keys",
		"DELETE:/v1/parents/:parentId/keys/:keyId",
	}

	routeSet := make(map[string]bool)
	for _, route := range h.srv.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestAuthRequired_ScopesKeysToParent(t *testing.T) {
	const admin = "0123456789abcdef0123456789abcdef"
	cfg := testConfig()
	cfg.AuthRequired = true
	cfg.AdminAPIKey = admin
	h := newTestServer(t, cfg)

	call := func(method, path, body, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		w := httptest.NewRecorder()
		h.srv.Router().ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/v1/risk-registry", "", "").Code)
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/health", "", "").Code)

	require.Equal(t, http.StatusOK, call(http.MethodPut, "/v1/profiles/parent-1", `{"role":"parent"}`, admin).Code)
	require.Equal(t, http.StatusOK, call(http.MethodPut, "/v1/profiles/kid-1", `{"role":"child","age":12,"parentId":"parent-1"}`, admin).Code)
	require.Equal(t, http.StatusOK, call(http.MethodPut, "/v1/profiles/kid-2", `{"role":"child","age":9,"parentId":"parent-2"}`, admin).Code)

	w := call(http.MethodPost, "/v1/parents/parent-1/keys", `{"name":"phone"}`, admin)
	require.Equal(t, http.StatusCreated, w.Code)
	key, _ := decode(t, w)["apiKey"].(string)
	require.NotEmpty(t, key)

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/v1/children/kid-1/alerts", "", key).Code)
	assert.Equal(t, http.StatusForbidden, call(http.MethodGet, "/v1/children/kid-2/alerts", "", key).Code)
	assert.Equal(t, http.StatusForbidden, call(http.MethodGet, "/v1/parents/parent-2/webhooks", "", key).Code)
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/v1/risk-registry", "", key).Code)
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/ws", "", "").Code)

	// simulate names the child in the body, out of Guard's sight
	const bet = `{"appName":"Bet365","appId":"com.bet365","childAge":13,`
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/v1/detection/simulate", bet+`"childId":"kid-2"}`, key).Code)
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/v1/detection/simulate", bet+`"parentId":"parent-2"}`, key).Code)
	w = call(http.MethodGet, "/v1/children/kid-2/detection", "", admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode(t, w)["detection"].(map[string]any)["pendingAlert"])

	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/v1/detection/simulate", bet+`"childId":"kid-1"}`, key).Code)
	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/v1/detection/simulate", bet+`"childId":"kid-2"}`, admin).Code)
}

func TestNotFoundRoute(t *testing.T) {
	h := newTestServer(t, testConfig())
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/nonexistent", "").Code)
}

func TestMalformedChildIDRejected(t *testing.T) {
	h := newTestServer(t, testConfig())
	w := h.do(t, http.MethodGet, "/v1/children/%20kid/detection", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")
}

func TestMiddleware_RequestIDAndHeaders(t *testing.T) {
	h := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/v1/risk-registry", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = h.do(t, http.MethodGet, "/api", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "aurawatch", decode(t, w)["name"])
}

// ---------------------------------------------------------------------------
// Detection through the HTTP surface
// ---------------------------------------------------------------------------

func TestDetection_FlagFlowsToAlertsLedgerAndParent(t *testing.T) {
	h := newTestServer(t, testConfig(), withVerdict(criticalVerdict))
	h.seedChild(t)

	w := h.do(t, http.MethodPost, "/v1/children/kid-1/detection/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["started"])

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/children/kid-1/foreground",
		`{"identifier":"com.tinder","displayName":"Tinder"}`).Code)

	h.clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		w := h.do(t, http.MethodGet, "/v1/children/kid-1/alerts", "")
		return w.Code == http.StatusOK && decode(t, w)["count"] == float64(1)
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return h.notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	bal := decode(t, h.do(t, http.MethodGet, "/v1/children/kid-1/balance", ""))["balance"].(map[string]any)
	assert.Equal(t, float64(50), bal["available"])

	parentAlerts := decode(t, h.do(t, http.MethodGet, "/v1/parents/parent-1/alerts", ""))
	assert.Equal(t, float64(1), parentAlerts["count"])

	require.Eventually(t, func() bool {
		snap := decode(t, h.do(t, http.MethodGet, "/v1/children/kid-1/detection", ""))["detection"].(map[string]any)
		return snap["flagCountToday"] == float64(1) && snap["pendingAlert"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	// dismiss clears the pending alert but not the count
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/children/kid-1/detection/alert/dismiss", "").Code)
	snap := decode(t, h.do(t, http.MethodGet, "/v1/children/kid-1/detection", ""))["detection"].(map[string]any)
	assert.Nil(t, snap["pendingAlert"])
	assert.Equal(t, float64(1), snap["flagCountToday"])

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/children/kid-1/detection/stop", "").Code)
	snap = decode(t, h.do(t, http.MethodGet, "/v1/children/kid-1/detection", ""))["detection"].(map[string]any)
	assert.Equal(t, false, snap["isDetecting"])
}

func TestDetection_StartWithoutUsageAccess(t *testing.T) {
	h := newTestServer(t, testConfig())
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/v1/profiles/kid-9", `{"role":"child","age":10}`).Code)

	w := h.do(t, http.MethodPost, "/v1/children/kid-9/detection/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["started"])
}

func TestDetection_StartUnknownChild(t *testing.T) {
	h := newTestServer(t, testConfig())

	w := h.do(t, http.MethodPost, "/v1/children/kid-404/detection/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, h.srv.Detection().Children())
}

func TestDetection_FlagReachesWebSocket(t *testing.T) {
	h := newTestServer(t, testConfig(), withVerdict(criticalVerdict))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.srv.realtimeHub.Run(ctx)

	ts := httptest.NewServer(h.srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?parentId=parent-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.srv.realtimeHub.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)

	h.seedChild(t)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/children/kid-1/detection/start", "").Code)
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/children/kid-1/foreground",
		`{"identifier":"com.tinder","displayName":"Tinder"}`).Code)
	h.clock.Advance(time.Second)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var (
		ev  realtime.Event
		msg []byte
	)
	// detection.started arrives first
	for ev.Type != realtime.EventFlagRaised {
		_, msg, err = conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(msg, &ev))
	}
	assert.Equal(t, "kid-1", ev.ChildID)
	assert.Equal(t, "parent-1", ev.ParentID)
	assert.Contains(t, string(msg), `"appName":"Tinder"`)
}

func TestSimulate_NeverDispatches(t *testing.T) {
	h := newTestServer(t, testConfig(), withVerdict(criticalVerdict))

	w := h.do(t, http.MethodPost, "/v1/detection/simulate", `{"appName":"Tinder","appId":"com.tinder","childAge":12}`)
	require.Equal(t, http.StatusOK, w.Code)
	sim := decode(t, w)["simulation"].(map[string]any)
	assert.Equal(t, true, sim["matched"])
	assert.Equal(t, true, sim["wouldFlag"])

	alerts := decode(t, h.do(t, http.MethodGet, "/v1/children/simulator/alerts", ""))
	assert.Equal(t, float64(0), alerts["count"])
	assert.Zero(t, h.notifier.count())
}

func TestSimulate_NoModelFailsSafe(t *testing.T) {
	h := newTestServer(t, testConfig())

	w := h.do(t, http.MethodPost, "/v1/detection/simulate", `{"appName":"Tinder","childAge":12}`)
	require.Equal(t, http.StatusOK, w.Code)
	sim := decode(t, w)["simulation"].(map[string]any)
	assert.Equal(t, string(arbiter.OutcomeCallError), sim["outcome"])
	// fail-safe confidence clears the default gate
	assert.Equal(t, true, sim["wouldFlag"])
}

func TestForeground_RateLimitedPerChild(t *testing.T) {
	h := newTestServer(t, testConfig())

	body := `{"identifier":"com.example.notes","displayName":"Notes"}`
	var limited bool
	for range 10 {
		if h.do(t, http.MethodPost, "/v1/children/kid-1/foreground", body).Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "foreground reports should be limited per child")

	// another child has its own bucket
	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/children/kid-2/foreground", body).Code)
}

func TestShutdown_WithoutRun(t *testing.T) {
	h := newTestServer(t, testConfig())
	require.NoError(t, h.srv.Shutdown())

	w := h.do(t, http.MethodPost, "/v1/children/kid-1/detection/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
