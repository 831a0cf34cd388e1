// Package webhooks pushes detection events to URLs registered by parents.
//
// Payloads are JSON and signed with HMAC-SHA256 over the raw body using the
// subscription secret. Delivery is asynchronous and best-effort; a
// subscription that keeps failing is deactivated.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/aurawatch/internal/retry"
	"github.com/mbd888/aurawatch/internal/security"
)

var ErrNotFound = errors.New("webhook not found")

// EventType names a webhook event.
type EventType string

const (
	EventChildFlagged     EventType = "child.flagged"
	EventAlertDismissed   EventType = "child.alert_dismissed"
	EventDetectionStarted EventType = "detection.started"
	EventDetectionStopped EventType = "detection.stopped"
)

// KnownEvents lists the event types a parent can subscribe to.
var KnownEvents = []EventType{EventChildFlagged, EventAlertDismissed, EventDetectionStarted, EventDetectionStopped}

// IsKnown reports whether t is a subscribable event type.
func IsKnown(t EventType) bool {
	for _, k := range KnownEvents {
		if k == t {
			return true
		}
	}
	return false
}

// Header names sent with every delivery.
const (
	HeaderEvent     = "X-Aurawatch-Event"
	HeaderTimestamp = "X-Aurawatch-Timestamp"
	HeaderSignature = "X-Aurawatch-Signature"
)

// MaxConsecutiveFailures deactivates a subscription after this many failed deliveries.
const MaxConsecutiveFailures = 10

// Event is the JSON body posted to a subscriber.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ChildID   string    `json:"childId"`
	ParentID  string    `json:"parentId"`
	Data      any       `json:"data,omitempty"`
}

// Subscription is one parent callback URL.
type Subscription struct {
	ID                  string      `json:"id"`
	ParentID            string      `json:"parentId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives t.
func (s *Subscription) Wants(t EventType) bool {
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// record applies one delivery outcome. errMsg is empty on success.
func (s *Subscription) record(at time.Time, errMsg string) {
	if errMsg == "" {
		s.LastSuccess = &at
		s.LastError = ""
		s.ConsecutiveFailures = 0
		return
	}
	s.LastError = errMsg
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= MaxConsecutiveFailures {
		s.Active = false
	}
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByParent(ctx context.Context, parentID string) ([]*Subscription, error)
	RecordResult(ctx context.Context, id string, at time.Time, errMsg string) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher delivers events to a parent's active subscriptions.
type Dispatcher struct {
	store    Store
	client   *http.Client
	policy   retry.Policy
	clock    clockwork.Clock
	logger   *slog.Logger
	validate func(ctx context.Context, rawURL string) error

	drainTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex // guards closed against wg.Add
	wg     sync.WaitGroup
	closed bool
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Second},
		policy:   retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		validate: security.ValidateWebhookURL,

		drainTimeout: 10 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// WithClock overrides the clock used for timestamps.
func (d *Dispatcher) WithClock(c clockwork.Clock) *Dispatcher {
	d.clock = c
	return d
}

// WithRetryPolicy overrides the per-delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// ValidateURL checks a callback URL before it is stored and again before each send.
func (d *Dispatcher) ValidateURL(ctx context.Context, rawURL string) error {
	return d.validate(ctx, rawURL)
}

// Deliver posts ev to every active subscription of ev.ParentID that wants
// ev.Type. It returns immediately; sends run in the background.
func (d *Dispatcher) Deliver(ev *Event) {
	if ev.ParentID == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(d.ctx, ev)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, ev *Event) {
	subs, err := d.store.ListByParent(ctx, ev.ParentID)
	if err != nil {
		d.logger.Warn("webhook lookup failed", "parent_id", ev.ParentID, "error", err)
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("webhook marshal failed", "event", ev.Type, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(ev.Type) {
			continue
		}
		errMsg := ""
		if err := d.send(ctx, sub, ev, payload); err != nil {
			errMsg = err.Error()
			deliveriesTotal.WithLabelValues(string(ev.Type), "failed").Inc()
			d.logger.Warn("webhook delivery failed",
				"webhook_id", sub.ID, "parent_id", sub.ParentID, "event", ev.Type, "error", err)
		} else {
			deliveriesTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
		}
		if err := d.store.RecordResult(ctx, sub.ID, d.clock.Now(), errMsg); err != nil && !errors.Is(err, ErrNotFound) {
			d.logger.Warn("webhook result not recorded", "webhook_id", sub.ID, "error", err)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, ev *Event, payload []byte) error {
	if err := d.validate(ctx, sub.URL); err != nil {
		return err
	}
	signature := Sign(payload, sub.Secret)

	return retry.Do(ctx, d.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, string(ev.Type))
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
		req.Header.Set(HeaderSignature, signature)

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	})
}

// Close stops accepting events and waits for in-flight sends. Sends still
// running after the drain timeout are cancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.drainTimeout):
		d.cancel()
		<-done
	}
	d.cancel()
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByParent(_ context.Context, parentID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.ParentID == parentID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordResult(_ context.Context, id string, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.record(at, errMsg)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
