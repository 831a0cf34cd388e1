// Package alerts persists suspicious-activity alerts raised for a child.
package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/aurawatch/internal/idgen"

	"github.com/mbd888/aurawatch/internal/pagination"
	"github.com/mbd888/aurawatch/internal/risk"
)

var ErrNotFound = errors.New("alert not found")

// List limits. A limit of 0 means DefaultListLimit.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Alert is one persisted flag.
type Alert struct {
	ID               string        `json:"id"`
	ChildID          string        `json:"childId"`
	ParentID         string        `json:"parentId,omitempty"`
	Severity         risk.Severity `json:"severity"`
	Message          string        `json:"message"`
	AppName          string        `json:"appName"`
	Category         string        `json:"category,omitempty"`
	Confidence       float64       `json:"confidence"`
	NotificationSent bool          `json:"notificationSent"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Query selects one newest-first page of alerts.
type Query struct {
	Limit int
	After *pagination.Cursor
}

// Page is one page of alerts.
type Page = pagination.Page[*Alert]

// Store persists alerts. Create assigns ID and CreatedAt when empty.
type Store interface {
	Create(ctx context.Context, a *Alert) error
	MarkNotified(ctx context.Context, id string) error
	ListByChild(ctx context.Context, childID string, q Query) (Page, error)
	ListByParent(ctx context.Context, parentID string, q Query) (Page, error)
}

func prepare(a *Alert, now time.Time) {
	if a.ID == "" {
		a.ID = idgen.WithPrefix("alrt_")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

func toPage(fetched []*Alert, limit int) Page {
	return pagination.ComputePage(fetched, limit, func(a *Alert) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*Alert)}
}

func (m *MemoryStore) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepare(a, time.Now())
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkNotified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.NotificationSent = true
	return nil
}

func (m *MemoryStore) ListByChild(_ context.Context, childID string, q Query) (Page, error) {
	return m.list(func(a *Alert) bool { return a.ChildID == childID }, q), nil
}

func (m *MemoryStore) ListByParent(_ context.Context, parentID string, q Query) (Page, error) {
	return m.list(func(a *Alert) bool { return a.ParentID == parentID }, q), nil
}

// Get returns a copy of one alert.
func (m *MemoryStore) Get(id string) (*Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// Len returns the number of stored alerts.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}

func (m *MemoryStore) list(keep func(*Alert) bool, q Query) Page {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Alert
	for _, a := range m.alerts {
		if keep(a) && q.After.Admits(a.CreatedAt, a.ID) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := normalizeLimit(q.Limit)
	if len(out) > limit+1 {
		out = out[:limit+1]
	}
	return toPage(out, limit)
}
