// Package auth issues and checks parent API keys.
//
// Keys are shown once at creation and stored as SHA-256 hashes. A key
// belongs to one parent and grants access to that parent's routes and to
// routes of children linked to them. A single admin key from config can act
// for any parent and is the only way to mint a parent's first key.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/aurawatch/internal/idgen"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// KeyPrefix marks raw parent keys.
const KeyPrefix = "sk_"

// APIKey is the stored form of a parent key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	ParentID  string     `json:"parentId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Principal is who a request acts as.
type Principal struct {
	Admin    bool
	ParentID string
	KeyID    string
}

// CanActFor reports whether p may act on behalf of parentID.
func (p Principal) CanActFor(parentID string) bool {
	return p.Admin || (parentID != "" && p.ParentID == parentID)
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByParent(ctx context.Context, parentID string) ([]*APIKey, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id, parentID string) error
}

// Manager issues and validates keys.
type Manager struct {
	store    Store
	adminKey string
	clock    clockwork.Clock
}

// NewManager creates a manager. An empty adminKey disables admin access.
func NewManager(store Store, adminKey string) *Manager {
	return &Manager{store: store, adminKey: adminKey, clock: clockwork.NewRealClock()}
}

// WithClock replaces the wall clock (tests).
func (m *Manager) WithClock(c clockwork.Clock) *Manager {
	m.clock = c
	return m
}

// GenerateKey creates a key for parentID and returns the raw value once.
func (m *Manager) GenerateKey(ctx context.Context, parentID, name string) (string, *APIKey, error) {
	raw := KeyPrefix + idgen.Secret()
	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(raw),
		ParentID:  parentID,
		Name:      name,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// Authenticate resolves a raw header value ("Bearer sk_..." or the bare key).
func (m *Manager) Authenticate(ctx context.Context, header string) (Principal, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer "))
	if raw == "" {
		return Principal{}, ErrNoAPIKey
	}
	if m.adminKey != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(m.adminKey)) == 1 {
		return Principal{Admin: true}, nil
	}
	if !strings.HasPrefix(raw, KeyPrefix) {
		return Principal{}, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if errors.Is(err, ErrKeyNotFound) {
		return Principal{}, ErrInvalidAPIKey
	}
	if err != nil {
		return Principal{}, err
	}
	if key.Revoked {
		return Principal{}, ErrInvalidAPIKey
	}

	// last-used is advisory
	_ = m.store.Touch(ctx, key.ID, m.clock.Now())
	return Principal{ParentID: key.ParentID, KeyID: key.ID}, nil
}

// ListKeys returns a parent's keys, newest first.
func (m *Manager) ListKeys(ctx context.Context, parentID string) ([]*APIKey, error) {
	return m.store.ListByParent(ctx, parentID)
}

// RevokeKey revokes one of parentID's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, parentID string) error {
	return m.store.Revoke(ctx, keyID, parentID)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListByParent(_ context.Context, parentID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*APIKey{}
	for _, k := range s.keys {
		if k.ParentID == parentID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsed = &at
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, id, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.ParentID != parentID || k.Revoked {
		return ErrKeyNotFound
	}
	k.Revoked = true
	return nil
}
