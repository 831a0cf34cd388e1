// Package accounts resolves child and parent profiles: a child's age and
// linked parent, and a parent's contact phone.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("profile not found")
	ErrInvalidProfile = errors.New("invalid profile")
)

// Role distinguishes children from parents.
type Role string

const (
	RoleChild  Role = "child"
	RoleParent Role = "parent"
)

// Profile is a stored account.
type Profile struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"displayName,omitempty"`
	Age         int       `json:"age,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// Validate checks role-specific fields.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidProfile)
	}
	switch p.Role {
	case RoleChild:
		if p.Age < 0 || p.Age > 25 {
			return fmt.Errorf("%w: age out of range", ErrInvalidProfile)
		}
		if p.ParentID == p.ID {
			return fmt.Errorf("%w: child cannot be its own parent", ErrInvalidProfile)
		}
	case RoleParent:
		if p.Phone != "" && !phonePattern.MatchString(p.Phone) {
			return fmt.Errorf("%w: phone must be E.164 digits", ErrInvalidProfile)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidProfile, p.Role)
	}
	return nil
}

// Child is the view of a child the detection pipeline needs.
type Child struct {
	ID       string
	Age      int // 0 = unknown
	ParentID string
}

// Store persists profiles.
type Store interface {
	Upsert(ctx context.Context, p *Profile) error
	Get(ctx context.Context, id string) (*Profile, error)
}

// Directory answers linkage questions on top of a Store.
type Directory struct {
	store Store
}

// NewDirectory creates a directory.
func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

// Upsert validates and stores a profile.
func (d *Directory) Upsert(ctx context.Context, p *Profile) error {
	p.ID = strings.TrimSpace(p.ID)
	p.Phone = strings.ReplaceAll(strings.TrimSpace(p.Phone), " ", "")
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now()
	return d.store.Upsert(ctx, p)
}

// Get returns a stored profile.
func (d *Directory) Get(ctx context.Context, id string) (*Profile, error) {
	return d.store.Get(ctx, id)
}

// ChildProfile returns the child's age and linked parent.
func (d *Directory) ChildProfile(ctx context.Context, childID string) (Child, error) {
	p, err := d.store.Get(ctx, childID)
	if err != nil {
		return Child{}, err
	}
	if p.Role != RoleChild {
		return Child{}, fmt.Errorf("%w: %s is not a child", ErrNotFound, childID)
	}
	return Child{ID: p.ID, Age: p.Age, ParentID: p.ParentID}, nil
}

// LinkedParent returns the child's parent id, if any.
func (d *Directory) LinkedParent(ctx context.Context, childID string) (string, bool, error) {
	c, err := d.ChildProfile(ctx, childID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return c.ParentID, c.ParentID != "", nil
}

// ParentPhone returns the parent's contact phone, if any.
func (d *Directory) ParentPhone(ctx context.Context, parentID string) (string, bool, error) {
	p, err := d.store.Get(ctx, parentID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if p.Role != RoleParent {
		return "", false, nil
	}
	return p.Phone, p.Phone != "", nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Upsert(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}
