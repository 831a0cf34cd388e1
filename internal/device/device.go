// Package device is the server side of the on-device bridge.
//
// The phone pushes its current foreground app every few seconds; the
// detection loop reads the latest report on its own schedule. A report older
// than the staleness window counts as "nothing in the foreground". Whether the
// device granted usage access and whether the parent enabled detection are
// stored per child.
package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/aurawatch/internal/syncutil"
)

var ErrInvalidApp = errors.New("app identifier is required")

// DefaultStaleAfter is how long a foreground report stays current.
const DefaultStaleAfter = 30 * time.Second

// App identifies a foreground application.
type App struct {
	Identifier  string `json:"identifier"`
	DisplayName string `json:"displayName"`
}

// Name returns the display name, falling back to the identifier.
func (a App) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Identifier
}

// Settings are the per-child toggles.
type Settings struct {
	ChildID          string    `json:"childId"`
	UsageAccess      bool      `json:"usageAccess"`
	DetectionEnabled bool      `json:"detectionEnabled"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// defaultSettings applies to a child that has never reported: no usage
// access yet, detection on once access is granted.
func defaultSettings(childID string) Settings {
	return Settings{ChildID: childID, DetectionEnabled: true}
}

// SettingsStore persists Settings.
type SettingsStore interface {
	Get(ctx context.Context, childID string) (Settings, error)
	Put(ctx context.Context, s Settings) error
}

type report struct {
	app App
	at  time.Time
}

// Bridge holds the latest foreground report per child.
type Bridge struct {
	settings   SettingsStore
	clock      clockwork.Clock
	staleAfter time.Duration

	mu      sync.RWMutex
	reports map[string]report

	// serializes settings read-modify-write per child
	updates *syncutil.KeyedMutex
}

// NewBridge creates a bridge.
func NewBridge(settings SettingsStore) *Bridge {
	return &Bridge{
		settings:   settings,
		clock:      clockwork.NewRealClock(),
		staleAfter: DefaultStaleAfter,
		reports:    make(map[string]report),
		updates:    syncutil.NewKeyedMutex(0),
	}
}

// WithClock replaces the wall clock (tests).
func (b *Bridge) WithClock(c clockwork.Clock) *Bridge {
	b.clock = c
	return b
}

// WithStaleAfter overrides the staleness window.
func (b *Bridge) WithStaleAfter(d time.Duration) *Bridge {
	if d > 0 {
		b.staleAfter = d
	}
	return b
}

// Report records the device's current foreground app.
func (b *Bridge) Report(_ context.Context, childID string, app App) error {
	app.Identifier = strings.TrimSpace(app.Identifier)
	app.DisplayName = strings.TrimSpace(app.DisplayName)
	if app.Identifier == "" {
		return ErrInvalidApp
	}
	b.mu.Lock()
	b.reports[childID] = report{app: app, at: b.clock.Now()}
	b.mu.Unlock()
	return nil
}

// ForegroundApp returns the latest fresh report. A settings lookup failure is
// returned as an error; no report (or a stale one) is (App{}, false, nil).
func (b *Bridge) ForegroundApp(ctx context.Context, childID string) (App, bool, error) {
	s, err := b.settings.Get(ctx, childID)
	if err != nil {
		return App{}, false, err
	}
	if !s.UsageAccess {
		return App{}, false, errors.New("usage access revoked")
	}

	b.mu.RLock()
	r, ok := b.reports[childID]
	b.mu.RUnlock()
	if !ok || b.clock.Since(r.at) > b.staleAfter {
		return App{}, false, nil
	}
	return r.app, true, nil
}

// Available reports whether the device granted usage access.
func (b *Bridge) Available(ctx context.Context, childID string) bool {
	s, err := b.settings.Get(ctx, childID)
	return err == nil && s.UsageAccess
}

// DetectionEnabled reports the parent's detection toggle.
func (b *Bridge) DetectionEnabled(ctx context.Context, childID string) (bool, error) {
	s, err := b.settings.Get(ctx, childID)
	if err != nil {
		return false, err
	}
	return s.DetectionEnabled, nil
}

// Settings returns the child's toggles.
func (b *Bridge) Settings(ctx context.Context, childID string) (Settings, error) {
	return b.settings.Get(ctx, childID)
}

// SetUsageAccess records whether the device can report foreground apps.
func (b *Bridge) SetUsageAccess(ctx context.Context, childID string, granted bool) (Settings, error) {
	return b.update(ctx, childID, func(s *Settings) { s.UsageAccess = granted })
}

// SetDetectionEnabled flips the parent's detection toggle.
func (b *Bridge) SetDetectionEnabled(ctx context.Context, childID string, enabled bool) (Settings, error) {
	return b.update(ctx, childID, func(s *Settings) { s.DetectionEnabled = enabled })
}

func (b *Bridge) update(ctx context.Context, childID string, fn func(*Settings)) (Settings, error) {
	unlock, err := b.updates.Lock(ctx, childID)
	if err != nil {
		return Settings{}, err
	}
	defer unlock()

	s, err := b.settings.Get(ctx, childID)
	if err != nil {
		return Settings{}, err
	}
	fn(&s)
	s.ChildID = childID
	s.UpdatedAt = b.clock.Now()
	if err := b.settings.Put(ctx, s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// MemorySettingsStore is an in-memory SettingsStore.
type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

// NewMemorySettingsStore creates an empty store.
func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{settings: make(map[string]Settings)}
}

func (m *MemorySettingsStore) Get(_ context.Context, childID string) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.settings[childID]; ok {
		return s, nil
	}
	return defaultSettings(childID), nil
}

func (m *MemorySettingsStore) Put(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.ChildID] = s
	return nil
}
