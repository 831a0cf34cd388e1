package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/aurawatch/internal/accounts"
	"github.com/mbd888/aurawatch/internal/logging"
)

// SimulatorChildID hosts simulations that name no child.
const SimulatorChildID = "simulator"

// Manager owns one Detector per known child and their goroutines. Idle
// detectors are dropped at the daily reset.
type Manager struct {
	cfg  Config
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	detectors map[string]*managed
	closed    bool
}

type managed struct {
	d      *Detector
	cancel context.CancelFunc
}

// NewManager creates a manager. Close it to stop every detector.
func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	deps.Logger = deps.Logger.With("component", "detection")
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		detectors: make(map[string]*managed),
	}
}

// Config returns the effective tunables.
func (m *Manager) Config() Config { return m.cfg }

// detector returns the child's detector, creating and running it if the
// child resolves in the directory. Unknown children get ErrUnknownChild.
func (m *Manager) detector(ctx context.Context, childID string) (*Detector, error) {
	if d, ok, err := m.lookup(childID); ok || err != nil {
		return d, err
	}
	if err := m.resolve(ctx, childID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if e, ok := m.detectors[childID]; ok {
		return e.d, nil
	}
	d, cancel := m.spawn(childID)
	m.detectors[childID] = &managed{d: d, cancel: cancel}
	return d, nil
}

func (m *Manager) lookup(childID string) (*Detector, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	if e, ok := m.detectors[childID]; ok {
		return e.d, true, nil
	}
	return nil, false, nil
}

func (m *Manager) resolve(ctx context.Context, childID string) error {
	if childID == SimulatorChildID || m.deps.Children == nil {
		return nil
	}
	_, err := m.deps.Children.ChildProfile(ctx, childID)
	if errors.Is(err, accounts.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownChild, childID)
	}
	if err != nil {
		return fmt.Errorf("resolve child %s: %w", childID, err)
	}
	return nil
}

// spawn runs a detector under its own context. Caller holds m.mu.
func (m *Manager) spawn(childID string) (*Detector, context.CancelFunc) {
	d := NewDetector(childID, m.cfg, m.deps)
	ctx, cancel := context.WithCancel(m.ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		d.Run(ctx)
	}()
	return d, cancel
}

func (m *Manager) existing(childID string) (*Detector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.detectors[childID]
	if !ok {
		return nil, false
	}
	return e.d, true
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Start begins polling for a child. See Detector.Start. Children the
// directory does not know get ErrUnknownChild and no detector.
func (m *Manager) Start(ctx context.Context, childID string) (bool, error) {
	if childID == "" {
		return false, nil
	}
	var started bool
	err := m.retryPruned(ctx, childID, func(d *Detector) error {
		var err error
		started, err = d.Start(ctx)
		return err
	})
	return started, err
}

// retryPruned calls fn on the child's detector, once more on a fresh one if
// the first was pruned between lookup and call.
func (m *Manager) retryPruned(ctx context.Context, childID string, fn func(*Detector) error) error {
	for attempt := 0; ; attempt++ {
		d, err := m.detector(ctx, childID)
		if err != nil {
			return err
		}
		err = fn(d)
		if errors.Is(err, ErrClosed) && attempt == 0 && !m.isClosed() {
			continue
		}
		return err
	}
}

// Stop halts polling for a child. Unknown children are a no-op.
func (m *Manager) Stop(ctx context.Context, childID string) error {
	d, ok := m.existing(childID)
	if !ok {
		return nil
	}
	return d.Stop(ctx)
}

// Snapshot returns the child's state. A child never seen gets an idle
// snapshot and false.
func (m *Manager) Snapshot(childID string) (Snapshot, bool) {
	d, ok := m.existing(childID)
	if !ok {
		return Snapshot{
			ChildID:        childID,
			MaxFlagsPerDay: m.cfg.MaxFlagsPerDay,
			Cooldowns:      map[string]time.Time{},
			SessionStarts:  map[string]time.Time{},
			AppFlags:       map[string]int{},
			Logs:           []LogEntry{},
			UpdatedAt:      m.deps.Clock.Now(),
		}, false
	}
	return d.Snapshot(), true
}

// Simulate previews a detection on the named child's detector. A child the
// directory does not know runs on a throwaway detector that exits with the
// call.
func (m *Manager) Simulate(ctx context.Context, req SimulateRequest) (SimulationResult, error) {
	if req.ChildID == "" {
		req.ChildID = SimulatorChildID
	}
	var res SimulationResult
	err := m.retryPruned(ctx, req.ChildID, func(d *Detector) error {
		var err error
		res, err = d.Simulate(ctx, req)
		return err
	})
	if errors.Is(err, ErrUnknownChild) {
		return m.simulateDetached(ctx, req)
	}
	return res, err
}

func (m *Manager) simulateDetached(ctx context.Context, req SimulateRequest) (SimulationResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return SimulationResult{}, ErrClosed
	}
	d, cancel := m.spawn(req.ChildID)
	m.mu.Unlock()
	defer func() {
		cancel()
		<-d.Done()
	}()
	return d.Simulate(ctx, req)
}

// DismissAlert clears a child's pending alert.
func (m *Manager) DismissAlert(ctx context.Context, childID string) error {
	d, ok := m.existing(childID)
	if !ok {
		return nil
	}
	return d.DismissAlert(ctx)
}

// ResetChild clears one child's daily counters.
func (m *Manager) ResetChild(ctx context.Context, childID string) error {
	d, ok := m.existing(childID)
	if !ok {
		return nil
	}
	return d.ResetDailyCount(ctx)
}

// ResetDaily clears the daily counters of every known child, then drops
// the detectors that are neither polling nor holding an alert.
func (m *Manager) ResetDaily(ctx context.Context) error {
	var errs []error
	for _, d := range m.all() {
		if err := d.ResetDailyCount(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.pruneIdle()
	return errors.Join(errs...)
}

// pruneIdle stops and forgets idle detectors. Their counters were just
// reset, so nothing a fresh detector would not have is lost.
func (m *Manager) pruneIdle() {
	m.mu.Lock()
	var pruned []*managed
	for id, e := range m.detectors {
		snap := e.d.Snapshot()
		if snap.IsDetecting || snap.PendingAlert != nil {
			continue
		}
		delete(m.detectors, id)
		pruned = append(pruned, e)
	}
	m.mu.Unlock()

	for _, e := range pruned {
		e.cancel()
		<-e.d.Done()
	}
	if len(pruned) > 0 {
		m.deps.Logger.Info("pruned idle detectors", "count", len(pruned))
	}
}

// Children lists the children with a detector, sorted.
func (m *Manager) Children() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.detectors))
	for id := range m.detectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount returns how many children have a live poll loop.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, d := range m.all() {
		if d.Snapshot().IsDetecting {
			n++
		}
	}
	return n
}

func (m *Manager) all() []*Detector {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Detector, 0, len(m.detectors))
	for _, e := range m.detectors {
		out = append(out, e.d)
	}
	return out
}

// Close stops every detector and waits for their goroutines. In-flight ticks
// see their context cancelled.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
