// Package health runs named readiness checks for the subsystems the
// detection pipeline depends on.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/aurawatch/internal/circuitbreaker"
)

// DefaultCheckTimeout bounds a single checker.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Detail   string `json:"detail,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-checker timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results. Degraded subsystems are
// reported but do not make the service unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = r.run(ctx, nc)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) (s Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			s = Status{Name: nc.name, Detail: fmt.Sprintf("checker panicked: %v", p)}
		}
	}()

	s = nc.check(ctx)
	if s.Name == "" {
		s.Name = nc.name
	}
	return s
}

// Database pings the Postgres pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		st := db.Stats()
		return Status{Name: "database", Healthy: true, Detail: fmt.Sprintf("%d open, %d in use", st.OpenConnections, st.InUse)}
	}
}

// Reasoner reports the model circuit breaker. An open breaker degrades
// Tier-2 to the fail-safe verdict but detection keeps running.
func Reasoner(b *circuitbreaker.Breaker, model string) Checker {
	return func(context.Context) Status {
		st := b.State(model)
		return Status{
			Name:     "reasoner",
			Healthy:  true,
			Degraded: st != circuitbreaker.StateClosed,
			Detail:   fmt.Sprintf("%s breaker %s", model, st),
		}
	}
}

// Detection reports how many poll loops are live.
func Detection(active func() int) Checker {
	return func(context.Context) Status {
		return Status{Name: "detection", Healthy: true, Detail: fmt.Sprintf("%d active detectors", active())}
	}
}
