package detection

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DailyResetter clears daily flag counters.
type DailyResetter interface {
	ResetDaily(ctx context.Context) error
}

// ResetTimer calls ResetDaily at every local midnight.
type ResetTimer struct {
	resetter DailyResetter
	clock    clockwork.Clock
	loc      *time.Location
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewResetTimer creates a midnight reset timer in loc (time.Local if nil).
func NewResetTimer(resetter DailyResetter, clock clockwork.Clock, loc *time.Location, logger *slog.Logger) *ResetTimer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.Local
	}
	return &ResetTimer{
		resetter: resetter,
		clock:    clock,
		loc:      loc,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is active.
func (t *ResetTimer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine.
func (t *ResetTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	for {
		now := t.clock.Now()
		timer := t.clock.NewTimer(nextMidnight(now, t.loc).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.Chan():
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *ResetTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *ResetTimer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in daily reset", "panic", fmt.Sprint(r))
		}
	}()

	if err := t.resetter.ResetDaily(ctx); err != nil {
		t.logger.Warn("daily reset failed", "error", err)
		return
	}
	t.logger.Info("daily flag counters reset")
}

// nextMidnight returns the first midnight in loc strictly after now.
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
