// Package ratelimit provides token-bucket rate limiting middleware.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to drop idle keys
	CleanupInterval time.Duration
}

// DefaultConfig returns the API-wide defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// ForegroundConfig limits device foreground reports. Devices report every
// few seconds at most, so anything faster is a misbehaving client.
func ForegroundConfig() Config {
	return Config{
		RequestsPerMinute: 30,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc derives the bucket key for a request.
type KeyFunc func(c *gin.Context) string

// KeyByIP buckets by client IP.
func KeyByIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByParam buckets by a route parameter, e.g. the child id.
func KeyByParam(name string) KeyFunc {
	return func(c *gin.Context) string {
		return name + ":" + c.Param(name)
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	clock   clockwork.Clock
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter using the wall clock.
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, clockwork.NewRealClock())
}

// NewWithClock creates a limiter on the given clock.
func NewWithClock(cfg Config, clock clockwork.Clock) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clock:   clock,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := l.clock.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			l.mu.Lock()
			cutoff := l.clock.Now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}

// Middleware rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return l.MiddlewareWithKey(KeyByIP)
}

// MiddlewareWithKey rate limits by an arbitrary key.
func (l *Limiter) MiddlewareWithKey(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
