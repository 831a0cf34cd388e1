// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/aurawatch/internal/accounts"
	"github.com/mbd888/aurawatch/internal/alerts"
	"github.com/mbd888/aurawatch/internal/arbiter"
	"github.com/mbd888/aurawatch/internal/auth"
	"github.com/mbd888/aurawatch/internal/circuitbreaker"
	"github.com/mbd888/aurawatch/internal/config"
	"github.com/mbd888/aurawatch/internal/consequences"
	"github.com/mbd888/aurawatch/internal/detection"
	"github.com/mbd888/aurawatch/internal/device"
	"github.com/mbd888/aurawatch/internal/health"
	"github.com/mbd888/aurawatch/internal/ledger"
	"github.com/mbd888/aurawatch/internal/llm"
	"github.com/mbd888/aurawatch/internal/logging"
	"github.com/mbd888/aurawatch/internal/metrics"
	"github.com/mbd888/aurawatch/internal/notify"
	"github.com/mbd888/aurawatch/internal/ratelimit"
	"github.com/mbd888/aurawatch/internal/realtime"
	"github.com/mbd888/aurawatch/internal/risk"
	"github.com/mbd888/aurawatch/internal/security"
	"github.com/mbd888/aurawatch/internal/traces"
	"github.com/mbd888/aurawatch/internal/validation"
	"github.com/mbd888/aurawatch/internal/webhooks"
)

// Version is reported by /api and the trace resource.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	clock  clockwork.Clock
	logger *slog.Logger

	// Storage
	db        *sql.DB // nil if using in-memory
	accounts  *accounts.Directory
	alerts    alerts.Store
	ledger    *ledger.Ledger
	bridge    *device.Bridge
	registry  *risk.Registry
	reasoner  arbiter.Reasoner
	notifier  consequences.Notifier
	breaker   *circuitbreaker.Breaker
	model     string
	arbiter   *arbiter.Arbiter
	dispatch  *consequences.Dispatcher
	detection *detection.Manager
	hooks     webhooks.Store
	webhooks  *webhooks.Dispatcher
	keys      *auth.Manager

	resetTimer     *detection.ResetTimer
	realtimeHub    *realtime.Hub
	health         *health.Registry
	apiLimiter     *ratelimit.Limiter
	reportLimiter  *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithReasoner replaces the Tier-2 model client (for testing)
func WithReasoner(r arbiter.Reasoner) Option {
	return func(s *Server) {
		s.reasoner = r
	}
}

// WithNotifier replaces the parent notifier (for testing)
func WithNotifier(n consequences.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithClock replaces the wall clock used by detection and the reset timer
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set reasoner/notifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initStorage(); err != nil {
		return nil, err
	}

	registry, err := risk.LoadFile(cfg.RiskRegistryFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk registry: %w", err)
	}
	s.registry = registry
	s.logger.Info("risk registry loaded", "entries", registry.Len(), "file", cfg.RiskRegistryFile)

	if err := s.initReasoner(); err != nil {
		return nil, err
	}
	s.arbiter = arbiter.New(s.reasoner, s.logger).WithTimeout(cfg.ArbiterTimeout)

	if s.notifier == nil {
		if sms := cfg.SMS(); sms.Enabled() {
			s.notifier = notify.NewSMS(sms, s.logger)
			s.logger.Info("sms notifications enabled", "from", sms.From)
		} else {
			s.notifier = notify.NewLog(s.logger)
			s.logger.Warn("sms not configured, parent notifications will be logged only")
		}
	}

	s.dispatch = consequences.NewDispatcher(cfg.Dispatch(), s.alerts, s.ledger, s.accounts, s.notifier, s.logger)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	detCfg := cfg.Detection()
	s.detection = detection.NewManager(detCfg, detection.Deps{
		Source:     s.bridge,
		Flags:      s.bridge,
		Children:   s.accounts,
		Matcher:    s.registry,
		Analyzer:   s.arbiter,
		Dispatcher: s.dispatch,
		Events:     detection.EventSinkFunc(s.publish),
		Clock:      s.clock,
		Logger:     s.logger,
	})
	s.logger.Info("detection configured",
		"poll_interval", detCfg.PollInterval,
		"confidence_threshold", detCfg.ConfidenceThreshold,
		"max_flags_per_day", detCfg.MaxFlagsPerDay,
	)

	if cfg.DailyResetEnabled {
		s.resetTimer = detection.NewResetTimer(s.detection, s.clock, detCfg.Location, s.logger)
	}

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.breaker != nil {
		s.health.Register("reasoner", health.Reasoner(s.breaker, s.model))
	}
	s.health.Register("detection", health.Detection(s.detection.ActiveCount))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage picks Postgres when DATABASE_URL is set, otherwise in-memory.
// Schema is applied separately with cmd/migrate.
func (s *Server) initStorage() error {
	var (
		accountStore  accounts.Store
		ledgerStore   ledger.Store
		settingsStore device.SettingsStore
		keyStore      auth.Store
	)

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		accountStore = accounts.NewPostgresStore(db)
		s.alerts = alerts.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		settingsStore = device.NewPostgresSettingsStore(db)
		s.hooks = webhooks.NewPostgresStore(db)
		keyStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		accountStore = accounts.NewMemoryStore()
		s.alerts = alerts.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		settingsStore = device.NewMemorySettingsStore()
		s.hooks = webhooks.NewMemoryStore()
		keyStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.accounts = accounts.NewDirectory(accountStore)
	s.ledger = ledger.New(ledgerStore)
	s.bridge = device.NewBridge(settingsStore).
		WithClock(s.clock).
		WithStaleAfter(s.cfg.ForegroundStale)
	s.webhooks = webhooks.NewDispatcher(s.hooks, s.logger).WithClock(s.clock)
	s.keys = auth.NewManager(keyStore, s.cfg.AdminAPIKey).WithClock(s.clock)
	return nil
}

// initReasoner wires the model client when a key is configured. Without one
// every Tier-2 call takes the fail-safe branch.
func (s *Server) initReasoner() error {
	if s.reasoner != nil {
		return nil
	}
	if !s.cfg.LLMEnabled() {
		s.reasoner = arbiter.Unavailable
		s.logger.Warn("no LLM configured, Tier-2 analysis will fail safe")
		return nil
	}

	client, err := llm.New(s.cfg.LLM(), s.logger)
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.model = client.Model()
	s.reasoner = client.WithBreaker(s.breaker)
	s.logger.Info("tier-2 analysis enabled", "model", s.model)
	return nil
}

// publish forwards detection events to WebSocket subscribers and parent webhooks.
func (s *Server) publish(e detection.Event) {
	s.webhooks.Publish(e)

	ev := &realtime.Event{
		Type:      realtime.EventType(e.Type),
		Timestamp: e.At,
		ChildID:   e.ChildID,
		ParentID:  e.ParentID,
	}
	if e.Alert != nil {
		ev.Data = e.Alert
	}
	s.realtimeHub.Broadcast(ev)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// CORS for the parent dashboard
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if childID := c.Param("childId"); childID != "" {
			ctx = logging.WithChildID(ctx, childID)
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes are too chatty for info
			logger.Debug("request completed", "path", path, "status", status)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for flag and lifecycle events
	s.router.GET("/ws", s.websocketHandler)

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware("childId", "parentId", "id"))
	if s.cfg.APIRateLimit > 0 {
		apiCfg := ratelimit.DefaultConfig()
		apiCfg.RequestsPerMinute = s.cfg.APIRateLimit
		s.apiLimiter = ratelimit.New(apiCfg)
		v1.Use(s.apiLimiter.Middleware())
	}
	v1.Use(auth.Middleware(s.keys))
	if s.cfg.AuthRequired {
		v1.Use(auth.Guard(s.accounts))
	} else {
		s.logger.Warn("API key auth disabled, all /v1 routes are open")
	}

	reportCfg := ratelimit.ForegroundConfig()
	if s.cfg.ForegroundRateLimit > 0 {
		reportCfg.RequestsPerMinute = s.cfg.ForegroundRateLimit
	}
	s.reportLimiter = ratelimit.NewWithClock(reportCfg, s.clock)

	detection.NewHandler(s.detection).WithBodyScope(auth.BodyScope(s.accounts)).RegisterRoutes(v1)
	device.NewHandler(s.bridge, s.reportLimiter.MiddlewareWithKey(ratelimit.KeyByParam("childId"))).RegisterRoutes(v1)
	alerts.NewHandler(s.alerts).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	accounts.NewHandler(s.accounts).RegisterRoutes(v1)
	risk.NewHandler(s.registry).RegisterRoutes(v1)
	webhooks.NewHandler(s.hooks, s.webhooks).RegisterRoutes(v1)
	auth.NewHandler(s.keys).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	for _, st := range checks {
		if st.Degraded {
			status = "degraded"
		}
	}
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// websocketHandler scopes parent keys to their own events when auth is on.
// Browsers cannot set headers on upgrade, so ?token= is also accepted.
func (s *Server) websocketHandler(c *gin.Context) {
	if !s.cfg.AuthRequired {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
		return
	}

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}
	p, err := s.keys.Authenticate(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	if p.Admin {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
		return
	}
	s.realtimeHub.HandleScopedWebSocket(c.Writer, c.Request, p.ParentID)
}

func (s *Server) infoHandler(c *gin.Context) {
	det := s.detection.Config()
	c.JSON(http.StatusOK, gin.H{
		"name":        "aurawatch",
		"description": "Foreground app risk detection for supervised child devices",
		"version":     Version,
		"detection": gin.H{
			"pollIntervalMs":      det.PollInterval.Milliseconds(),
			"confidenceThreshold": det.ConfidenceThreshold,
			"maxFlagsPerDay":      det.MaxFlagsPerDay,
			"activeDetectors":     s.detection.ActiveCount(),
		},
		"tier2":    s.model != "",
		"auth":     s.cfg.AuthRequired,
		"realtime": s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start midnight flag counter reset
	if s.resetTimer != nil {
		go s.resetTimer.Start(runCtx)
	}

	// Sample pool and goroutine gauges
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop reset timer
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.logger.Info("daily reset timer stopped")
	}

	// Stop every detection loop; in-flight ticks see a cancelled context
	s.detection.Close()
	s.logger.Info("detection stopped")

	s.webhooks.Close()

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutines
	if s.apiLimiter != nil {
		s.apiLimiter.Stop()
	}
	if s.reportLimiter != nil {
		s.reportLimiter.Stop()
	}

	if s.shutdownTraces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
		cancel()
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Detection returns the detection manager.
func (s *Server) Detection() *detection.Manager {
	return s.detection
}
