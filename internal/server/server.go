// Package server wires the gateway, management API and background workers
// into one HTTP server.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/x402gate/internal/agentauth"
	"github.com/mbd888/x402gate/internal/automation"
	"github.com/mbd888/x402gate/internal/config"
	"github.com/mbd888/x402gate/internal/endpoints"
	"github.com/mbd888/x402gate/internal/gateway"
	"github.com/mbd888/x402gate/internal/health"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/metrics"
	"github.com/mbd888/x402gate/internal/payments"
	"github.com/mbd888/x402gate/internal/paywall"
	"github.com/mbd888/x402gate/internal/ratelimit"
	"github.com/mbd888/x402gate/internal/realtime"
	"github.com/mbd888/x402gate/internal/registry"
	"github.com/mbd888/x402gate/internal/requestlog"
	"github.com/mbd888/x402gate/internal/respond"
	"github.com/mbd888/x402gate/internal/security"
	"github.com/mbd888/x402gate/internal/traces"
	"github.com/mbd888/x402gate/internal/validation"
	"github.com/mbd888/x402gate/internal/webhooks"
	"github.com/mbd888/x402gate/pkg/x402"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	registry    gateway.Registry
	facilitator paywall.Facilitator

	endpoints   endpoints.Store
	payments    payments.Store
	requests    requestlog.Store
	rules       automation.Store
	engine      *automation.Engine
	sink        *gateway.Sink
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithRegistry replaces the Stacks registry client (for testing)
func WithRegistry(r gateway.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithFacilitator replaces the x402 facilitator client (for testing)
func WithFacilitator(f paywall.Facilitator) Option {
	return func(s *Server) {
		s.facilitator = f
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	s.health = health.NewRegistry(5 * time.Second)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.endpoints = endpoints.NewPostgresStore(db)
		s.payments = payments.NewPostgresStore(db)
		s.requests = requestlog.NewPostgresStore(db)
		s.rules = automation.NewPostgresStore(db)
		s.health.Register("database", health.DBChecker(db))
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.endpoints = endpoints.NewMemoryStore()
		s.payments = payments.NewMemoryStore()
		s.requests = requestlog.NewMemoryStore()
		s.rules = automation.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.registry == nil {
		s.registry = registry.NewClient(registry.Config{
			TestnetURL:  cfg.HiroTestnetURL,
			MainnetURL:  cfg.HiroMainnetURL,
			ContractID:  cfg.RegistryContractID,
			Timeout:     cfg.RegistryTimeout,
			MaxAttempts: cfg.RegistryMaxAttempts,
		}, s.logger)
	}
	if s.facilitator == nil {
		s.facilitator = x402.NewFacilitatorClient(cfg.FacilitatorTimeout)
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.engine = automation.NewEngine(s.rules, s.endpoints, s.logger).
		WithNotifier(webhooks.NewSender(cfg.WebhookSecret, s.logger)).
		WithPublisher(s.realtimeHub)
	s.sink = gateway.NewSink(s.requests, s.engine, s.realtimeHub, cfg.SinkWorkers, cfg.SinkQueueSize, s.logger)
	s.health.Register("sink", health.QueueChecker(s.sink.Depth, s.sink.Capacity()))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		respond.Error(c, http.StatusInternalServerError, gateway.CodeInternalServerError, "An unexpected error occurred", nil)
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if p := paywall.GetPayment(c); p != nil {
			attrs = append(attrs, slog.String("payer", p.Payer), slog.String("transaction", p.Transaction))
		}

		// 402 challenges log at info.
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
			attrs = append(attrs, slog.String("client_ip", c.ClientIP()))
		case status >= 400 && status != http.StatusPaymentRequired:
			level = slog.LevelWarn
		}
		logging.L(c.Request.Context()).LogAttrs(c.Request.Context(), level, "request completed", attrs...)
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

	gw := gateway.NewHandler(gateway.Deps{
		Endpoints: s.endpoints,
		Registry:  s.registry,
		Verifier:  agentauth.NewVerifier(s.cfg.AgentMaxClockSkew, time.Now),
		Gate:      paywall.NewGate(s.facilitator, s.logger),
		Guard:     payments.NewGuard(s.payments, s.logger),
		Forwarder: gateway.NewForwarder(s.cfg.UpstreamTimeout, s.cfg.UpstreamMaxResponseBytes),
		Sink:      s.sink,
		Publisher: s.realtimeHub,
		BaseURL:   s.cfg.BaseURL,
		Logger:    s.logger,
		Dev:       s.cfg.IsDevelopment(),
	})

	// Agent traffic is rate limited per client IP; management traffic is not.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   5 * time.Minute,
	})
	gw.RegisterRoutes(s.router.Group("", s.rateLimiter.Middleware()))

	allowPrivate := s.cfg.AllowPrivateUpstreams
	v1 := s.router.Group("/v1", security.RequireAdmin(s.cfg.AdminSecret))
	endpoints.NewHandler(endpoints.NewService(s.endpoints, s.payments, s.requests, s.cfg.BaseURL, allowPrivate, s.logger)).RegisterRoutes(v1)
	automation.NewHandler(automation.NewService(s.rules, s.endpoints, allowPrivate, s.logger)).RegisterRoutes(v1)
	v1.GET("/apis/:id/live", s.realtimeHub.Handler())

	s.router.NoRoute(func(c *gin.Context) {
		respond.Error(c, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		v := "healthy"
		if !st.Healthy {
			v = "unhealthy"
		}
		if st.Detail != "" {
			v += ": " + st.Detail
		}
		checks[st.Name] = v
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches background workers. Run calls it; tests that drive the
// router directly call it themselves.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	s.sink.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Upstream calls may take UpstreamTimeout on top of our own work.
		WriteTimeout: s.cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server. In-flight calls finish first, then
// the sink drains, then background workers and storage stop.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.cfg.DrainDelay > 0 {
		time.Sleep(s.cfg.DrainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	if err := s.sink.Close(ctx); err != nil {
		s.logger.Error("sink did not drain", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else {
		s.logger.Info("sink drained")
	}

	// Stop the hub and collectors
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
		select {
		case <-s.realtimeHub.Done():
		case <-ctx.Done():
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
