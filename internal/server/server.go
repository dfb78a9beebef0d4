// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gigstack/paycore/internal/config"
	"github.com/gigstack/paycore/internal/escrow"
	"github.com/gigstack/paycore/internal/fees"
	"github.com/gigstack/paycore/internal/health"
	"github.com/gigstack/paycore/internal/ledger"
	"github.com/gigstack/paycore/internal/logging"
	"github.com/gigstack/paycore/internal/metrics"
	"github.com/gigstack/paycore/internal/notify"
	"github.com/gigstack/paycore/internal/payments"
	"github.com/gigstack/paycore/internal/payouts"
	"github.com/gigstack/paycore/internal/processor"
	"github.com/gigstack/paycore/internal/ratelimit"
	"github.com/gigstack/paycore/internal/reconcile"
	"github.com/gigstack/paycore/internal/security"
	"github.com/gigstack/paycore/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	proc         processor.Client
	feeEngine    *fees.Engine
	ledgerStore  ledger.Store
	escrowSvc    *escrow.Service
	paymentsSvc  *payments.Service
	payoutsSvc   *payouts.Service
	reconcileSvc *reconcile.Service
	dispatcher   *notify.Dispatcher

	sweeper          *ledger.Sweeper
	payoutReconciler *payouts.Reconciler
	reconcileRunner  *reconcile.Runner

	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithProcessor sets a custom processor client (for testing)
func WithProcessor(p processor.Client) Option {
	return func(s *Server) {
		s.proc = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set processor/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		feeStore     fees.Store
		paymentStore payments.Store
		releaseStore escrow.ReleaseStore
		payoutStore  payouts.Store
		notifyStore  notify.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		feeStore = fees.NewPostgresStore(db)
		s.ledgerStore = ledger.NewPostgresStore(db)
		paymentStore = payments.NewPostgresStore(db)
		releaseStore = escrow.NewPostgresReleaseStore(db)
		payoutStore = payouts.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		feeStore = fees.NewMemoryStore()
		s.ledgerStore = ledger.NewMemoryStore()
		paymentStore = payments.NewMemoryStore()
		releaseStore = escrow.NewMemoryReleaseStore()
		payoutStore = payouts.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
	}

	// Processor client: real Stripe transport when an API key is
	// configured, otherwise a local mock (development mode).
	if s.proc == nil {
		if cfg.ProcessorAPIKey != "" {
			s.proc = processor.NewStripeClient(cfg.ProcessorAPIKey).WithTimeout(cfg.ProcessorTimeout)
			s.logger.Info("processor transfers enabled")
		} else {
			s.proc = processor.NewMockClient()
			s.logger.Warn("no processor API key, transfers run against a mock")
		}
	}

	// Notifications
	s.dispatcher = notify.NewDispatcher(notifyStore)
	emitter := notify.NewEmitter(s.dispatcher, s.logger)

	// Services
	s.feeEngine = fees.NewEngine(feeStore)

	s.escrowSvc = escrow.NewService(s.ledgerStore, releaseStore, paymentStore, s.feeEngine).
		WithHoldPeriod(cfg.HoldPeriod()).
		WithNotifier(emitter).
		WithLogger(s.logger)

	s.paymentsSvc = payments.NewService(paymentStore, s.feeEngine, s.escrowSvc).
		WithNotifier(emitter)

	s.payoutsSvc = payouts.NewService(payoutStore, s.ledgerStore, s.proc).
		WithNotifier(emitter).
		WithLogger(s.logger)

	s.reconcileSvc = reconcile.NewService(s.ledgerStore, paymentStore, releaseStore).
		WithLogger(s.logger).
		OnDrift(func(payerID string, driftMicros *big.Int) {
			drift, _ := new(big.Float).SetInt(driftMicros).Float64()
			metrics.EscrowDriftMicros.WithLabelValues(payerID).Set(drift)
			metrics.IntegrityFaultsTotal.WithLabelValues("escrow_drift").Inc()
		})

	// Background workers
	s.sweeper = ledger.NewSweeper(s.ledgerStore, s.logger)
	s.payoutReconciler = payouts.NewReconciler(s.payoutsSvc, s.logger)
	s.reconcileRunner = reconcile.NewRunner(s.reconcileSvc, s.logger).
		WithInterval(cfg.ReconcileInterval())

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(paymentStore, feeStore, notifyStore)

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
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
		if rlCfg.BurstSize < 10 {
			rlCfg.BurstSize = 10
		}
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

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
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
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

// adminAuth guards operational endpoints with the shared admin secret.
// With no secret configured, admin routes are open in development and
// closed in production.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin endpoints are disabled",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(paymentStore payments.Store, feeStore fees.Store, notifyStore notify.Store) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// Processor webhook lives outside the versioned group: the path is
	// part of the processor dashboard configuration.
	payoutsHandler := payouts.NewHandler(s.payoutsSvc, s.cfg.ProcessorWebhookSecret)
	payoutsHandler.RegisterWebhookRoutes(s.router)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserIDParamMiddleware())

	feesHandler := fees.NewHandler(s.feeEngine, feeStore)
	feesHandler.RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(ledger.New(s.ledgerStore))
	ledgerHandler.RegisterRoutes(v1)

	paymentsHandler := payments.NewHandler(s.paymentsSvc)
	paymentsHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowSvc)
	escrowHandler.RegisterRoutes(v1)

	payoutsHandler.RegisterRoutes(v1)

	notifyHandler := notify.NewHandler(notifyStore)
	notifyHandler.RegisterRoutes(v1)

	// Admin routes (fee config changes, manual reconciliation)
	admin := v1.Group("")
	admin.Use(s.adminAuth())
	{
		feesHandler.RegisterAdminRoutes(admin)

		reconcileHandler := reconcile.NewHandler(s.reconcileSvc)
		reconcileHandler.RegisterAdminRoutes(admin)
	}
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Paycore",
		"description": "Escrow ledger and payout settlement engine",
		"version":     "0.1.0",
		"currency":    s.cfg.PayoutCurrency,
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start hold maturity sweeper
	go s.sweeper.Start(runCtx)

	// Start stuck-payout reconciler
	go s.payoutReconciler.Start(runCtx)

	// Start escrow reconciliation loop
	go s.reconcileRunner.Start(runCtx)

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (sweeper, reconcilers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop background workers
	s.sweeper.Stop()
	s.payoutReconciler.Stop()
	s.reconcileRunner.Stop()
	s.logger.Info("background workers stopped")

	// Stop rate limiter cleanup goroutine
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

	s.logger.Info("server stopped")
	return nil
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
