// Package server sets up the HTTP server with all routes
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
	"github.com/veilmarket/veilmarket/internal/bond"
	"github.com/veilmarket/veilmarket/internal/checkout"
	"github.com/veilmarket/veilmarket/internal/config"
	"github.com/veilmarket/veilmarket/internal/dispute"
	"github.com/veilmarket/veilmarket/internal/escrow"
	"github.com/veilmarket/veilmarket/internal/gate"
	"github.com/veilmarket/veilmarket/internal/health"
	"github.com/veilmarket/veilmarket/internal/listing"
	"github.com/veilmarket/veilmarket/internal/logging"
	"github.com/veilmarket/veilmarket/internal/metrics"
	"github.com/veilmarket/veilmarket/internal/mint"
	"github.com/veilmarket/veilmarket/internal/notify"
	"github.com/veilmarket/veilmarket/internal/order"
	"github.com/veilmarket/veilmarket/internal/ratelimit"
	"github.com/veilmarket/veilmarket/internal/reconciliation"
	"github.com/veilmarket/veilmarket/internal/sweeper"
	"github.com/veilmarket/veilmarket/internal/validation"
	"github.com/veilmarket/veilmarket/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	rateLimiter  *ratelimit.Limiter
	healthChecks *health.Registry
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	walletStore wallet.Store
	walletSvc   *wallet.Service
	mintSvc     *mint.Service
	gateSvc     *gate.Service
	listingSvc  *listing.Service
	bondSvc     *bond.Service
	checkoutSvc *checkout.Service
	orderSvc    *order.Service
	escrowSvc   *escrow.Service
	disputeSvc  *dispute.Service
	reconSvc    *reconciliation.Service
	notifyHub   *notify.Hub
	sweep       *sweeper.Sweeper

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		mintStore     mint.Store
		gateStore     gate.Store
		listingStore  listing.Store
		bondStore     bond.Store
		checkoutStore checkout.Store
		orderStore    order.Store
		escrowStore   escrow.Store
		disputeStore  dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.walletStore = wallet.NewPostgresStore(db)
		mintStore = mint.NewPostgresStore(db)
		gateStore = gate.NewPostgresStore(db)
		listingStore = listing.NewPostgresStore(db)
		bondStore = bond.NewPostgresStore(db)
		checkoutStore = checkout.NewPostgresStore(db)
		orderStore = order.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthChecks.Register("database", func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return db.PingContext(ctx)
		})
	} else {
		s.walletStore = wallet.NewMemoryStore()
		mintStore = mint.NewMemoryStore()
		gateStore = gate.NewMemoryStore()
		listingStore = listing.NewMemoryStore()
		bondStore = bond.NewMemoryStore()
		checkoutStore = checkout.NewMemoryStore()
		orderStore = order.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Service graph. Wallet is the settlement core; everything that moves
	// sats goes through it.
	s.walletSvc = wallet.NewService(s.walletStore)
	if err := s.walletSvc.Bootstrap(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to bootstrap system accounts: %w", err)
	}

	s.mintSvc = mint.NewService(mintStore)
	s.gateSvc = gate.NewService(gateStore, s.mintSvc, s.walletSvc,
		cfg.BrowseCostSats, time.Duration(cfg.BrowseSessionHours)*time.Hour).
		WithChallenge(cfg.MintURL, cfg.MarketplacePubkey)

	s.bondSvc = bond.NewService(bondStore, s.walletSvc, cfg.BondForCategory)
	s.listingSvc = listing.NewService(listingStore, s.bondSvc)
	s.bondSvc.WithListingChecker(s.listingSvc)

	s.notifyHub = notify.NewHub(s.logger)

	s.escrowSvc = escrow.NewService(escrowStore, s.walletSvc)
	s.orderSvc = order.NewService(orderStore).WithReleaser(s.escrowSvc)
	s.escrowSvc.WithOrderUpdater(s.orderSvc).WithNotifier(s.notifyHub)

	s.checkoutSvc = checkout.NewService(checkoutStore, s.listingSvc, s.walletSvc,
		s.escrowSvc, s.orderSvc, checkout.Config{
			FeePercent:   cfg.FeePercent,
			TTL:          time.Duration(cfg.CheckoutTTLMinutes) * time.Minute,
			HoldWindow:   time.Duration(cfg.EscrowDays) * 24 * time.Hour,
			DisputeGrace: time.Duration(cfg.DisputeDays) * 24 * time.Hour,
		})

	s.disputeSvc = dispute.NewService(disputeStore, s.escrowSvc,
		time.Duration(cfg.DisputeDays)*24*time.Hour).WithNotifier(s.notifyHub)

	s.reconSvc = reconciliation.NewService(s.walletStore, s.walletSvc)

	s.sweep = sweeper.New(time.Duration(cfg.SweepIntervalSeconds)*time.Second, s.logger).
		WithCheckouts(s.checkoutSvc).
		WithEscrows(s.escrowSvc).
		WithDisputes(s.disputeSvc).
		WithSessions(s.gateSvc).
		WithReconciler(s.reconSvc)

	s.healthChecks.Register("sweeper", func(ctx context.Context) error {
		if !s.sweep.Running() {
			return errors.New("sweeper not running")
		}
		return nil
	})

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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting (keyed by browsing session when present, IP otherwise)
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for settlement event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.notifyHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :npub URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.NpubParamMiddleware())

	// Gate info and explicit session redemption (free — this is how you
	// buy your way past the 402)
	v1.GET("/gate", s.gateInfoHandler)
	v1.POST("/gate/session", s.gateSessionHandler)

	// Dev-only faucet so the demo loop works without a real mint
	if s.cfg.IsDevelopment() {
		v1.POST("/faucet", s.faucetHandler)
	}

	// BROWSE ROUTES — reading the catalog costs a token
	listingHandler := listing.NewHandler(s.listingSvc)
	browse := v1.Group("")
	browse.Use(s.gateSvc.Middleware(nil))
	listingHandler.RegisterRoutes(browse)

	// PROTECTED ROUTES (require X-Npub identity)
	protected := v1.Group("")
	protected.Use(s.authMiddleware())
	{
		walletHandler := wallet.NewHandler(s.walletSvc, s.mintSvc)
		walletHandler.RegisterRoutes(protected)

		listingHandler.RegisterProtectedRoutes(protected)

		bondHandler := bond.NewHandler(s.bondSvc)
		bondHandler.RegisterProtectedRoutes(protected)

		checkoutHandler := checkout.NewHandler(s.checkoutSvc)
		checkoutHandler.RegisterProtectedRoutes(protected)

		orderHandler := order.NewHandler(s.orderSvc)
		orderHandler.RegisterProtectedRoutes(protected)

		escrowHandler := escrow.NewHandler(s.escrowSvc)
		escrowHandler.RegisterProtectedRoutes(protected)

		disputeHandler := dispute.NewHandler(s.disputeSvc)
		disputeHandler.RegisterProtectedRoutes(protected)

		// ADMIN ROUTES
		admin := protected.Group("/admin")
		admin.Use(s.requireAdmin())
		{
			disputeHandler.RegisterAdminRoutes(admin)
			bond.NewHandler(s.bondSvc).RegisterAdminRoutes(admin)
			admin.POST("/accounts/:npub/freeze", s.adminFreezeHandler)
			admin.POST("/accounts/:npub/unfreeze", s.adminUnfreezeHandler)
			admin.POST("/reconcile", s.adminReconcileHandler)
			admin.POST("/sweep", s.adminSweepHandler)
			admin.GET("/events/stats", s.adminEventStatsHandler)
		}
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthChecks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Veilmarket",
		"description": "Anonymous marketplace settlement core",
		"version":     "0.1.0",
		"currency":    "sats",
		"mint":        s.cfg.MintURL,
	})
}

// gateInfoHandler tells clients what browsing costs before they hit the 402.
func (s *Server) gateInfoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"browseCostSats": s.gateSvc.CostSats(),
		"payVia":         gate.TokenHeader,
		"mint":           s.cfg.MintURL,
	})
}

// gateSessionHandler handles POST /v1/gate/session
// Explicit token-for-session exchange for clients that prefer not to
// piggyback the token on a browse request.
func (s *Server) gateSessionHandler(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is required",
		})
		return
	}

	existing, _ := c.Cookie(gate.SessionCookie)
	sess, err := s.gateSvc.RedeemForSession(c.Request.Context(), req.Token, existing)
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_token"
		switch {
		case errors.Is(err, mint.ErrDoubleSpend):
			status = http.StatusConflict
			code = "double_spend"
		case errors.Is(err, gate.ErrTokenTooSmall):
			status = http.StatusPaymentRequired
			code = "token_too_small"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.SetCookie(gate.SessionCookie, sess.ID, int(time.Until(sess.ExpiresAt).Seconds()), "/", "", false, true)
	c.JSON(http.StatusCreated, gin.H{
		"sessionId":   sess.ID,
		"balanceSats": sess.BalanceSats,
		"expiresAt":   sess.ExpiresAt,
	})
}

// faucetHandler handles POST /v1/faucet (development only)
func (s *Server) faucetHandler(c *gin.Context) {
	var req struct {
		AmountSats int64 `json:"amountSats" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AmountSats <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountSats must be a positive integer",
		})
		return
	}

	token, err := s.mintSvc.Issue(c.Request.Context(), req.AmountSats)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "amountSats": req.AmountSats})
}

func (s *Server) adminFreezeHandler(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "frozen by admin"
	}

	if err := s.walletSvc.Freeze(c.Request.Context(), c.Param("npub"), req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "frozen"})
}

func (s *Server) adminUnfreezeHandler(c *gin.Context) {
	if err := s.walletSvc.Unfreeze(c.Request.Context(), c.Param("npub")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

func (s *Server) adminReconcileHandler(c *gin.Context) {
	result, err := s.reconSvc.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": result})
}

func (s *Server) adminSweepHandler(c *gin.Context) {
	s.sweep.SweepOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "swept"})
}

func (s *Server) adminEventStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.notifyHub.Stats())
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start background workers
	go s.notifyHub.Run(runCtx)
	go s.sweep.Start(runCtx)
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

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.sweep != nil {
		s.sweep.Stop()
		s.logger.Info("sweeper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

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
