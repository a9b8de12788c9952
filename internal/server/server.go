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
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/perchplatform/perch/internal/api"
	"github.com/perchplatform/perch/internal/billing"
	"github.com/perchplatform/perch/internal/config"
	"github.com/perchplatform/perch/internal/fleet"
	"github.com/perchplatform/perch/internal/health"
	"github.com/perchplatform/perch/internal/lifecycle"
	"github.com/perchplatform/perch/internal/logging"
	"github.com/perchplatform/perch/internal/metrics"
	"github.com/perchplatform/perch/internal/notify"
	"github.com/perchplatform/perch/internal/provision"
	"github.com/perchplatform/perch/internal/ratelimit"
	"github.com/perchplatform/perch/internal/realtime"
	"github.com/perchplatform/perch/internal/routing"
	"github.com/perchplatform/perch/internal/security"
	"github.com/perchplatform/perch/internal/supervisor"
	"github.com/perchplatform/perch/internal/tenant"
	"github.com/perchplatform/perch/internal/traces"
	"github.com/perchplatform/perch/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the control-plane wiring behind it:
// stores, external-system adapters, background timers, and the routes.
type Server struct {
	cfg     *config.Config
	db      *sql.DB
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	tenants  tenant.Store
	servers  fleet.Store
	dbadmin  fleet.DBAdmin
	proc     supervisor.Client
	routes   routing.Client
	notifier *notify.Notifier

	manager    *lifecycle.Manager
	runner     *provision.Runner
	billingSvc *billing.Service // nil without a payment gateway
	billingWeb *billing.Handler // nil without a payment gateway

	hub         *realtime.Hub
	trialTimer  *lifecycle.Timer
	stuckTimer  *provision.Timer
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

	startedAt time.Time
	ready     atomic.Bool
	healthy   atomic.Bool
}

// Option customizes the server during construction.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSupervisor overrides the process supervisor client. Used in tests.
func WithSupervisor(client supervisor.Client) Option {
	return func(s *Server) { s.proc = client }
}

// WithRouting overrides the routing provider client. Used in tests.
func WithRouting(client routing.Client) Option {
	return func(s *Server) { s.routes = client }
}

// WithDBAdmin overrides the tenant database administrator. Used in tests.
func WithDBAdmin(admin fleet.DBAdmin) Option {
	return func(s *Server) { s.dbadmin = admin }
}

// New creates a fully wired server from the given configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	tracesShutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("server: init tracing: %w", err)
	}
	s.tracesShutdown = tracesShutdown

	if err := s.setupStorage(); err != nil {
		return nil, err
	}
	s.setupAdapters()

	selector := fleet.NewSelector(s.servers, s.tenants)
	s.hub = realtime.NewHub(s.logger)
	s.manager = lifecycle.NewManager(s.tenants, s.servers, s.proc, s.hub, s.logger)
	s.runner = provision.NewRunner(
		s.tenants, s.servers, selector, s.dbadmin, s.proc, s.routes,
		s.notifier, s.hub, cfg.BaseDomain, s.logger,
	)

	if cfg.BillingEnabled() {
		gateway := billing.NewStripeGateway(cfg.StripeSecretKey)
		var store billing.Store
		if s.db != nil {
			store = billing.NewPostgresStore(s.db)
		} else {
			store = billing.NewMemoryStore()
		}
		s.billingSvc = billing.NewService(store, s.tenants, s.manager, gateway, s.logger)
		reconciler := billing.NewReconciler(store, s.tenants, s.manager, s.notifier, s.logger)
		s.billingWeb = billing.NewHandler(reconciler, cfg.StripeWebhookSecret, s.logger)
		s.logger.Info("billing gateway enabled")
	} else {
		s.logger.Info("billing gateway disabled (no STRIPE_SECRET_KEY set)")
	}

	s.trialTimer = lifecycle.NewTimer(s.manager, s.tenants, s.notifier, s.logger)
	s.stuckTimer = provision.NewTimer(s.runner, s.tenants, s.logger)
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPS * 60,
		BurstSize:         cfg.RateLimitRPS,
		CleanupInterval:   5 * time.Minute,
	})

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(selector)

	s.healthy.Store(true)
	return s, nil
}

// setupStorage picks the store implementations. With DATABASE_URL set the
// control plane persists to PostgreSQL; without it everything is in-memory
// and lost on restart, which is fine for development.
func (s *Server) setupStorage() error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (no DATABASE_URL set)")
		s.tenants = tenant.NewMemoryStore()
		s.servers = fleet.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("server: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("server: ping database: %w", err)
	}

	s.db = db
	s.tenants = tenant.NewPostgresStore(db)
	s.servers = fleet.NewPostgresStore(db)
	s.logger.Info("using postgres storage", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupAdapters fills in the default external-system clients for any that an
// Option did not already inject.
func (s *Server) setupAdapters() {
	if s.proc == nil {
		s.proc = supervisor.NewHTTPClient(s.cfg.SupervisorToken, s.logger)
	}
	if s.routes == nil {
		if s.cfg.DNSAPIURL != "" {
			s.routes = routing.NewHTTPClient(routing.Config{
				APIURL:       s.cfg.DNSAPIURL,
				APIToken:     s.cfg.DNSAPIToken,
				BaseDomain:   s.cfg.BaseDomain,
				Distribution: s.cfg.AppDistribution,
			}, s.logger)
		} else {
			s.logger.Info("routing provider disabled (no DNS_API_URL set)")
			s.routes = nopRouter{}
		}
	}
	if s.dbadmin == nil {
		s.dbadmin = fleet.NewPGAdmin()
	}
	if s.notifier == nil {
		var sender notify.Sender = notify.NopSender{}
		if s.cfg.MailEnabled() {
			sender = notify.NewSMTPSender(notify.SMTPConfig{
				Host:     s.cfg.SMTPHost,
				Port:     s.cfg.SMTPPort,
				Username: s.cfg.SMTPUsername,
				Password: s.cfg.SMTPPassword,
				From:     s.cfg.SMTPFrom,
			})
		} else {
			s.logger.Info("mail disabled (no SMTP_HOST set)")
		}
		s.notifier = notify.New(sender, s.logger)
	}
}

// -----------------------------------------------------------------------------
// Middleware and routes
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"panic", fmt.Sprint(recovered),
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An internal error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes(selector *fleet.Selector) {
	s.router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		state := "healthy"
		if !s.healthy.Load() {
			status = http.StatusServiceUnavailable
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status": state,
			"env":    s.cfg.Env,
			"uptime": time.Since(s.startedAt).String(),
		})
	})

	live := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	}
	s.router.GET("/health/live", live)
	s.router.GET("/healthz", live)

	ready := func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		ok, statuses := s.checks.CheckAll(c.Request.Context())
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": statuses})
	}
	s.router.GET("/health/ready", ready)
	s.router.GET("/readyz", ready)

	s.router.GET("/metrics", metrics.Handler())

	tenantHandler := api.NewHandler(
		s.tenants, s.servers, selector, s.dbadmin, s.routes,
		s.manager, s.runner, s.billingSvc, s.cfg.TrialDays, s.logger,
	)

	v1 := s.router.Group("/v1")
	tenantHandler.RegisterRoutes(v1)
	if s.billingWeb != nil {
		s.billingWeb.RegisterRoutes(v1)
	}
	v1.GET("/events/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	admin := v1.Group("/admin", s.requireAdmin())
	fleet.NewHandler(s.servers).RegisterAdminRoutes(admin)
	tenantHandler.RegisterAdminRoutes(admin)
}

// requireAdmin guards operator endpoints with the shared admin secret. An
// empty secret leaves the endpoints open, which Validate only permits outside
// production.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the background loops, and blocks until the
// context is cancelled or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
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
		s.logger.Info("server listening",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"baseDomain", s.cfg.BaseDomain,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.trialTimer.Start(runCtx)
	go s.stuckTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	go metrics.StartPlatformStatsCollector(runCtx, s.servers, s.tenants, 30*time.Second)

	// Give the listener a beat before reporting ready.
	time.Sleep(100 * time.Millisecond)
	s.ready.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.healthy.Store(false)
		return fmt.Errorf("server: listen: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests and stops the background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Let load balancers observe not-ready before the listener closes.
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("server: http shutdown: %w", err)
		}
	}

	s.trialTimer.Stop()
	s.stuckTimer.Stop()
	s.rateLimiter.Stop()

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("server: close database: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Request middleware helpers
// -----------------------------------------------------------------------------

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("requestId", requestID))
		c.Request = c.Request.WithContext(ctx)
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

		logger := logging.FromContext(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latencyMs", latency.Milliseconds(),
			"clientIp", c.ClientIP(),
		}
		switch {
		case status >= 500:
			logger.Error("request failed", attrs...)
		case status >= 400:
			logger.Warn("request error", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable dsn)"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}

// nopRouter satisfies routing.Client when no routing provider is configured.
// Attach reports no entries, so custom domains never go live in this mode.
type nopRouter struct{}

func (nopRouter) Attach(context.Context, routing.AttachRequest) (*routing.AttachResult, error) {
	return &routing.AttachResult{}, nil
}

func (nopRouter) Detach(context.Context, string, string) error { return nil }
