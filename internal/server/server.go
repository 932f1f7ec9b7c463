// Package server wires the admission engine, its stores and the HTTP surface
// into a runnable service.
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
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sentinel/internal/alerts"
	"github.com/mbd888/sentinel/internal/bans"
	"github.com/mbd888/sentinel/internal/blocklog"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/engine"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/httpguard"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/policy"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/stats"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
	"github.com/mbd888/sentinel/migrations"
)

// poolStatsInterval is how often connection pool gauges are sampled.
const poolStatsInterval = 15 * time.Second

// Server is the sentinel HTTP service
type Server struct {
	cfg     *config.Config
	engine  *engine.Engine
	sweeper *engine.Sweeper
	health  *health.Registry
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	version string

	db  *sql.DB
	rdb *redis.Client

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc
	ready           atomic.Bool

	// drainDelay gives load balancers time to stop routing before the
	// listener closes.
	drainDelay time.Duration
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by tracing and /v1/policies.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay overrides the pause between marking the server unready and
// closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: s.version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	engineOpts := []engine.Option{
		engine.WithLogger(s.logger),
		engine.WithRiskConfig(cfg.RiskConfig()),
		engine.WithEscalation(cfg.EscalationPolicy()),
		engine.WithAlertThresholds(cfg.AlertWarnThreshold, cfg.AlertDangerThreshold),
		engine.WithStoreTimeout(cfg.StoreTimeout),
		engine.WithAnalysisWorkers(cfg.AnalysisWorkers),
		engine.WithSuspiciousDetection(cfg.SuspiciousDetection),
		engine.WithBurstThreshold(cfg.BurstThreshold),
	}

	// Durable stores (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.health.Register("postgres", health.Ping("postgres", db.PingContext))
		engineOpts = append(engineOpts,
			engine.WithStatsStore(stats.NewPostgresStore(db)),
			engine.WithAlertSink(alerts.NewPostgresStore(db)),
			engine.WithBanStore(bans.NewPostgresStore(db)),
			engine.WithBlockLog(blocklog.NewPostgresStore(db)),
		)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Redis takes over identity statistics when configured
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.rdb = rdb
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		engineOpts = append(engineOpts, engine.WithStatsStore(stats.NewRedisStore(rdb)))
		s.logger.Info("using Redis for identity statistics", "addr", opts.Addr)
	}

	eng, err := engine.New(cfg.Policies, engineOpts...)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = eng

	s.sweeper = engine.NewSweeper(eng, cfg.SweepInterval, cfg.IdleTTL, cfg.Retention(), s.logger)
	s.health.Register("sweeper", health.Running("sweeper", s.sweeper.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("admission engine configured",
		"operations", cfg.Policies.Operations(),
		"auto_block", cfg.AutoBlockEnabled,
		"suspicious_detection", cfg.SuspiciousDetection,
	)
	return s, nil
}

// openPostgres opens the pool and applies pending migrations.
func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return db, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("/policies", s.policiesHandler)
	v1.POST("/check", s.checkHandler)
	v1.POST("/success", s.successHandler)

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, operator routes disabled")
		return
	}
	admin := s.router.Group("/admin")
	// Operator calls spend the general budget of the caller's address.
	if _, ok := s.cfg.Policies.Lookup(policy.OpGeneral); ok {
		admin.Use(httpguard.Middleware(s.engine, policy.OpGeneral, httpguard.ClientIP))
	}
	admin.Use(httpguard.RequireAdmin(s.cfg.AdminSecret))
	admin.Use(validation.ParamMiddleware("identity", engine.ValidateIdentity))
	httpguard.NewHandler(s.engine).
		WithRetention(s.cfg.Retention()).
		WithLogger(s.logger).
		RegisterRoutes(admin)
}

func (s *Server) livenessHandler(c *gin.Context) {
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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	go s.sweeper.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, poolStatsInterval)
	}
	if s.rdb != nil {
		go metrics.StartRedisStatsCollector(runCtx, s.rdb, poolStatsInterval)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.closeStores()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()

	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if err := s.engine.Close(ctx); err != nil {
		s.logger.Warn("background analysis still running at shutdown", "error", err)
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}
	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.rdb = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the admission engine.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}
