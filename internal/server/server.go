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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/qff/internal/alerts"
	"github.com/mbd888/qff/internal/circuitbreaker"
	"github.com/mbd888/qff/internal/config"
	"github.com/mbd888/qff/internal/firewall"
	"github.com/mbd888/qff/internal/health"
	"github.com/mbd888/qff/internal/idgen"
	"github.com/mbd888/qff/internal/ledger"
	"github.com/mbd888/qff/internal/logging"
	"github.com/mbd888/qff/internal/metrics"
	"github.com/mbd888/qff/internal/quantum"
	"github.com/mbd888/qff/internal/rails"
	"github.com/mbd888/qff/internal/ratelimit"
	"github.com/mbd888/qff/internal/realtime"
	"github.com/mbd888/qff/internal/risk"
	"github.com/mbd888/qff/internal/security"
	"github.com/mbd888/qff/internal/stream"
	"github.com/mbd888/qff/internal/validation"
	"github.com/mbd888/qff/internal/watcher"
)

// Version is reported by /health and the root info endpoint.
var Version = "dev"

// ledgerHealthTail is how many trailing entries the health probe re-verifies.
const ledgerHealthTail = 10

const (
	railFailureThreshold = 5
	railCoolDown         = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB              // nil unless DATABASE_URL is set
	sqlite       *ledger.SQLiteStore  // nil unless the embedded ledger is used
	redis        *redis.Client        // nil unless REDIS_URL is set
	executor     rails.Executor
	railGuard    *rails.GuardedExecutor
	backend      quantum.Backend
	ledger       *ledger.Ledger
	riskEngine   *risk.Engine
	riskStore    risk.Store
	keys         *quantum.KeyStore
	sessions     *quantum.Manager
	sweeper      *quantum.Sweeper
	watcher      *watcher.Watcher // nil when LEDGER_WATCH_INTERVAL is 0
	alerts       *alerts.Service
	firewall     *firewall.Service
	realtimeHub  *realtime.Hub
	consumer     *stream.Consumer
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithExecutor replaces the settlement rail executor (for testing)
func WithExecutor(e rails.Executor) Option {
	return func(s *Server) {
		s.executor = e
	}
}

// WithBackend replaces the PQC backend chosen from config (for testing)
func WithBackend(b quantum.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
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

	ledgerStore, err := s.initStorage(ctx)
	if err != nil {
		s.closeStores()
		return nil, err
	}

	if err := s.initQuantum(ctx); err != nil {
		s.closeStores()
		return nil, err
	}
	metrics.SetBuildInfo(Version, s.backend.Name())

	rules, err := risk.LoadRules(cfg.RulesFile)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("load risk rules: %w", err)
	}
	s.riskEngine = risk.NewEngine(s.riskStore, logging.Component(s.logger, "risk")).WithRules(rules)
	if cfg.DemoSeed != nil {
		s.riskEngine.WithSeed(*cfg.DemoSeed)
		s.logger.Warn("velocity draw is seeded; scores are deterministic", "seed", *cfg.DemoSeed)
	}

	s.ledger = ledger.New(ledgerStore, logging.Component(s.logger, "ledger"))

	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"))
	if err := s.initAlerts(ctx); err != nil {
		s.closeStores()
		return nil, err
	}

	if s.executor == nil {
		s.executor = rails.NewSimulatedExecutor(logging.Component(s.logger, "rails"))
	}
	s.railGuard = rails.NewGuardedExecutor(s.executor, s.newRailBreaker())

	s.firewall = firewall.NewService(s.riskEngine, s.sessions, s.ledger, s.railGuard, logging.Component(s.logger, "firewall")).
		WithHistory(s.ledger, cfg.HistoryWindow).
		WithNotifier(s.alerts).
		WithSigner(s.keys).
		WithPublisher(s.realtimeHub).
		WithInterceptProbability(cfg.InterceptProbability)

	if cfg.KafkaEnabled() {
		s.consumer, err = stream.NewConsumer(stream.Config{
			Brokers:      cfg.KafkaBrokers,
			IngestTopic:  cfg.KafkaIngestTopic,
			OutcomeTopic: cfg.KafkaOutcomeTopic,
			GroupID:      cfg.KafkaGroupID,
		}, s.firewall, logging.Component(s.logger, "stream"))
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("init stream consumer: %w", err)
		}
		s.logger.Info("kafka ingestion enabled",
			"brokers", cfg.KafkaBrokers,
			"ingest_topic", cfg.KafkaIngestTopic,
			"outcome_topic", cfg.KafkaOutcomeTopic,
		)
	}

	if cfg.LedgerWatchInterval > 0 {
		wc := watcher.DefaultConfig()
		wc.PollInterval = cfg.LedgerWatchInterval
		s.watcher = watcher.New(s.ledger, s.alerts, wc, logging.Component(s.logger, "watcher"))
	}

	s.health.Register("ledger", health.LedgerChecker("ledger", s.ledger, ledgerHealthTail))
	s.health.Register("pqc", health.Func("pqc", s.sessions.SelfTest))

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// initStorage picks Postgres when DATABASE_URL is set, the embedded SQLite
// ledger when a path is configured, and memory otherwise.
func (s *Server) initStorage(ctx context.Context) (ledger.Store, error) {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := metrics.RegisterDBStats(db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		riskStore := risk.NewPostgresStore(db)
		if err := riskStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate risk assessments: %w", err)
		}
		s.riskStore = riskStore
		s.health.Register("database", health.DBChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		return ledgerStore, nil

	case s.cfg.LedgerSQLitePath != "":
		store, err := ledger.OpenSQLite(s.cfg.LedgerSQLitePath)
		if err != nil {
			return nil, err
		}
		s.sqlite = store
		s.riskStore = risk.NewMemoryStore()
		s.health.Register("database", health.PingChecker("database", store))
		s.logger.Info("using embedded SQLite ledger", "path", s.cfg.LedgerSQLitePath)
		return store, nil

	default:
		s.riskStore = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage (ledger is lost on restart)")
		return ledger.NewMemoryStore(), nil
	}
}

func (s *Server) initQuantum(ctx context.Context) error {
	if s.backend == nil {
		b, err := quantum.SelectBackend(s.cfg.PQCBackend, s.logger)
		if err != nil {
			return err
		}
		s.backend = b
	}

	keys, err := quantum.NewKeyStore(s.backend, logging.Component(s.logger, "keystore"))
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	if err := keys.ProvisionDefaults(); err != nil {
		return fmt.Errorf("provision default keys: %w", err)
	}
	s.keys = keys

	var sessionStore quantum.SessionStore = quantum.NewMemoryStore()
	if s.cfg.RedisURL != "" {
		client, err := quantum.NewRedisClient(s.cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
		sealKey, err := quantum.ParseSealKey(s.cfg.SessionSealKey)
		if err != nil {
			return err
		}
		sealer, err := quantum.NewSharedSealer(sealKey)
		if err != nil {
			return err
		}
		redisStore := quantum.NewRedisStore(client).WithSealer(sealer)
		if err := redisStore.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.health.Register("redis", health.PingChecker("redis", redisStore))
		sessionStore = redisStore
		s.logger.Info("using Redis session store", "url", maskDSN(s.cfg.RedisURL))
	}

	s.sessions = quantum.NewManager(s.backend, sessionStore, logging.Component(s.logger, "quantum")).
		WithTTL(s.cfg.SessionTTL)
	s.sweeper = quantum.NewSweeper(s.sessions, s.cfg.SweepInterval, logging.Component(s.logger, "sweeper"))
	s.logger.Info("quantum layer ready",
		"backend", s.backend.Name(),
		"kem", s.backend.KEMAlgorithm(),
		"signature", s.backend.SignatureAlgorithm(),
	)
	return nil
}

// newRailBreaker trips a rail after five consecutive failures and raises
// an alert whenever a rail circuit opens or recovers.
func (s *Server) newRailBreaker() *circuitbreaker.Breaker {
	b := circuitbreaker.New(railFailureThreshold, railCoolDown)
	b.OnTransition(func(rail string, from, to circuitbreaker.State) {
		meta := map[string]any{"rail": rail, "from": from.String(), "to": to.String()}
		switch to {
		case circuitbreaker.StateOpen:
			s.alerts.Notify(context.Background(), alerts.LevelWarning, "Rail circuit open",
				fmt.Sprintf("%s is failing; orders fail fast for %s", rail, railCoolDown), meta)
		case circuitbreaker.StateClosed:
			s.alerts.Notify(context.Background(), alerts.LevelInfo, "Rail recovered",
				fmt.Sprintf("%s accepted a probe order", rail), meta)
		}
	})
	return b
}

func (s *Server) initAlerts(ctx context.Context) error {
	s.alerts = alerts.NewService(logging.Component(s.logger, "alerts")).
		WithNotifier(alerts.NewHubNotifier(s.realtimeHub))

	if s.cfg.AlertWebhookURL == "" {
		return nil
	}
	if s.cfg.IsProduction() {
		if err := security.ValidateEndpointURL(ctx, s.cfg.AlertWebhookURL); err != nil {
			return fmt.Errorf("alert webhook: %w", err)
		}
	}
	webhook, err := alerts.NewWebhookNotifier(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret)
	if err != nil {
		return err
	}
	s.alerts.WithNotifier(webhook)
	s.logger.Info("alert webhook enabled", "signed", s.cfg.AlertWebhookSecret != "")
	return nil
}

// maskDSN replaces the password in a connection URL so it is safe to log.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
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

	if s.cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.ForRPM(s.cfg.RateLimitRPM))
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.WithPrefix(idgen.PrefixRequest)
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

	s.router.GET("/", s.infoHandler)

	// WebSocket for the live outcome and alert feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	admin := v1.Group("", security.RequireAdmin(s.cfg.AdminSecret))

	riskHandler := risk.NewHandler(s.riskEngine, s.riskStore, s.ledger, s.cfg.HistoryWindow, logging.Component(s.logger, "risk"))
	riskHandler.RegisterRoutes(v1)

	rails.NewHandler().WithAvailability(s.railGuard).RegisterRoutes(v1)

	quantumHandler := quantum.NewHandler(s.sessions, s.keys, s.cfg.InterceptProbability, logging.Component(s.logger, "quantum"))
	quantumHandler.RegisterRoutes(v1)
	quantumHandler.RegisterAdminRoutes(admin)

	firewallHandler := firewall.NewHandler(s.firewall, s.alerts, s.keys, logging.Component(s.logger, "firewall"))
	if s.watcher != nil {
		firewallHandler.WithIntegrity(s.watcher)
	}
	firewallHandler.RegisterRoutes(v1)
	firewallHandler.RegisterAdminRoutes(admin)

	ledgerHandler := ledger.NewHandler(s.ledger, logging.Component(s.logger, "ledger"))
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
		"name":      "Quantum Financial Firewall",
		"version":   Version,
		"pqc":       s.backend.Name(),
		"kem":       s.backend.KEMAlgorithm(),
		"signature": s.backend.SignatureAlgorithm(),
		"streaming": s.consumer != nil,
		"endpoints": gin.H{
			"analyze":  "POST /v1/analyze",
			"execute":  "POST /v1/execute",
			"sessions": "POST /v1/quantum/sessions",
			"ledger":   "GET /v1/ledger/entries",
			"feed":     "GET /ws",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancelled by Shutdown so background goroutines stop with the server.
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

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	if s.watcher != nil {
		go s.watcher.Start(runCtx)
	}

	if s.consumer != nil {
		go func() {
			if err := s.consumer.Run(runCtx); err != nil {
				s.logger.Error("stream consumer stopped", "error", err)
			}
		}()
	}

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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.logger.Error("stream consumer close error", "error", err)
		}
	}

	// Let in-flight alert deliveries and model refits finish.
	s.alerts.Wait()
	s.riskEngine.Detector().Wait()

	s.closeStores()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			s.logger.Error("ledger database close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Firewall returns the transaction pipeline.
func (s *Server) Firewall() *firewall.Service {
	return s.firewall
}
