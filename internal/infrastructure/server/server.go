package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	apihttp "github.com/devsapp/agentrun-sandbox-broker/internal/api/http"
	"github.com/devsapp/agentrun-sandbox-broker/internal/api/middleware"
	"github.com/devsapp/agentrun-sandbox-broker/internal/api/ws"
	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/cleanup"
	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/sandbox"
	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/telemetry"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/config"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/logging"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/monitoring"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/tracing"
	sandboxprov "github.com/devsapp/agentrun-sandbox-broker/internal/providers/sandbox"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	pool     *sandbox.Pool
	coord    *cleanup.Coordinator
	hub      *telemetry.Hub
	provider sandboxprov.Provider
	tracer   *tracing.Tracer
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics

	closeOnce sync.Once
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger := logging.NewFromSettings(cfg.Logging.Level, cfg.Logging.Development)
	return newServer(cfg, logger, nil)
}

// newServer builds the server. A nil provider is chosen from cfg.
func newServer(cfg *config.Config, logger *logging.Logger, provider sandboxprov.Provider) (*Server, error) {
	logger.Info("Initializing sandbox broker",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("provider", cfg.Provider.Kind),
		zap.Duration("idle_timeout", cfg.Sandbox.IdleTimeout.Std()),
	)

	// Initialize metrics first (needed by other components)
	registry := monitoring.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	tracer := tracing.New("sandbox-broker", logger.Component("tracing"))

	if provider == nil {
		var err error
		provider, err = newProvider(cfg.Provider, metrics, logger.Component("provider"))
		if err != nil {
			return nil, err
		}
	}
	logger.Info("Sandbox provider ready", zap.String("provider", provider.Name()))

	pool := sandbox.NewPool(provider, sandbox.PoolConfig{
		DefaultTemplate: cfg.Sandbox.Template,
		IdleTimeout:     cfg.Sandbox.IdleTimeout.Std(),
		SweepInterval:   cfg.Sandbox.EffectiveSweepInterval(),
		CreateTimeout:   cfg.Sandbox.CreateTimeout.Std(),
		DestroyTimeout:  cfg.Sandbox.DestroyTimeout.Std(),
		VerifyLiveness:  cfg.Sandbox.VerifyLiveness,
	},
		sandbox.WithLogger(logger.Component("pool")),
		sandbox.WithMetrics(metrics),
	)

	coord := cleanup.NewCoordinator(pool,
		cleanup.WithLogger(logger.Component("cleanup")),
		cleanup.WithMetrics(metrics),
		cleanup.WithGracePeriod(cfg.Cleanup.GracePeriod.Std()),
	)
	pool.SetTracker(coord)

	// Telemetry streams are keyed by sandbox id and die with the sandbox.
	hub := telemetry.NewHub(cfg.Telemetry.BufferSize, cfg.Telemetry.QueueSize,
		telemetry.WithLogger(logger.Component("telemetry")),
		telemetry.WithMetrics(metrics),
	)
	pool.OnDestroyed(func(h sandbox.Handle) { hub.Drop(h.ID) })

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.CORSFromOrigins(cfg.Server.CORSOrigins)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}
	if g := cfg.RateLimit.GlobalRequestsPerSecond; g > 0 {
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = g
		rl.Burst = cfg.RateLimit.GlobalBurst
		if rl.Burst <= 0 {
			rl.Burst = g
		}
		logger.Info("Global rate limit enabled", zap.Int("rps", rl.RequestsPerSecond), zap.Int("burst", rl.Burst))
		router.Use(middleware.GlobalRateLimit(rl))
	}

	handlers := apihttp.NewHandlers(pool, hub, metrics, provider.Name(), logger.Component("api"))
	if b, ok := provider.(apihttp.BreakerReporter); ok {
		handlers.SetBreaker(b)
	}
	wsHandler := ws.NewHandler(hub, metrics, logger.Component("ws"))

	// Register routes
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Sandbox management
	router.POST("/api/sandboxes", handlers.CreateSandbox)
	router.GET("/api/sandboxes", handlers.ListSandboxes)
	router.GET("/api/sandboxes/:id", handlers.GetSandbox)
	router.DELETE("/api/sandboxes/:id", handlers.DestroySandbox)
	router.GET("/api/sandboxes/:id/cdp", handlers.GetCDPURL)
	router.GET("/api/sandboxes/:id/vnc", handlers.GetVNCURL)
	router.GET("/api/sessions/:user_id/:session_id/:thread_id/sandbox", handlers.GetSessionSandbox)

	// Telemetry
	router.POST("/api/log/:session_id", handlers.PublishLog)
	router.GET("/api/log/:session_id", handlers.GetLogs)
	router.GET("/api/log", handlers.ListLogSessions)
	router.GET("/ws/log/:session_id", wsHandler.HandleConnection)

	// Metrics endpoints
	router.GET("/metrics", monitoring.Handler(registry))
	router.GET("/metrics/json", handlers.GetMetrics)

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		pool:     pool,
		coord:    coord,
		hub:      hub,
		provider: provider,
		tracer:   tracer,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

func newProvider(cfg config.ProviderConfig, metrics *monitoring.Metrics, logger *zap.Logger) (sandboxprov.Provider, error) {
	switch cfg.Kind {
	case config.ProviderLocal:
		return sandboxprov.NewLocal(cfg.LocalBaseURL, logger), nil
	case config.ProviderAgentRun:
		return sandboxprov.NewAgentRun(sandboxprov.AgentRunConfig{
			Endpoint:        cfg.Endpoint,
			AccountID:       cfg.AccountID,
			AccessKeyID:     cfg.AccessKeyID,
			AccessKeySecret: cfg.AccessKeySecret,
			Region:          cfg.Region,
			RequestsPerSec:  cfg.RequestsPerSec,
		}, metrics, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Kind)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Coordinator returns the cleanup coordinator so callers can wire signal
// handling and exit guards around Run.
func (s *Server) Coordinator() *cleanup.Coordinator { return s.coord }

// Logger returns the server logger.
func (s *Server) Logger() *logging.Logger { return s.logger }

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.config.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then drains connections and
// destroys every sandbox still live.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if limit := s.config.Server.MaxConnections; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.pool.Run(sweepCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	stopSweep()
	<-sweepDone

	s.Close()

	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return serveErr
}

// Close destroys every live sandbox and releases server resources. It is
// safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), s.coord.GracePeriod())
		n := s.coord.RunAll(ctx)
		cancel()
		s.logger.Info("Released sandboxes", zap.Int("destroyed", n))

		s.hub.Close()
		s.tracer.Close()
		_ = s.logger.Sync()
	})
}
