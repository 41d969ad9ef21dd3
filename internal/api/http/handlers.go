package http

import (
	"net/http"

	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/sandbox"
	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/telemetry"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/monitoring"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/tracing"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Version is reported by the root endpoint; the build overrides it.
var Version = "dev"

// Handlers contains all HTTP handlers
type Handlers struct {
	pool     *sandbox.Pool
	hub      *telemetry.Hub
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	provider string
	breaker  BreakerReporter
}

// NewHandlers creates a new handler set
func NewHandlers(pool *sandbox.Pool, hub *telemetry.Hub, metrics *monitoring.Metrics, provider string, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		pool:     pool,
		hub:      hub,
		metrics:  metrics,
		logger:   logger,
		provider: provider,
	}
}

// log returns the handler logger tagged with the request's trace.
func (h *Handlers) log(c *gin.Context) *zap.Logger {
	return h.logger.With(tracing.Fields(c.Request.Context())...)
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "agentrun-sandbox-broker",
		"version": Version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	pool := h.pool.Stats()
	hub := h.hub.Stats()

	resp := gin.H{
		"status":              "healthy",
		"provider":            h.provider,
		"sandboxes":           pool.Total,
		"provisioning":        pool.Provisioning,
		"active_log_sessions": hub.Sessions,
		"ws_subscribers":      hub.Subscribers,
	}
	if h.breaker != nil {
		resp["provider_breaker"] = h.breaker.BreakerState().String()
	}
	c.JSON(http.StatusOK, resp)
}
