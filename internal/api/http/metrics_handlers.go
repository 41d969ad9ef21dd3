package http

import (
	"net/http"
	"time"

	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/sandbox"
	"github.com/devsapp/agentrun-sandbox-broker/internal/domain/telemetry"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/monitoring"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/resilience"
	"github.com/gin-gonic/gin"
)

// BreakerReporter is implemented by providers that guard their remote calls
// with a circuit breaker.
type BreakerReporter interface {
	BreakerState() resilience.State
}

// MetricsSnapshot aggregates every component into one JSON document
type MetricsSnapshot struct {
	Timestamp int64               `json:"timestamp"`
	Service   monitoring.Snapshot `json:"service"`
	Pool      sandbox.Stats       `json:"pool"`
	Telemetry telemetry.Stats     `json:"telemetry"`
	Provider  ProviderMetrics     `json:"provider"`
	Summary   MetricsSummary      `json:"summary"`
}

// ProviderMetrics describes the sandbox backend
type ProviderMetrics struct {
	Name    string `json:"name"`
	Breaker string `json:"breaker,omitempty"`
}

// MetricsSummary holds derived ratios
type MetricsSummary struct {
	Healthy      bool    `json:"healthy"`
	HitRate      float64 `json:"hit_rate"`
	CreateErrors float64 `json:"create_error_rate"`
	DropRate     float64 `json:"drop_rate"`
	ErrorRate    float64 `json:"error_rate"`
}

// SetBreaker attaches the provider breaker to health and metrics output
func (h *Handlers) SetBreaker(b BreakerReporter) {
	h.breaker = b
}

// Snapshot builds the aggregated metrics document
func (h *Handlers) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Timestamp: time.Now().Unix(),
		Service:   h.metrics.Snapshot(),
		Pool:      h.pool.Stats(),
		Telemetry: h.hub.Stats(),
		Provider:  ProviderMetrics{Name: h.provider},
	}
	if h.breaker != nil {
		snap.Provider.Breaker = h.breaker.BreakerState().String()
	}
	snap.Summary = calculateSummary(snap)
	return snap
}

func calculateSummary(s MetricsSnapshot) MetricsSummary {
	return MetricsSummary{
		Healthy:      s.Provider.Breaker != resilience.StateOpen.String(),
		HitRate:      ratio(s.Pool.Hits, s.Pool.Hits+s.Pool.Misses),
		CreateErrors: ratio(s.Pool.CreateErrors, s.Pool.Creates+s.Pool.CreateErrors),
		DropRate:     ratio(int64(s.Telemetry.Dropped), int64(s.Telemetry.Published)),
		ErrorRate:    ratio(s.Service.TotalErrors, s.Service.TotalRequests),
	}
}

func ratio(n, d int64) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// GetMetrics serves the aggregated snapshot
func (h *Handlers) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.Snapshot())
}
