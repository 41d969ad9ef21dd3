package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing, so domain code never has to branch on it.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Sandbox pool metrics
	SandboxesActive  prometheus.Gauge
	SandboxCreates   *prometheus.CounterVec
	SandboxDestroys  *prometheus.CounterVec
	SandboxLookups   *prometheus.CounterVec
	SandboxEvictions prometheus.Counter
	CreateDuration   prometheus.Histogram

	// Provider call metrics
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec

	// Cleanup metrics
	CleanupRuns *prometheus.CounterVec

	// Telemetry metrics
	TelemetryPublished   prometheus.Counter
	TelemetryDropped     prometheus.Counter
	TelemetrySessions    prometheus.Gauge
	TelemetrySubscribers prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for the JSON health API
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON health API
type Snapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	ActiveSandboxes   int64   `json:"active_sandboxes"`
	ActiveConnections int64   `json:"active_connections"`
	AvgLatencySeconds float64 `json:"avg_latency_seconds"`
	UptimeSeconds     float64 `json:"uptime_seconds"`

	totalDuration float64
}

// NewMetrics creates the collector and registers it on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),

		// Sandbox pool metrics
		SandboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_sandboxes_active",
				Help: "Number of live sandbox handles",
			},
		),
		SandboxCreates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_sandbox_creates_total",
				Help: "Sandbox provisioning attempts by result",
			},
			[]string{"result"},
		),
		SandboxDestroys: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_sandbox_destroys_total",
				Help: "Sandbox destructions by reason and result",
			},
			[]string{"reason", "result"},
		),
		SandboxLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_sandbox_lookups_total",
				Help: "getOrCreate cache lookups by result",
			},
			[]string{"result"},
		),
		SandboxEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_sandbox_evictions_total",
				Help: "Sandboxes destroyed by the idle sweep",
			},
		),
		CreateDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broker_sandbox_create_duration_seconds",
				Help:    "Time spent provisioning a sandbox",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
		),

		// Provider call metrics
		ProviderCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_provider_calls_total",
				Help: "Total number of provisioning API calls",
			},
			[]string{"provider", "method", "status"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_provider_duration_seconds",
				Help:    "Provisioning API call duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "method"},
		),

		// Cleanup metrics
		CleanupRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_cleanup_runs_total",
				Help: "Cleanup sweeps by trigger",
			},
			[]string{"trigger"},
		),

		// Telemetry metrics
		TelemetryPublished: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_telemetry_published_total",
				Help: "Log entries accepted by the hub",
			},
		),
		TelemetryDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_telemetry_dropped_total",
				Help: "Log entries dropped from slow subscriber queues",
			},
		),
		TelemetrySessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_telemetry_sessions",
				Help: "Sessions with a live replay buffer",
			},
		),
		TelemetrySubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_telemetry_subscribers",
				Help: "Live telemetry subscribers",
			},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "broker_uptime_seconds",
			Help: "Broker uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordProviderCall records a provisioning API call
func (m *Metrics) RecordProviderCall(provider, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, method, status).Inc()
	m.ProviderDuration.WithLabelValues(provider, method).Observe(duration.Seconds())
}

// RecordCreate records a provisioning attempt made by the pool
func (m *Metrics) RecordCreate(ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.SandboxCreates.WithLabelValues(result(ok)).Inc()
	if ok {
		m.CreateDuration.Observe(duration.Seconds())
	}
}

// RecordDestroy records a destruction with its trigger
func (m *Metrics) RecordDestroy(reason string, ok bool) {
	if m == nil {
		return
	}
	m.SandboxDestroys.WithLabelValues(reason, result(ok)).Inc()
}

// RecordLookup records a cache hit or miss
func (m *Metrics) RecordLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.SandboxLookups.WithLabelValues("hit").Inc()
		return
	}
	m.SandboxLookups.WithLabelValues("miss").Inc()
}

// IncEvictions increments the idle eviction counter
func (m *Metrics) IncEvictions() {
	if m == nil {
		return
	}
	m.SandboxEvictions.Inc()
}

// SetSandboxesActive sets the number of live handles
func (m *Metrics) SetSandboxesActive(count int) {
	if m == nil {
		return
	}
	m.SandboxesActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveSandboxes = int64(count)
	m.mu.Unlock()
}

// RecordCleanup records a cleanup run by trigger (explicit, signal, exit)
func (m *Metrics) RecordCleanup(trigger string) {
	if m == nil {
		return
	}
	m.CleanupRuns.WithLabelValues(trigger).Inc()
}

// IncPublished increments the published entry counter
func (m *Metrics) IncPublished() {
	if m == nil {
		return
	}
	m.TelemetryPublished.Inc()
}

// AddDropped adds to the dropped entry counter
func (m *Metrics) AddDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TelemetryDropped.Add(float64(n))
}

// SetTelemetrySessions sets the number of buffered sessions
func (m *Metrics) SetTelemetrySessions(count int) {
	if m == nil {
		return
	}
	m.TelemetrySessions.Set(float64(count))
}

// AddSubscribers adjusts the live subscriber gauge
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.TelemetrySubscribers.Add(float64(delta))
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// Snapshot returns current values for the JSON API
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	if s.TotalRequests > 0 {
		s.AvgLatencySeconds = s.totalDuration / float64(s.TotalRequests)
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
