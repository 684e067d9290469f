package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. Each Metrics instance owns its
// registry, so independent servers (and tests) never collide on metric
// registration. It implements the membrane's recorder interface.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Sandbox metrics
	SandboxesActive prometheus.Gauge
	SandboxesTotal  prometheus.Counter
	Executions      *prometheus.CounterVec
	ExecutionTime   prometheus.Histogram

	// Membrane metrics
	ProxiesCreated *prometheus.CounterVec
	Denials        prometheus.Counter
	Terminations   prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for the JSON status endpoint
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON status endpoint.
type Snapshot struct {
	TotalRequests   int64
	TotalErrors     int64
	ActiveSandboxes int64
	TotalDenials    int64
	Terminations    int64
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enclave_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		SandboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_sandboxes_active",
				Help: "Number of live sandboxes",
			},
		),
		SandboxesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "enclave_sandboxes_total",
				Help: "Total number of sandboxes created",
			},
		),
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_executions_total",
				Help: "Total number of execution turns",
			},
			[]string{"status"},
		),
		ExecutionTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "enclave_execution_duration_seconds",
				Help:    "Execution turn duration in seconds",
				Buckets: []float64{.0001, .001, .01, .05, .1, .5, 1, 5, 10},
			},
		),

		ProxiesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_proxies_created_total",
				Help: "Total number of membrane proxies created",
			},
			[]string{"retention"},
		),
		Denials: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "enclave_access_denials_total",
				Help: "Total number of membrane policy denials",
			},
		),
		Terminations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "enclave_membrane_terminations_total",
				Help: "Total number of membrane terminations",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_ws_connections",
				Help: "Number of active WebSocket console streams",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	go m.updateUptime()
	return m
}

// Registry exposes the backing registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordExecution records one execution turn.
func (m *Metrics) RecordExecution(status string, duration time.Duration) {
	m.Executions.WithLabelValues(status).Inc()
	m.ExecutionTime.Observe(duration.Seconds())
}

// SetSandboxesActive sets the live sandbox gauge.
func (m *Metrics) SetSandboxesActive(count int) {
	m.SandboxesActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveSandboxes = int64(count)
	m.mu.Unlock()
}

// IncSandboxesTotal counts a sandbox creation.
func (m *Metrics) IncSandboxesTotal() {
	m.SandboxesTotal.Inc()
}

// IncWSConnections counts a WebSocket console stream opening.
func (m *Metrics) IncWSConnections() { m.WSConnections.Inc() }

// DecWSConnections counts a WebSocket console stream closing.
func (m *Metrics) DecWSConnections() { m.WSConnections.Dec() }

// ProxyCreated implements the membrane recorder.
func (m *Metrics) ProxyCreated(retention string) {
	m.ProxiesCreated.WithLabelValues(retention).Inc()
}

// AccessDenied implements the membrane recorder.
func (m *Metrics) AccessDenied(member string) {
	m.Denials.Inc()
	m.mu.Lock()
	m.snapshot.TotalDenials++
	m.mu.Unlock()
}

// MembraneTerminated implements the membrane recorder.
func (m *Metrics) MembraneTerminated() {
	m.Terminations.Inc()
	m.mu.Lock()
	m.snapshot.Terminations++
	m.mu.Unlock()
}

// GetSnapshot returns current values for the JSON status endpoint.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
