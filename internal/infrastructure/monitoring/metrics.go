package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the extension host.
// All record methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics (admin API)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Lifecycle metrics
	Loads             *prometheus.CounterVec
	Activations       *prometheus.CounterVec
	Deactivations     *prometheus.CounterVec
	Kills             *prometheus.CounterVec
	ExtensionsByState *prometheus.GaugeVec
	SandboxesLive     prometheus.Gauge

	// Watchdog metrics
	Violations *prometheus.CounterVec

	// IPC metrics
	APICalls       *prometheus.CounterVec
	APICallLatency *prometheus.HistogramVec
	PendingCalls   prometheus.Gauge
	IPCMessages    *prometheus.CounterVec
	ProtocolErrors prometheus.Counter

	// Process metrics
	HostRSS   prometheus.Gauge
	HostCPU   prometheus.Gauge
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector on its own registry so several
// hosts (or tests) can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exthost_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		Loads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_extension_loads_total",
				Help: "Total number of extension load attempts",
			},
			[]string{"result"},
		),
		Activations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_extension_activations_total",
				Help: "Total number of extension activation attempts",
			},
			[]string{"result"},
		),
		Deactivations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_extension_deactivations_total",
				Help: "Total number of extension deactivations",
			},
			[]string{"result"},
		),
		Kills: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_extension_kills_total",
				Help: "Total number of extensions killed",
			},
			[]string{"cause"},
		),
		ExtensionsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exthost_extensions",
				Help: "Number of tracked extensions by lifecycle state",
			},
			[]string{"state"},
		),
		SandboxesLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_sandboxes_live",
				Help: "Number of live sandboxes",
			},
		),

		Violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_watchdog_violations_total",
				Help: "Total number of watchdog violations",
			},
			[]string{"type"},
		),

		APICalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_api_calls_total",
				Help: "Total number of capability calls forwarded to the privileged process",
			},
			[]string{"api", "method", "status"},
		),
		APICallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exthost_api_call_duration_seconds",
				Help:    "Capability call round-trip duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
			},
			[]string{"api", "method"},
		),
		PendingCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_api_calls_pending",
				Help: "Number of capability calls awaiting a response",
			},
		),
		IPCMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_ipc_messages_total",
				Help: "Total number of IPC messages",
			},
			[]string{"direction", "type"},
		),
		ProtocolErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "exthost_ipc_protocol_errors_total",
				Help: "Total number of dropped inbound messages",
			},
		),

		HostRSS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_process_rss_bytes",
				Help: "Resident set size of the host process",
			},
		),
		HostCPU: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_process_cpu_percent",
				Help: "CPU usage of the host process",
			},
		),
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_uptime_seconds",
				Help: "Host uptime in seconds",
			},
		),
	}
}

// Registry exposes the underlying registry (for tests and custom collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordLoad records an extension load attempt
func (m *Metrics) RecordLoad(success bool) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(resultLabel(success)).Inc()
}

// RecordActivation records an extension activation attempt
func (m *Metrics) RecordActivation(success bool) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(resultLabel(success)).Inc()
}

// RecordDeactivation records an extension deactivation; hookFailed marks a
// deactivate hook that threw (the transition itself always succeeds)
func (m *Metrics) RecordDeactivation(hookFailed bool) {
	if m == nil {
		return
	}
	m.Deactivations.WithLabelValues(resultLabel(!hookFailed)).Inc()
}

// RecordKill records an extension kill
func (m *Metrics) RecordKill(cause string) {
	if m == nil {
		return
	}
	m.Kills.WithLabelValues(cause).Inc()
}

// SetExtensionsByState replaces the per-state gauge values
func (m *Metrics) SetExtensionsByState(counts map[string]int) {
	if m == nil {
		return
	}
	m.ExtensionsByState.Reset()
	for state, n := range counts {
		m.ExtensionsByState.WithLabelValues(state).Set(float64(n))
	}
}

// SetSandboxesLive sets the number of live sandboxes
func (m *Metrics) SetSandboxesLive(n int) {
	if m == nil {
		return
	}
	m.SandboxesLive.Set(float64(n))
}

// RecordViolation records a watchdog violation
func (m *Metrics) RecordViolation(violationType string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(violationType).Inc()
}

// RecordAPICall records a completed capability call
func (m *Metrics) RecordAPICall(api, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.APICalls.WithLabelValues(api, method, status).Inc()
	m.APICallLatency.WithLabelValues(api, method).Observe(duration.Seconds())
}

// SetPendingCalls sets the number of in-flight capability calls
func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}
	m.PendingCalls.Set(float64(n))
}

// RecordIPCMessage records an IPC message
func (m *Metrics) RecordIPCMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.IPCMessages.WithLabelValues(direction, msgType).Inc()
}

// IncProtocolErrors counts a dropped inbound message
func (m *Metrics) IncProtocolErrors() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// RecordProcessSample records host process usage and refreshes uptime
func (m *Metrics) RecordProcessSample(rssBytes uint64, cpuPercent float64) {
	if m == nil {
		return
	}
	m.HostRSS.Set(float64(rssBytes))
	m.HostCPU.Set(cpuPercent)
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
