// Package metrics holds the Prometheus instrumentation for the bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bus daemon.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec

	// Envelope metrics
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesFanout   *prometheus.CounterVec
	EnvelopeBytes     *prometheus.HistogramVec

	// Command metrics
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CommandFailures  *prometheus.CounterVec

	// CASIL metrics
	CASILDecisions *prometheus.CounterVec

	// Storage metrics
	StorageAppends *prometheus.CounterVec

	// HTTP facade metrics
	HTTPRequests *prometheus.CounterVec
	HTTPErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all bus metrics on a fresh registry
// so tests can instantiate without duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arqonbus_connections_active",
			Help: "Currently connected WebSocket clients",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_connections_total",
			Help: "Total accepted WebSocket connections",
		}, []string{"outcome"}), // outcome: accepted, auth_failed
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_envelopes_received_total",
			Help: "Envelopes received from clients",
		}, []string{"type", "wire"}),
		EnvelopesFanout: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_envelopes_fanout_total",
			Help: "Envelope deliveries fanned out to subscribers",
		}, []string{"room"}),
		EnvelopeBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arqonbus_envelope_bytes",
			Help:    "Size of received envelope frames",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"wire"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_commands_total",
			Help: "Commands executed through the command lane",
		}, []string{"command", "status"}), // status: success, error
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arqonbus_command_duration_seconds",
			Help:    "Command handler latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		CommandFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_command_failures_total",
			Help: "Command failures by error code",
		}, []string{"command", "error_code"}),
		CASILDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_casil_decisions_total",
			Help: "CASIL policy decisions",
		}, []string{"decision", "reason_code"}),
		StorageAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_storage_appends_total",
			Help: "Envelope history appends by backend outcome",
		}, []string{"outcome"}), // outcome: stored, failed
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_http_requests_total",
			Help: "Admin facade requests",
		}, []string{"endpoint", "method"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arqonbus_http_errors_total",
			Help: "Admin facade error responses",
		}, []string{"endpoint", "code"}),
	}
}
