package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection results recorded by ConnectionAccepted.
const (
	ResultEstablished = "established"
	ResultRejected    = "rejected"
)

// Match outcomes recorded by MatchOutcome.
const (
	OutcomeAllocated       = "allocated"
	OutcomeProvisionFailed = "provision_failed"
)

// RegistryGauge exposes the live connection counts sampled at scrape time.
type RegistryGauge interface {
	Len() int
	WaitingCount() int
}

// Metrics holds the lobby's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg         *prometheus.Registry
	connections *prometheus.CounterVec
	authFails   *prometheus.CounterVec
	matches     *prometheus.CounterVec
	malformed   prometheus.Counter
}

// NewMetrics creates and registers all lobby collectors.
//
// Precondition: registry must be non-nil.
// Postcondition: Returns Metrics whose Handler serves every lobby series plus Go runtime metrics.
func NewMetrics(registry RegistryGauge) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_connections_total",
			Help: "WebSocket connections by authentication result.",
		}, []string{"result"}),
		authFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_auth_failures_total",
			Help: "Rejected connections by reason.",
		}, []string{"reason"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_matches_total",
			Help: "Committed pairings by provisioning outcome.",
		}, []string{"outcome"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_malformed_messages_total",
			Help: "Inbound frames dropped because they could not be decoded.",
		}),
	}

	m.reg.MustRegister(
		m.connections,
		m.authFails,
		m.matches,
		m.malformed,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lobby_connected_clients",
			Help: "Authenticated clients currently registered.",
		}, func() float64 { return float64(registry.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lobby_waiting_clients",
			Help: "Registered clients currently flagged for matchmaking.",
		}, func() float64 { return float64(registry.WaitingCount()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ConnectionAccepted counts a connection that finished authentication with result.
func (m *Metrics) ConnectionAccepted(result string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(result).Inc()
}

// AuthFailed counts a rejected connection.
func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(ResultRejected).Inc()
	m.authFails.WithLabelValues(reason).Inc()
}

// MatchOutcome counts a committed pairing.
func (m *Metrics) MatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(outcome).Inc()
}

// MalformedMessage counts a dropped inbound frame.
func (m *Metrics) MalformedMessage() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// Handler returns the HTTP handler serving the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
