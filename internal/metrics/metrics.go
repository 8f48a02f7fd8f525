// Package metrics provides Prometheus metrics for the controller.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kestrel"
)

// Metrics contains all Prometheus metrics. Record methods are safe to call
// on a nil *Metrics, which records nothing.
type Metrics struct {
	// Agent metrics
	AgentsConnected *prometheus.GaugeVec
	Registrations   *prometheus.CounterVec
	Disconnects     *prometheus.CounterVec

	// Handshake metrics
	HandshakeLatency *prometheus.HistogramVec
	HandshakeErrors  *prometheus.CounterVec

	// Channel metrics
	ChannelsActive *prometheus.GaugeVec
	ChannelsOpened *prometheus.CounterVec
	ChannelErrors  *prometheus.CounterVec

	// Relay metrics
	RelayBytes *prometheus.CounterVec

	// Listener and proxy metrics
	ListenersActive prometheus.Gauge
	ProxiesActive   prometheus.Gauge
	ProxyAccepts    prometheus.Counter

	// Polling metrics
	PollRequests *prometheus.CounterVec
	QueuedEvents prometheus.Gauge

	Panics *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AgentsConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Number of registered agents by connection class",
		}, []string{"class"}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total agent registrations by transport",
		}, []string{"transport"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total live session terminations by outcome",
		}, []string{"outcome"}),

		HandshakeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of handshake plus registration latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"transport"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total failed inbound connections by stage",
		}, []string{"stage"}),

		ChannelsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of open relay channels by kind",
		}, []string{"kind"}),
		ChannelsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Total relay channels opened by kind",
		}, []string{"kind"}),
		ChannelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_errors_total",
			Help:      "Total relay channel open failures by kind",
		}, []string{"kind"}),

		RelayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Total bytes relayed by direction",
		}, []string{"direction"}),

		ListenersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_active",
			Help:      "Number of running agent listeners",
		}),
		ProxiesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxies_active",
			Help:      "Number of running local proxy listeners",
		}),
		ProxyAccepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_accepts_total",
			Help:      "Total client connections accepted by proxy listeners",
		}),

		PollRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Total polling check-ins by result",
		}, []string{"result"}),
		QueuedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_events",
			Help:      "Number of events waiting in agent queues",
		}),

		Panics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered by goroutine",
		}, []string{"goroutine"}),
	}
}

// SetAgents records the number of agents in a connection class.
func (m *Metrics) SetAgents(class string, n int) {
	if m == nil {
		return
	}
	m.AgentsConnected.WithLabelValues(class).Set(float64(n))
}

// RecordRegistration records a successful handshake and registration.
func (m *Metrics) RecordRegistration(transport string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(transport).Inc()
	m.HandshakeLatency.WithLabelValues(transport).Observe(latencySeconds)
}

// RecordHandshakeError records an inbound connection dropped at stage
// ("handshake", "registration", "mux").
func (m *Metrics) RecordHandshakeError(stage string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(stage).Inc()
}

// RecordDisconnect records the end of a live session ("demoted", "removed", "superseded").
func (m *Metrics) RecordDisconnect(outcome string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(outcome).Inc()
}

// RecordChannelOpen records a relay channel being opened.
func (m *Metrics) RecordChannelOpen(kind string) {
	if m == nil {
		return
	}
	m.ChannelsActive.WithLabelValues(kind).Inc()
	m.ChannelsOpened.WithLabelValues(kind).Inc()
}

// RecordChannelClose records a relay channel being closed.
func (m *Metrics) RecordChannelClose(kind string) {
	if m == nil {
		return
	}
	m.ChannelsActive.WithLabelValues(kind).Dec()
}

// RecordChannelError records a failed channel open.
func (m *Metrics) RecordChannelError(kind string) {
	if m == nil {
		return
	}
	m.ChannelErrors.WithLabelValues(kind).Inc()
}

// RecordRelayBytes records bytes copied in one direction ("upstream", "downstream").
func (m *Metrics) RecordRelayBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RelayBytes.WithLabelValues(direction).Add(float64(n))
}

// SetListeners records the number of running listeners.
func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.ListenersActive.Set(float64(n))
}

// SetProxies records the number of running proxies.
func (m *Metrics) SetProxies(n int) {
	if m == nil {
		return
	}
	m.ProxiesActive.Set(float64(n))
}

// RecordProxyAccept records a client connection on a proxy listener.
func (m *Metrics) RecordProxyAccept() {
	if m == nil {
		return
	}
	m.ProxyAccepts.Inc()
}

// RecordPoll records a polling check-in ("init", "heartbeat", "reregister", "error").
func (m *Metrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.PollRequests.WithLabelValues(result).Inc()
}

// SetQueuedEvents records the total number of queued events.
func (m *Metrics) SetQueuedEvents(n int) {
	if m == nil {
		return
	}
	m.QueuedEvents.Set(float64(n))
}

// RecordPanic records a recovered panic.
func (m *Metrics) RecordPanic(goroutine string) {
	if m == nil {
		return
	}
	m.Panics.WithLabelValues(goroutine).Inc()
}
