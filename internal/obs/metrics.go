package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the coordinator's collectors. Each instance owns its own
// registry so tests can build as many as they like. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Connections       prometheus.Gauge
	Events            *prometheus.CounterVec
	Presence          *prometheus.CounterVec
	HeartbeatTimeouts prometheus.Counter
	Deliveries        prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmchat",
			Name:      "connections",
			Help:      "Live real-time connections.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmchat",
			Name:      "events_total",
			Help:      "Inbound events by name and outcome.",
		}, []string{"event", "outcome"}),
		Presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmchat",
			Name:      "presence_transitions_total",
			Help:      "Persisted online/offline transitions.",
		}, []string{"state"}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmchat",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections dropped for missed heartbeats.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmchat",
			Name:      "deliveries_total",
			Help:      "Messages delivered to a live receiver at send time.",
		}),
	}
	m.Registry.MustRegister(
		m.Connections,
		m.Events,
		m.Presence,
		m.HeartbeatTimeouts,
		m.Deliveries,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) ObserveEvent(event, outcome string) {
	if m != nil {
		m.Events.WithLabelValues(event, outcome).Inc()
	}
}

func (m *Metrics) PresenceChanged(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.Presence.WithLabelValues(state).Inc()
}

func (m *Metrics) HeartbeatTimedOut() {
	if m != nil {
		m.HeartbeatTimeouts.Inc()
	}
}

func (m *Metrics) Delivered() {
	if m != nil {
		m.Deliveries.Inc()
	}
}
