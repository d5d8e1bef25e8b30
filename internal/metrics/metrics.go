// Package metrics exposes relay counters and gauges to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	connections   prometheus.Gauge
	identities    prometheus.Gauge
	callsPending  prometheus.Gauge
	callsActive   prometheus.Gauge
	commands      *prometheus.CounterVec
	callEvents    *prometheus.CounterVec
	relayDropped  *prometheus.CounterVec
	rateLimited   prometheus.Counter
	rejectedLines *prometheus.CounterVec
}

// New registers the relay metrics with reg, or the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Current number of open client connections.",
		}),
		identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_identities_registered",
			Help: "Current number of bound usernames.",
		}),
		callsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_calls_pending",
			Help: "Calls initiated but not yet answered.",
		}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_calls_active",
			Help: "Calls currently connected.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_commands_total",
			Help: "Inbound commands by kind.",
		}, []string{"kind"}),
		callEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_call_events_total",
			Help: "Call state transitions by event.",
		}, []string{"event"}),
		relayDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_relay_dropped_total",
			Help: "Lines that could not be delivered, by reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_rate_limited_total",
			Help: "Inbound lines discarded by the per-connection rate limiter.",
		}),
		rejectedLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_rejected_lines_total",
			Help: "Inbound lines answered with a usage or error notice.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.connections,
		m.identities,
		m.callsPending,
		m.callsActive,
		m.commands,
		m.callEvents,
		m.relayDropped,
		m.rateLimited,
		m.rejectedLines,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SetIdentities records the number of bound usernames.
func (m *Metrics) SetIdentities(n int) {
	if m == nil {
		return
	}
	m.identities.Set(float64(n))
}

// SetCalls records the number of pending and active calls.
func (m *Metrics) SetCalls(pending, active int) {
	if m == nil {
		return
	}
	m.callsPending.Set(float64(pending))
	m.callsActive.Set(float64(active))
}

func (m *Metrics) Command(kind string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind).Inc()
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.callEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RelayDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.relayDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejectedLines.WithLabelValues(reason).Inc()
}
