package hub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type hubMetrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	registrations     *prometheus.CounterVec
	messagesRouted    *prometheus.CounterVec
	broadcasts        prometheus.Counter
	frameLatency      *prometheus.HistogramVec
	staleSwept        prometheus.Counter
	backpressure      prometheus.Counter
}

// NewMetrics registers the hub metric set. A nil registerer falls back to
// the default registry.
func NewMetrics(reg prometheus.Registerer) *hubMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &hubMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connections_active",
			Help: "Current number of live client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_connections_total",
			Help: "Total client connections accepted since start.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_registrations_total",
			Help: "App registrations grouped by result.",
		}, []string{"result"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_messages_routed_total",
			Help: "Messages handed to the router grouped by result.",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Broadcast fan-outs performed.",
		}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hub_frame_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		staleSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_stale_swept_total",
			Help: "Connections removed by the stale sweeper.",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_send_backpressure_total",
			Help: "Sessions dropped because their send buffer filled.",
		}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.registrations,
		m.messagesRouted,
		m.broadcasts,
		m.frameLatency,
		m.staleSwept,
		m.backpressure,
	)
	return m
}

func (m *hubMetrics) incConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *hubMetrics) decConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *hubMetrics) recordRegistration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *hubMetrics) recordRouted(result string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(result).Inc()
}

func (m *hubMetrics) recordBroadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *hubMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *hubMetrics) recordSwept(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.staleSwept.Add(float64(count))
}

func (m *hubMetrics) recordBackpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}
