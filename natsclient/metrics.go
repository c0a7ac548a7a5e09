package natsclient

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChenYida/UVClient/metric"
)

// connMetrics holds Prometheus metrics for the connection owned by a Client.
type connMetrics struct {
	status     *prometheus.GaugeVec // 1 for the current status, 0 for the rest
	rtt        prometheus.Gauge     // Last measured round trip
	reconnects prometheus.Counter   // Reconnects seen by the handler

	// Traffic counters read straight from nats.Statistics at scrape time
	inMsgs   prometheus.CounterFunc
	outMsgs  prometheus.CounterFunc
	inBytes  prometheus.CounterFunc
	outBytes prometheus.CounterFunc

	registry *metric.MetricsRegistry
	names    []string
}

var allStatuses = []ConnectionStatus{
	StatusDisconnected,
	StatusConnecting,
	StatusConnected,
	StatusReconnecting,
	StatusCircuitOpen,
}

// newConnMetrics creates and registers connection metrics for c.
func newConnMetrics(registry *metric.MetricsRegistry, c *Client) (*connMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	stat := func(pick func(s nats.Statistics) uint64) func() float64 {
		return func() float64 {
			return float64(pick(c.Stats()))
		}
	}

	m := &connMetrics{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "connection_status",
			Help:      "Connection status (1 for the current status)",
		}, []string{"status"}),

		rtt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "rtt_seconds",
			Help:      "Last measured round trip time to the server",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total reconnects to the server",
		}),

		inMsgs: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "in_msgs_total",
			Help:      "Messages received on the connection",
		}, stat(func(s nats.Statistics) uint64 { return s.InMsgs })),

		outMsgs: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "out_msgs_total",
			Help:      "Messages sent on the connection",
		}, stat(func(s nats.Statistics) uint64 { return s.OutMsgs })),

		inBytes: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "in_bytes_total",
			Help:      "Payload bytes received on the connection",
		}, stat(func(s nats.Statistics) uint64 { return s.InBytes })),

		outBytes: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "out_bytes_total",
			Help:      "Payload bytes sent on the connection",
		}, stat(func(s nats.Statistics) uint64 { return s.OutBytes })),

		registry: registry,
	}

	collectors := map[string]prometheus.Collector{
		"connection_status": m.status,
		"rtt_seconds":       m.rtt,
		"reconnects_total":  m.reconnects,
		"in_msgs_total":     m.inMsgs,
		"out_msgs_total":    m.outMsgs,
		"in_bytes_total":    m.inBytes,
		"out_bytes_total":   m.outBytes,
	}
	for name, collector := range collectors {
		if err := registry.Register("natsclient", name, collector); err != nil {
			m.unregister()
			return nil, err
		}
		m.names = append(m.names, name)
	}

	m.recordStatus(StatusDisconnected)

	return m, nil
}

// unregister releases the metric names so another client can claim them.
func (m *connMetrics) unregister() {
	if m == nil {
		return
	}
	for _, name := range m.names {
		m.registry.Unregister("natsclient", name)
	}
	m.names = nil
}

func (m *connMetrics) recordStatus(status ConnectionStatus) {
	if m == nil {
		return
	}
	for _, s := range allStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.status.WithLabelValues(s.String()).Set(value)
	}
}

func (m *connMetrics) recordRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Set(rtt.Seconds())
}

func (m *connMetrics) recordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
