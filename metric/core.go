package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the replier.
const Namespace = "uvreplier"

// Metrics contains the request-reply and stream metrics.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Request-reply metrics
	RequestsReceived *prometheus.CounterVec
	RepliesPublished *prometheus.CounterVec
	ReplyErrors      *prometheus.CounterVec
	ReplyDuration    *prometheus.HistogramVec
	RunElapsed       *prometheus.GaugeVec

	// Stream metrics
	StreamRuns            *prometheus.CounterVec
	StreamActiveRuns      prometheus.Gauge
	StreamPointsPublished *prometheus.CounterVec
	StreamErrors          *prometheus.CounterVec
}

// NewMetrics creates the replier metrics, unregistered
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "requests",
				Name:      "received_total",
				Help:      "Total number of requests received",
			},
			[]string{"subject", "mode"},
		),

		RepliesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "replies",
				Name:      "published_total",
				Help:      "Total number of replies published",
			},
			[]string{"subject", "mode"},
		),

		ReplyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "replies",
				Name:      "errors_total",
				Help:      "Total number of reply failures by stage (fetch, publish, flush, no_reply)",
			},
			[]string{"subject", "stage"},
		),

		ReplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "replies",
				Name:      "duration_seconds",
				Help:      "Time from receiving a request to publishing its reply",
				Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"mode"},
		),

		RunElapsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "run",
				Name:      "elapsed_seconds",
				Help:      "Elapsed time from the first to the last request of the latest run",
			},
			[]string{"subject", "mode"},
		),

		StreamRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "stream",
				Name:      "runs_total",
				Help:      "Total number of stream runs by outcome (completed, failed, cancelled)",
			},
			[]string{"subject", "outcome"},
		),

		StreamActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "stream",
				Name:      "active_runs",
				Help:      "Number of stream runs currently publishing",
			},
		),

		StreamPointsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "stream",
				Name:      "points_published_total",
				Help:      "Total number of stream points published",
			},
			[]string{"subject"},
		),

		StreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "stream",
				Name:      "errors_total",
				Help:      "Total number of stream publish failures",
			},
			[]string{"subject"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RequestsReceived,
		m.RepliesPublished,
		m.ReplyErrors,
		m.ReplyDuration,
		m.RunElapsed,
		m.StreamRuns,
		m.StreamActiveRuns,
		m.StreamPointsPublished,
		m.StreamErrors,
	}
}

// RecordRequestReceived increments the received request counter
func (m *Metrics) RecordRequestReceived(subject, mode string) {
	if m == nil {
		return
	}
	m.RequestsReceived.WithLabelValues(subject, mode).Inc()
}

// RecordReplyPublished counts a published reply and observes its latency
func (m *Metrics) RecordReplyPublished(subject, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.RepliesPublished.WithLabelValues(subject, mode).Inc()
	m.ReplyDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordReplyError increments the reply error counter for a stage
func (m *Metrics) RecordReplyError(subject, stage string) {
	if m == nil {
		return
	}
	m.ReplyErrors.WithLabelValues(subject, stage).Inc()
}

// RecordRunElapsed sets the elapsed time of the latest run
func (m *Metrics) RecordRunElapsed(subject, mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunElapsed.WithLabelValues(subject, mode).Set(elapsed.Seconds())
}

// RecordStreamStarted marks a stream run as active
func (m *Metrics) RecordStreamStarted() {
	if m == nil {
		return
	}
	m.StreamActiveRuns.Inc()
}

// RecordStreamFinished marks a stream run as done with the given outcome
func (m *Metrics) RecordStreamFinished(subject, outcome string) {
	if m == nil {
		return
	}
	m.StreamActiveRuns.Dec()
	m.StreamRuns.WithLabelValues(subject, outcome).Inc()
}

// RecordStreamPoint increments the published point counter
func (m *Metrics) RecordStreamPoint(subject string) {
	if m == nil {
		return
	}
	m.StreamPointsPublished.WithLabelValues(subject).Inc()
}

// RecordStreamError increments the stream error counter
func (m *Metrics) RecordStreamError(subject string) {
	if m == nil {
		return
	}
	m.StreamErrors.WithLabelValues(subject).Inc()
}
