// Package metrics provides Prometheus metrics for the messenger core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "p2pmsg"

// Metrics contains every Prometheus metric exported by the process.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionsClosed  *prometheus.CounterVec

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
	FramesSent    prometheus.Counter
	FramesReceived prometheus.Counter

	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	TransfersStarted  prometheus.Counter
	TransfersComplete prometheus.Counter
	TransfersAborted  *prometheus.CounterVec
	TransferBytes     prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against prometheus.DefaultRegisterer on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered on the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance on a caller-supplied
// registry, used by tests to avoid colliding with the global registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active encrypted sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions established",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total sessions closed, by reason",
		}, []string{"reason"}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total ciphertext bytes sent across all sessions",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total ciphertext bytes received across all sessions",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total wire frames sent",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total wire frames received",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of end-to-end handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures, by kind",
		}, []string{"kind"}),

		TransfersStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_transfers_started_total",
			Help:      "Total incoming file transfers opened",
		}),
		TransfersComplete: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_transfers_completed_total",
			Help:      "Total incoming file transfers promoted to the download directory",
		}),
		TransfersAborted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_transfers_aborted_total",
			Help:      "Total incoming file transfers aborted, by reason",
		}, []string{"reason"}),
		TransferBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_transfer_bytes_total",
			Help:      "Total file bytes received across all transfers",
		}),
	}
}

// RecordSessionEstablished records a newly active session.
func (m *Metrics) RecordSessionEstablished(handshakeLatencySeconds float64) {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
	m.HandshakeLatency.Observe(handshakeLatencySeconds)
}

// RecordSessionClosed records a session tearing down.
func (m *Metrics) RecordSessionClosed(reason string) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// RecordHandshakeError records a failed handshake attempt.
func (m *Metrics) RecordHandshakeError(kind string) {
	m.HandshakeErrors.WithLabelValues(kind).Inc()
}

// RecordFrameSent records one outbound wire frame and its byte size.
func (m *Metrics) RecordFrameSent(bytes int) {
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordFrameReceived records one inbound wire frame and its byte size.
func (m *Metrics) RecordFrameReceived(bytes int) {
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordTransferStarted records a new incoming file transfer opening.
func (m *Metrics) RecordTransferStarted() {
	m.TransfersStarted.Inc()
}

// RecordTransferCompleted records a transfer promoted to the download
// directory, along with its final size.
func (m *Metrics) RecordTransferCompleted(bytes uint64) {
	m.TransfersComplete.Inc()
	m.TransferBytes.Add(float64(bytes))
}

// RecordTransferAborted records a transfer discarded before completion.
func (m *Metrics) RecordTransferAborted(reason string) {
	m.TransfersAborted.WithLabelValues(reason).Inc()
}
