package server

import (
	"net/http"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
// Each instance owns its registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions        prometheus.Gauge
	authenticatedSessions prometheus.Gauge
	sessionsCreated       *prometheus.CounterVec // by transport
	sessionsClosed        *prometheus.CounterVec // by reason
	loginsRejected        prometheus.Counter

	// Frame metrics
	framesReceived *prometheus.CounterVec // by kind
	framesSent     *prometheus.CounterVec // by kind

	// Broadcast metrics
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram
	broadcastDropped  prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "minichat_active_sessions",
				Help: "Current number of live sessions",
			},
		),
		authenticatedSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "minichat_authenticated_sessions",
				Help: "Current number of sessions that completed login",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"transport"},
		),
		sessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_sessions_closed_total",
				Help: "Total number of sessions closed by reason",
			},
			[]string{"reason"},
		),
		loginsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "minichat_logins_rejected_total",
				Help: "Total number of login attempts rejected for an unavailable nickname",
			},
		),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_frames_received_total",
				Help: "Total number of frames received from clients by kind",
			},
			[]string{"kind"},
		),
		framesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minichat_frames_sent_total",
				Help: "Total number of frames written to clients by kind",
			},
			[]string{"kind"},
		),
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "minichat_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		broadcastDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "minichat_broadcast_duration_seconds",
				Help:    "Time taken to queue a broadcast for every recipient",
				Buckets: prometheus.DefBuckets,
			},
		),
		broadcastDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "minichat_broadcast_dropped_total",
				Help: "Broadcasts not delivered because they exceed the frame capacity",
			},
		),
	}
}

// Handler serves this instance's metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessions updates the live and authenticated session gauges
func (m *Metrics) RecordSessions(live, authenticated int) {
	m.activeSessions.Set(float64(live))
	m.authenticatedSessions.Set(float64(authenticated))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionClosed increments the close counter for reason
func (m *Metrics) RecordSessionClosed(reason error) {
	m.sessionsClosed.WithLabelValues(closeReasonLabel(reason)).Inc()
}

// RecordLoginRejected increments the rejected login counter
func (m *Metrics) RecordLoginRejected() {
	m.loginsRejected.Inc()
}

// RecordFrameReceived increments the received counter for a kind
func (m *Metrics) RecordFrameReceived(kind protocol.Kind) {
	m.framesReceived.WithLabelValues(kind.String()).Inc()
}

// RecordFrameSent increments the sent counter for a kind
func (m *Metrics) RecordFrameSent(kind protocol.Kind) {
	m.framesSent.WithLabelValues(kind.String()).Inc()
}

// RecordBroadcast records how many sessions a broadcast reached and how long it took
func (m *Metrics) RecordBroadcast(recipients int, durationSeconds float64) {
	m.broadcastFanout.Observe(float64(recipients))
	m.broadcastDuration.Observe(durationSeconds)
}

// RecordBroadcastDropped increments the dropped broadcast counter
func (m *Metrics) RecordBroadcastDropped() {
	m.broadcastDropped.Inc()
}
