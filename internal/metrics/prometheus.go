package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription server
type Metrics struct {
	// Audio session metrics
	ActiveSessions    prometheus.Gauge
	SessionsOpened    prometheus.Counter
	StreamRestarts    prometheus.Counter
	RecognitionErrors prometheus.Counter
	DroppedChunks     prometheus.Counter
	StreamDuration    prometheus.Histogram

	// Transcript metrics
	InterimResults      prometheus.Counter
	UtterancesCommitted prometheus.Counter
	DuplicateResults    prometheus.Counter

	// Socket metrics
	ConnectedClients  prometheus.Gauge
	MessagesBroadcast prometheus.Counter
	SlowClients       prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rapat_active_audio_sessions",
			Help: "Current number of open audio sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapat_audio_sessions_opened_total",
			Help: "Total number of audio sessions opened",
		}),
		StreamRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapat_recognition_stream_restarts_total",
			Help: "Total number of recognition streams replaced after expiring",
		}),
		RecognitionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapat_recognition_errors_total",
			Help: "Total number of recognition streams that failed to open or ended with an error",
		}),
		DroppedChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapat_audio_chunks_dropped_total",
			Help: "Total number of audio chunks discarded because a session buffer was full",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapat_recognition_stream_duration_seconds",
			Help:    "Lifetime of individual recognition streams",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		InterimResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapat_interim_results_total",
			Help: "Total number of interim results broadcast",
		}),
		UtterancesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapat_utterances_committed_total",
			Help: "Total number of utterances appended to the transcript",
		}),
		DuplicateResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapat_duplicate_results_total",
			Help: "Total number of results discarded as re-recognized carryover audio",
		}),

		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rapat_connected_clients",
			Help: "Current number of connected chat sockets",
		}),
		MessagesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapat_messages_broadcast_total",
			Help: "Total number of events broadcast to all clients",
		}),
		SlowClients: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapat_slow_client_disconnects_total",
			Help: "Total number of clients disconnected for not keeping up",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rapat_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rapat_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// NewNop returns metrics registered on a throwaway registry, for tests and tools
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// RecordSessionOpened tracks a newly opened audio session
func (m *Metrics) RecordSessionOpened() {
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed tracks an audio session going away
func (m *Metrics) RecordSessionClosed() {
	m.ActiveSessions.Dec()
}

// RecordStreamEnded records the lifetime of one recognition stream
func (m *Metrics) RecordStreamEnded(durationSeconds float64, restarted bool) {
	m.StreamDuration.Observe(durationSeconds)
	if restarted {
		m.StreamRestarts.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
