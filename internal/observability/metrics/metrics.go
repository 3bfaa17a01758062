// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcription_gateway"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsCreated   prometheus.Counter
	SessionsActive    prometheus.Gauge
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Client connection metrics
	ClientsConnected prometheus.Gauge
	ClientsTotal     prometheus.Counter
	MessagesInbound  *prometheus.CounterVec
	MessageErrors    *prometheus.CounterVec
	BroadcastErrors  prometheus.Counter

	// Transcript metrics
	TranscriptsPartial    prometheus.Counter
	TranscriptsFinal      prometheus.Counter
	TranscriptsRefinement prometheus.Counter
	TranscriptsStored     *prometheus.CounterVec

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Upstream metrics
	UpstreamStreamsTotal  *prometheus.CounterVec
	UpstreamStreamsActive prometheus.Gauge
	UpstreamDuration      *prometheus.HistogramVec
	STTErrors             *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance, registered on the default registry.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Session metrics
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions not yet completed or failed",
		}),
		SessionsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Total number of sessions completed",
		}),
		SessionsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions ended by an upstream error",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		// Client connection metrics
		ClientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		ClientsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_total",
			Help:      "Total number of client connections",
		}),
		MessagesInbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_inbound_total",
			Help:      "Total number of inbound client messages",
		}, []string{"type"}),
		MessageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Total number of client messages answered with an error",
		}, []string{"reason"}),
		BroadcastErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_errors_total",
			Help:      "Total number of failed deliveries to a client",
		}),

		// Transcript metrics
		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts received",
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}),
		TranscriptsRefinement: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_refinement_total",
			Help:      "Total number of final refinements received",
		}),
		TranscriptsStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_stored_total",
			Help:      "Total number of transcripts handed to the store",
		}, []string{"backend", "result"}),

		// Audio metrics
		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// Upstream metrics
		UpstreamStreamsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_streams_total",
			Help:      "Total number of upstream recognition streams opened",
		}, []string{"method"}),
		UpstreamStreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_streams_active",
			Help:      "Number of currently open upstream recognition streams",
		}),
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_stream_duration_seconds",
			Help:      "Duration of upstream recognition streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"method", "code"}),
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
	}
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionCompleted records a session completing.
func (m *Metrics) RecordSessionCompleted(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsCompleted.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailed records a session ending in error.
func (m *Metrics) RecordSessionFailed(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsFailed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordClientConnected records a client attaching to a session.
func (m *Metrics) RecordClientConnected() {
	m.ClientsTotal.Inc()
	m.ClientsConnected.Inc()
}

// RecordClientDisconnected records a client leaving a session.
func (m *Metrics) RecordClientDisconnected() {
	m.ClientsConnected.Dec()
}

// RecordInboundMessage records an inbound client message by type.
func (m *Metrics) RecordInboundMessage(msgType string) {
	m.MessagesInbound.WithLabelValues(msgType).Inc()
}

// RecordMessageError records a client message answered with an error.
func (m *Metrics) RecordMessageError(reason string) {
	m.MessageErrors.WithLabelValues(reason).Inc()
}

// RecordBroadcastError records a failed delivery to one client.
func (m *Metrics) RecordBroadcastError() {
	m.BroadcastErrors.Inc()
}

// RecordTranscript records a recognized result by type.
func (m *Metrics) RecordTranscript(resultType string) {
	switch resultType {
	case "partial":
		m.TranscriptsPartial.Inc()
	case "final":
		m.TranscriptsFinal.Inc()
	case "final_refinement":
		m.TranscriptsRefinement.Inc()
	}
}

// RecordTranscriptStored records a transcript hand-off to the store.
func (m *Metrics) RecordTranscriptStored(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TranscriptsStored.WithLabelValues(backend, result).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordUpstreamStart records an upstream stream being opened.
func (m *Metrics) RecordUpstreamStart(method string) {
	m.UpstreamStreamsTotal.WithLabelValues(method).Inc()
	m.UpstreamStreamsActive.Inc()
}

// RecordUpstreamEnd records an upstream stream terminating with code.
func (m *Metrics) RecordUpstreamEnd(method, code string, durationSeconds float64) {
	m.UpstreamStreamsActive.Dec()
	m.UpstreamDuration.WithLabelValues(method, code).Observe(durationSeconds)
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}
