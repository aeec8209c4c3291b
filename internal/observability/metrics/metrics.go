// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clinical_risk"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsFinished *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Transcript metrics
	Fragments *prometheus.CounterVec

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	AudioFramesDropped  *prometheus.CounterVec

	// Detection metrics
	FlagsRaised          *prometheus.CounterVec
	DetectionLatency     *prometheus.HistogramVec
	DetectionInputErrors prometheus.Counter

	// Broadcast metrics
	BroadcastDropped     prometheus.Counter
	BroadcastSubscribers prometheus.Gauge

	// Job metrics
	JobsEnqueued     *prometheus.CounterVec
	JobsDeduplicated *prometheus.CounterVec
	JobAttempts      *prometheus.CounterVec
	JobsTerminal     *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTErrors       *prometheus.CounterVec
	STTBatchLatency *prometheus.HistogramVec

	// API metrics
	RPCRequests      *prometheus.CounterVec
	RPCLatency       *prometheus.HistogramVec
	StreamsActive    *prometheus.GaugeVec
	AudioIngestConns prometheus.Gauge
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of recording sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of recording sessions not yet terminal",
		}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of recording sessions that reached a terminal state",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock duration of recording sessions",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200},
		}),

		Fragments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Total number of transcript fragments received",
		}, []string{"final"}),

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
		AudioFramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total audio frames dropped before reaching the provider",
		}, []string{"reason"}),

		FlagsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flags_total",
			Help:      "Total number of risk flags raised",
		}, []string{"type", "severity", "pass"}),
		DetectionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_latency_seconds",
			Help:      "Risk detector latency in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"pass"}),
		DetectionInputErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_input_errors_total",
			Help:      "Total number of fragments skipped due to malformed detector input",
		}),

		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Total number of live events dropped for lagging subscribers",
		}),
		BroadcastSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_subscribers",
			Help:      "Number of attached live subscribers",
		}),

		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of batch jobs enqueued",
		}, []string{"type"}),
		JobsDeduplicated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deduplicated_total",
			Help:      "Total number of enqueue calls answered with an in-flight job",
		}, []string{"type"}),
		JobAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Total number of batch job attempts",
		}, []string{"type", "outcome"}),
		JobsTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_terminal_total",
			Help:      "Total number of batch jobs that reached a terminal status",
		}, []string{"type", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_attempt_duration_seconds",
			Help:      "Duration of a single batch job attempt",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}, []string{"type"}),

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

		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		STTBatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_batch_latency_seconds",
			Help:      "Batch transcription latency in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"provider"}),

		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		}, []string{"transport", "method", "code"}),
		RPCLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport", "method"}),
		StreamsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_streams_active",
			Help:      "Number of open subscription streams",
		}, []string{"transport"}),
		AudioIngestConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_ingest_connections",
			Help:      "Number of open audio ingest connections",
		}),
	}
}

// RecordSessionStart records a session entering Recording.
func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session reaching a terminal state.
func (m *Metrics) RecordSessionEnd(outcome string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsFinished.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFragment records a transcript fragment received.
func (m *Metrics) RecordFragment(final bool) {
	m.Fragments.WithLabelValues(strconv.FormatBool(final)).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordAudioDropped records an audio frame that was not forwarded.
func (m *Metrics) RecordAudioDropped(reason string) {
	m.AudioFramesDropped.WithLabelValues(reason).Inc()
}

// RecordFlag records a raised flag.
func (m *Metrics) RecordFlag(flagType, severity, pass string) {
	m.FlagsRaised.WithLabelValues(flagType, severity, pass).Inc()
}

// RecordDetection records a detector invocation.
func (m *Metrics) RecordDetection(pass string, latencySeconds float64, err error) {
	m.DetectionLatency.WithLabelValues(pass).Observe(latencySeconds)
	if err != nil {
		m.DetectionInputErrors.Inc()
	}
}

// RecordBroadcastDrop records an event dropped for a lagging subscriber.
func (m *Metrics) RecordBroadcastDrop() {
	m.BroadcastDropped.Inc()
}

// RecordSubscriberDelta adjusts the attached subscriber gauge.
func (m *Metrics) RecordSubscriberDelta(delta int) {
	m.BroadcastSubscribers.Add(float64(delta))
}

// RecordJobEnqueued records a new or deduplicated enqueue.
func (m *Metrics) RecordJobEnqueued(jobType string, deduplicated bool) {
	if deduplicated {
		m.JobsDeduplicated.WithLabelValues(jobType).Inc()
		return
	}
	m.JobsEnqueued.WithLabelValues(jobType).Inc()
}

// RecordJobAttempt records one handler execution.
func (m *Metrics) RecordJobAttempt(jobType string, err error, durationSeconds float64) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.JobAttempts.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(durationSeconds)
}

// RecordJobTerminal records a job reaching completed or failed.
func (m *Metrics) RecordJobTerminal(jobType, status string) {
	m.JobsTerminal.WithLabelValues(jobType, status).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordBatchTranscription records a batch transcription call.
func (m *Metrics) RecordBatchTranscription(provider string, latencySeconds float64) {
	m.STTBatchLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordRequest records one API call.
func (m *Metrics) RecordRequest(transport, method, code string, durationSeconds float64) {
	m.RPCRequests.WithLabelValues(transport, method, code).Inc()
	m.RPCLatency.WithLabelValues(transport, method).Observe(durationSeconds)
}

// RecordStreamDelta tracks open subscription streams.
func (m *Metrics) RecordStreamDelta(transport string, delta int) {
	m.StreamsActive.WithLabelValues(transport).Add(float64(delta))
}
