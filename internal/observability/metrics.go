package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	messagesSentTotal    *prometheus.CounterVec
	messagesReceived     *prometheus.CounterVec
	indicatorTransitions *prometheus.CounterVec
	uploadLatencySeconds prometheus.Histogram
	uploadRejectedTotal  *prometheus.CounterVec
	captureSessionsTotal *prometheus.CounterVec
	transportReconnects  prometheus.Counter
	playbackStartedTotal prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the conversation core.
func RegisterMetrics() {
	registerOnce.Do(func() {
		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_messages_sent_total",
			Help: "Total number of messages sent through the conversation core.",
		}, []string{"kind"})

		messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_messages_received_total",
			Help: "Total number of inbound message events applied to the local store.",
		}, []string{"kind"})

		indicatorTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_indicator_transitions_total",
			Help: "Total number of typing/recording indicator transitions emitted.",
		}, []string{"kind", "state"})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "convo_upload_latency_seconds",
			Help:    "Latency distribution for attachment uploads.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_upload_rejected_total",
			Help: "Total number of upload attempts rejected or failed, by reason.",
		}, []string{"reason"})

		captureSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_capture_sessions_total",
			Help: "Total number of voice capture sessions, by outcome.",
		}, []string{"outcome"})

		transportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convo_transport_reconnects_total",
			Help: "Total number of realtime transport reconnect attempts.",
		})

		playbackStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convo_playback_started_total",
			Help: "Total number of voice note playbacks started.",
		})

		prometheus.MustRegister(
			messagesSentTotal,
			messagesReceived,
			indicatorTransitions,
			uploadLatencySeconds,
			uploadRejectedTotal,
			captureSessionsTotal,
			transportReconnects,
			playbackStartedTotal,
		)
	})
}

// MessagesSent exposes the counter for outbound messages.
func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

// MessagesReceived exposes the counter for inbound message events.
func MessagesReceived() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesReceived
}

// IndicatorTransitions exposes the counter for indicator emissions.
func IndicatorTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return indicatorTransitions
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}

// UploadRejected exposes the counter for rejected uploads.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// CaptureSessions exposes the counter for voice capture outcomes.
func CaptureSessions() *prometheus.CounterVec {
	RegisterMetrics()
	return captureSessionsTotal
}

// TransportReconnects exposes the counter for transport reconnects.
func TransportReconnects() prometheus.Counter {
	RegisterMetrics()
	return transportReconnects
}

// PlaybackStarted exposes the counter for started playbacks.
func PlaybackStarted() prometheus.Counter {
	RegisterMetrics()
	return playbackStartedTotal
}
