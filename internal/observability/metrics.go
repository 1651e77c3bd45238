package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	chatConnectionsActive prometheus.Gauge
	chatConnectionsTotal  *prometheus.CounterVec
	chatEventsTotal       *prometheus.CounterVec
	chatMessagesTotal     *prometheus.CounterVec
	chatRejectionsTotal   *prometheus.CounterVec
	chatFramesDropped     prometheus.Counter
	chatReactionsTotal    *prometheus.CounterVec
	chatIngestSeconds     *prometheus.HistogramVec

	notificationsPublished *prometheus.CounterVec

	uploadRequestsTotal *prometheus.CounterVec
	uploadRejectedTotal *prometheus.CounterVec
	uploadLatency       prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of live chat sessions.",
		})

		chatConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Chat session lifecycle transitions.",
		}, []string{"result"})

		chatEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_total",
			Help: "Client events received over chat sockets.",
		}, []string{"event"})

		chatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Messages persisted and broadcast.",
		}, []string{"kind"})

		chatRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_rejections_total",
			Help: "Client events rejected with an error event.",
		}, []string{"kind"})

		chatFramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_frames_dropped_total",
			Help: "Outbound frames dropped because a receiver queue was full.",
		})

		chatReactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_reactions_total",
			Help: "Reaction toggles by outcome.",
		}, []string{"action"})

		chatIngestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_ingest_seconds",
			Help:    "Time from receiving a message to broadcasting it.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"kind"})

		notificationsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notifications persisted, by type.",
		}, []string{"type"})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_requests_total",
			Help: "Attachments stored, by normalised MIME type.",
		}, []string{"type"})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_rejected_total",
			Help: "Attachments rejected, by reason.",
		}, []string{"reason"})

		uploadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_latency_seconds",
			Help:    "Attachment upload latency.",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			chatConnectionsActive, chatConnectionsTotal, chatEventsTotal, chatMessagesTotal,
			chatRejectionsTotal, chatFramesDropped, chatReactionsTotal, chatIngestSeconds,
			notificationsPublished,
			uploadRequestsTotal, uploadRejectedTotal, uploadLatency,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// ChatConnectionsActive tracks live sessions.
func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatConnections counts admitted, replaced and closed sessions.
func ChatConnections() *prometheus.CounterVec {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatEvents counts inbound events by name.
func ChatEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return chatEventsTotal
}

// ChatMessages counts delivered messages by kind (room, private).
func ChatMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesTotal
}

// ChatRejections counts error events by kind.
func ChatRejections() *prometheus.CounterVec {
	RegisterMetrics()
	return chatRejectionsTotal
}

// ChatFramesDropped counts frames dropped for slow receivers.
func ChatFramesDropped() prometheus.Counter {
	RegisterMetrics()
	return chatFramesDropped
}

// ChatReactions counts reaction toggles by action.
func ChatReactions() *prometheus.CounterVec {
	RegisterMetrics()
	return chatReactionsTotal
}

// ChatIngestLatency observes ingest pipeline latency.
func ChatIngestLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return chatIngestSeconds
}

// NotificationsPublished counts persisted notifications.
func NotificationsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsPublished
}

// UploadRequests counts stored attachments.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}

// UploadRejected counts rejected attachments.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// UploadLatency observes attachment upload latency.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatency
}
