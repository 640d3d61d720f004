package metrics

import (
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the notifier's Prometheus collectors on a private registry.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived  *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	messagesFailed    *prometheus.CounterVec
	senderErrors      *prometheus.CounterVec

	processingDuration *prometheus.HistogramVec
	senderDuration     *prometheus.HistogramVec
	messageSize        *prometheus.HistogramVec

	activeMessages    prometheus.Gauge
	brokerConnected   prometheus.Gauge
	reconnectAttempts prometheus.Counter
}

var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeMetricName replaces characters Prometheus does not accept in metric names
func sanitizeMetricName(name string) string {
	return invalidMetricChars.ReplaceAllString(name, "_")
}

// NewMetrics creates and registers all collectors under namespace
func NewMetrics(namespace string) *Metrics {
	namespace = sanitizeMetricName(namespace)
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received from the queue",
		}, []string{"queue", "transport"}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Total number of messages resolved, by decision",
		}, []string{"queue", "status"}),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total number of messages that were not delivered, by reason",
		}, []string{"queue", "reason"}),
		senderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sender_errors_total",
			Help:      "Total number of failed notification API calls, by error type",
		}, []string{"queue", "error_type"}),
		processingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time from receipt to acknowledgment decision",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		senderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sender_duration_seconds",
			Help:      "Duration of notification API calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		messageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "Size of message bodies",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"direction"}),
		activeMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_messages",
			Help:      "Number of messages currently being processed",
		}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 when a broker connection and channel are open, 0 otherwise",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnect_attempts_total",
			Help:      "Total number of broker reconnect attempts",
		}),
	}

	registry.MustRegister(
		m.messagesReceived,
		m.messagesProcessed,
		m.messagesFailed,
		m.senderErrors,
		m.processingDuration,
		m.senderDuration,
		m.messageSize,
		m.activeMessages,
		m.brokerConnected,
		m.reconnectAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordMessageReceived counts a message taken off queue
func (m *Metrics) RecordMessageReceived(queue, transport string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(queue, transport).Inc()
}

// RecordMessageProcessed counts a resolved message; status is the decision taken
func (m *Metrics) RecordMessageProcessed(queue, status string) {
	if m == nil {
		return
	}
	m.messagesProcessed.WithLabelValues(queue, status).Inc()
}

// RecordMessageFailed counts a message that was dropped or requeued
func (m *Metrics) RecordMessageFailed(queue, reason string) {
	if m == nil {
		return
	}
	m.messagesFailed.WithLabelValues(queue, reason).Inc()
}

func (m *Metrics) RecordSenderError(queue, errorType string) {
	if m == nil {
		return
	}
	m.senderErrors.WithLabelValues(queue, errorType).Inc()
}

func (m *Metrics) RecordProcessingDuration(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.processingDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *Metrics) RecordSenderDuration(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.senderDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *Metrics) RecordMessageSize(direction string, size int) {
	if m == nil {
		return
	}
	m.messageSize.WithLabelValues(direction).Observe(float64(size))
}

func (m *Metrics) IncrementActiveMessages() {
	if m == nil {
		return
	}
	m.activeMessages.Inc()
}

func (m *Metrics) DecrementActiveMessages() {
	if m == nil {
		return
	}
	m.activeMessages.Dec()
}

// SetBrokerConnected mirrors the supervisor's connection state
func (m *Metrics) SetBrokerConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.brokerConnected.Set(1)
		return
	}
	m.brokerConnected.Set(0)
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the private registry for inspection
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
