package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_notifier")

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.registry == nil {
		t.Error("Registry is nil")
	}

	if m.messagesReceived == nil {
		t.Error("messagesReceived is nil")
	}

	if m.messagesProcessed == nil {
		t.Error("messagesProcessed is nil")
	}
}

func TestMetrics_RecordMessageReceived(t *testing.T) {
	m := NewMetrics("test")

	m.RecordMessageReceived("test-queue", "rabbitmq")

	count := testutil.CollectAndCount(m.messagesReceived)
	if count != 1 {
		t.Errorf("Expected 1 metric, got %d", count)
	}

	value := testutil.ToFloat64(m.messagesReceived.With(prometheus.Labels{
		"queue":     "test-queue",
		"transport": "rabbitmq",
	}))

	if value != 1.0 {
		t.Errorf("Expected value 1.0, got %f", value)
	}
}

func TestMetrics_RecordMessageProcessed(t *testing.T) {
	m := NewMetrics("test")

	m.RecordMessageProcessed("test-queue", "ack")
	m.RecordMessageProcessed("test-queue", "ack")
	m.RecordMessageProcessed("test-queue", "requeue")

	value := testutil.ToFloat64(m.messagesProcessed.With(prometheus.Labels{
		"queue":  "test-queue",
		"status": "ack",
	}))
	if value != 2.0 {
		t.Errorf("Expected value 2.0, got %f", value)
	}

	value = testutil.ToFloat64(m.messagesProcessed.With(prometheus.Labels{
		"queue":  "test-queue",
		"status": "requeue",
	}))
	if value != 1.0 {
		t.Errorf("Expected value 1.0, got %f", value)
	}
}

func TestMetrics_RecordMessageFailed(t *testing.T) {
	m := NewMetrics("test")

	m.RecordMessageFailed("test-queue", "malformed")

	value := testutil.ToFloat64(m.messagesFailed.With(prometheus.Labels{
		"queue":  "test-queue",
		"reason": "malformed",
	}))

	if value != 1.0 {
		t.Errorf("Expected value 1.0, got %f", value)
	}
}

func TestMetrics_RecordSenderError(t *testing.T) {
	m := NewMetrics("test")

	m.RecordSenderError("test-queue", "transport_failure")

	value := testutil.ToFloat64(m.senderErrors.With(prometheus.Labels{
		"queue":      "test-queue",
		"error_type": "transport_failure",
	}))

	if value != 1.0 {
		t.Errorf("Expected value 1.0, got %f", value)
	}
}

func TestMetrics_RecordDurations(t *testing.T) {
	m := NewMetrics("test")

	m.RecordProcessingDuration("test-queue", 100*time.Millisecond)
	m.RecordSenderDuration("test-queue", 50*time.Millisecond)
	m.RecordMessageSize("received", 1024)

	if testutil.CollectAndCount(m.processingDuration) == 0 {
		t.Error("processingDuration has no observations")
	}

	if testutil.CollectAndCount(m.senderDuration) == 0 {
		t.Error("senderDuration has no observations")
	}

	if testutil.CollectAndCount(m.messageSize) == 0 {
		t.Error("messageSize has no observations")
	}
}

func TestMetrics_ActiveMessages(t *testing.T) {
	m := NewMetrics("test")

	m.IncrementActiveMessages()
	value := testutil.ToFloat64(m.activeMessages)
	if value != 1.0 {
		t.Errorf("Expected active messages 1.0, got %f", value)
	}

	m.DecrementActiveMessages()
	value = testutil.ToFloat64(m.activeMessages)
	if value != 0.0 {
		t.Errorf("Expected active messages 0.0 after decrement, got %f", value)
	}
}

func TestMetrics_BrokerConnection(t *testing.T) {
	m := NewMetrics("test")

	m.SetBrokerConnected(true)
	if value := testutil.ToFloat64(m.brokerConnected); value != 1.0 {
		t.Errorf("Expected broker_connected 1.0, got %f", value)
	}

	m.SetBrokerConnected(false)
	if value := testutil.ToFloat64(m.brokerConnected); value != 0.0 {
		t.Errorf("Expected broker_connected 0.0, got %f", value)
	}

	m.RecordReconnectAttempt()
	m.RecordReconnectAttempt()
	if value := testutil.ToFloat64(m.reconnectAttempts); value != 2.0 {
		t.Errorf("Expected 2 reconnect attempts, got %f", value)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	// None of these may panic
	m.RecordMessageReceived("q", "rabbitmq")
	m.RecordMessageProcessed("q", "ack")
	m.RecordMessageFailed("q", "invalid")
	m.RecordSenderError("q", "rejected")
	m.RecordProcessingDuration("q", time.Second)
	m.RecordSenderDuration("q", time.Second)
	m.RecordMessageSize("received", 10)
	m.IncrementActiveMessages()
	m.DecrementActiveMessages()
	m.SetBrokerConnected(true)
	m.RecordReconnectAttempt()
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("test")
	m.RecordMessageReceived("test-queue", "rabbitmq")

	handler := m.Handler()
	if handler == nil {
		t.Fatal("Handler returned nil")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_messages_received_total") {
		t.Error("metrics output missing test_messages_received_total")
	}
}

func TestSanitizeMetricName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple_name", "simple_name"},
		{"name-with-dashes", "name_with_dashes"},
		{"name.with.dots", "name_with_dots"},
		{"name with spaces", "name_with_spaces"},
		{"UPPERCASE", "UPPERCASE"},
		{"mix123ED", "mix123ED"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeMetricName(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeMetricName(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
