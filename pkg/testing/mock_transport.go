package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/deliveryhero/asya/asya-notifier/internal/transport"
)

// MockTransport is an in-memory transport.Transport.
// Receive blocks until a message is enqueued; Nack puts the message back at the tail.
type MockTransport struct {
	mu       sync.Mutex
	messages map[string][]transport.QueueMessage
	acked    []transport.QueueMessage
	nacked   []transport.QueueMessage
	nextID   int
	ready    chan struct{}
	closed   bool

	receiveErr error
}

// NewMockTransport creates an empty mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		messages: make(map[string][]transport.QueueMessage),
		nextID:   1,
		ready:    make(chan struct{}),
	}
}

// Enqueue stores a message body and returns its generated ID
func (m *MockTransport) Enqueue(queueName string, body []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := fmt.Sprintf("msg-%d", m.nextID)
	m.nextID++

	m.messages[queueName] = append(m.messages[queueName], transport.QueueMessage{
		ID:            id,
		Body:          body,
		ReceiptHandle: queueName,
		Headers:       map[string]string{"QueueName": queueName},
	})
	m.notifyLocked()
	return id
}

func (m *MockTransport) notifyLocked() {
	close(m.ready)
	m.ready = make(chan struct{})
}

// Receive pops the head of the queue, waiting for one if needed
func (m *MockTransport) Receive(ctx context.Context, queueName string) (transport.QueueMessage, error) {
	for {
		m.mu.Lock()
		if m.receiveErr != nil {
			err := m.receiveErr
			m.mu.Unlock()
			return transport.QueueMessage{}, err
		}
		if m.closed {
			m.mu.Unlock()
			return transport.QueueMessage{}, fmt.Errorf("transport closed")
		}
		if queue := m.messages[queueName]; len(queue) > 0 {
			msg := queue[0]
			m.messages[queueName] = queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return transport.QueueMessage{}, ctx.Err()
		case <-ready:
		}
	}
}

// SetReceiveErr makes subsequent Receive calls fail; nil restores normal behavior
func (m *MockTransport) SetReceiveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveErr = err
	m.notifyLocked()
}

// Ack records the message as removed
func (m *MockTransport) Ack(ctx context.Context, msg transport.QueueMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, msg)
	return nil
}

// Nack records the message and makes it receivable again
func (m *MockTransport) Nack(ctx context.Context, msg transport.QueueMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = append(m.nacked, msg)

	queueName, _ := msg.ReceiptHandle.(string)
	m.messages[queueName] = append(m.messages[queueName], msg)
	m.notifyLocked()
	return nil
}

// Close wakes blocked receivers
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.notifyLocked()
	return nil
}

// Acked returns a copy of acknowledged messages
func (m *MockTransport) Acked() []transport.QueueMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.QueueMessage(nil), m.acked...)
}

// Nacked returns a copy of negatively acknowledged messages
func (m *MockTransport) Nacked() []transport.QueueMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.QueueMessage(nil), m.nacked...)
}

// GetMessageCount returns the number of pending messages in a queue
func (m *MockTransport) GetMessageCount(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[queueName])
}
