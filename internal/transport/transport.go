package transport

import (
	"context"
)

// QueueMessage represents a message received from a queue
type QueueMessage struct {
	ID            string
	Body          []byte
	ReceiptHandle interface{}       // Transport-specific receipt handle
	Headers       map[string]string // Message attributes set by the publisher
}

// Transport is a pull-based queue source.
// The notifier only consumes, so there is no Send.
type Transport interface {
	// Receive blocks until a message arrives on queueName or ctx is done
	Receive(ctx context.Context, queueName string) (QueueMessage, error)

	// Ack removes a processed message from the queue
	Ack(ctx context.Context, msg QueueMessage) error

	// Nack makes a message visible again for redelivery
	Nack(ctx context.Context, msg QueueMessage) error

	// Close releases the transport
	Close() error
}
