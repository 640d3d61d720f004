package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotConnected is returned when an operation needs an open channel and there is none.
	ErrNotConnected = errors.New("not connected to broker")

	// ErrFatalSupervision marks a broker failure that reconnecting cannot repair.
	ErrFatalSupervision = errors.New("broker supervision failed permanently")
)

// FatalError is reported once reconnect attempts are exhausted.
// The hosting process decides how to exit.
type FatalError struct {
	Attempts int
	Cause    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrFatalSupervision, e.Attempts, e.Cause)
}

func (e *FatalError) Unwrap() []error {
	return []error{ErrFatalSupervision, e.Cause}
}

// Channel is the subset of *amqp.Channel used by the notifier.
// *amqp.Channel satisfies it directly.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection used by the notifier
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens broker connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// DialFunc adapts a function to the Dialer interface
type DialFunc func(ctx context.Context, url string) (Connection, error)

func (f DialFunc) Dial(ctx context.Context, url string) (Connection, error) {
	return f(ctx, url)
}

// AMQPDialer dials RabbitMQ with amqp091-go
type AMQPDialer struct {
	ConnectionName string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
}

// NewAMQPDialer creates a dialer with a 10s heartbeat
func NewAMQPDialer(connectionName string) *AMQPDialer {
	return &AMQPDialer{
		ConnectionName: connectionName,
		Heartbeat:      10 * time.Second,
		DialTimeout:    30 * time.Second,
	}
}

// Dial opens a connection. The context bounds the TCP dial.
func (d *AMQPDialer) Dial(ctx context.Context, url string) (Connection, error) {
	props := amqp.NewConnectionProperties()
	if d.ConnectionName != "" {
		props.SetClientConnectionName(d.ConnectionName)
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  d.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: d.DialTimeout}
			return dialer.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

// amqpConnection adapts *amqp.Connection, whose Channel method returns the concrete type
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// Address returns host:port of an AMQP URL, for reachability checks
func Address(url string) (string, error) {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "", fmt.Errorf("failed to parse broker URL: %w", err)
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)), nil
}
