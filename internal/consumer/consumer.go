package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/deliveryhero/asya/asya-notifier/internal/broker"
)

// ChannelProvider hands out the currently active channel.
// It returns broker.ErrNotConnected when there is none.
type ChannelProvider interface {
	Channel() (broker.Channel, error)
}

// Consumer subscribes to a RabbitMQ queue and resolves every delivery through a Processor
type Consumer struct {
	provider  ChannelProvider
	processor *Processor
	queue     string
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func New(provider ChannelProvider, processor *Processor, queue string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		provider:  provider,
		processor: processor,
		queue:     queue,
		logger:    logger,
	}
}

// StartConsuming registers a consumer on the active channel and processes deliveries
// in a background goroutine until the channel closes. Call it again after a reconnect.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	ch, err := c.provider.Channel()
	if err != nil {
		return fmt.Errorf("failed to start consuming from %s: %w", c.queue, err)
	}

	tag := "asya-notifier-" + uuid.NewString()
	deliveries, err := ch.Consume(
		c.queue, // queue
		tag,     // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer on %s: %w", c.queue, err)
	}

	c.logger.Info("Consuming messages", "queue", c.queue, "consumer_tag", tag)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range deliveries {
			c.handle(ctx, d)
		}
		c.logger.Info("Delivery channel closed", "queue", c.queue, "consumer_tag", tag)
	}()

	return nil
}

// Wait blocks until every delivery loop started by StartConsuming has returned
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	id := d.MessageId
	if id == "" {
		id = uuid.NewString()
	}

	env := NewEnvelope(Message{ID: id, Body: d.Body}, deliveryAck{d: d})

	// An in-flight message finishes even when shutdown has begun
	decision := c.processor.Process(context.WithoutCancel(ctx), env.Message)
	wait(ctx, decision.Backoff)

	if err := env.Resolve(decision); err != nil {
		c.logger.Error("Failed to resolve message",
			"message_id", id,
			"delivery_tag", d.DeliveryTag,
			"action", decision.Action.String(),
			"error", err)
		return
	}

	c.logger.Debug("Message resolved",
		"message_id", id,
		"delivery_tag", d.DeliveryTag,
		"redelivered", d.Redelivered,
		"action", decision.Action.String(),
		"reason", decision.Reason)
}

type deliveryAck struct {
	d amqp.Delivery
}

func (a deliveryAck) Ack() error {
	return a.d.Ack(false)
}

func (a deliveryAck) Reject(requeue bool) error {
	return a.d.Reject(requeue)
}
