package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/deliveryhero/asya/asya-notifier/internal/metrics"
	"github.com/deliveryhero/asya/asya-notifier/internal/payload"
	"github.com/deliveryhero/asya/asya-notifier/internal/sender"
)

// Action is the terminal acknowledgment decision for one message
type Action int

const (
	// ActionAck acknowledges a delivered message
	ActionAck Action = iota + 1
	// ActionDrop acknowledges a message that will never succeed
	ActionDrop
	// ActionRequeue rejects with requeue so the broker redelivers
	ActionRequeue
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionDrop:
		return "drop"
	case ActionRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Decision pairs an action with the reason it was taken.
// A non-zero Backoff holds the message that long before it is resolved.
type Decision struct {
	Action  Action
	Reason  string
	Backoff time.Duration
}

// Message is a transport-neutral view of one delivery
type Message struct {
	ID   string
	Body []byte
}

// Validator decodes and checks a message body
type Validator interface {
	Validate(body []byte) (payload.Notification, error)
}

// Sender delivers a validated notification
type Sender interface {
	Send(ctx context.Context, n payload.Notification) sender.Outcome
}

const (
	summaryBytes = 200

	defaultUnavailableBackoff = time.Second
)

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithUnavailableBackoff sets how long a message is held before being requeued
// while the notification API is short-circuited. Non-positive values keep the default.
func WithUnavailableBackoff(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.unavailableBackoff = d
		}
	}
}

// WithTransportName sets the transport label on received-message metrics
func WithTransportName(name string) ProcessorOption {
	return func(p *Processor) {
		p.transport = name
	}
}

// Processor drives one message through validation and delivery to a Decision
type Processor struct {
	validator Validator
	sender    Sender
	queue     string
	transport string
	metrics   *metrics.Metrics
	logger    *slog.Logger

	unavailableBackoff time.Duration
}

func NewProcessor(v Validator, s Sender, queue string, opts ...ProcessorOption) *Processor {
	p := &Processor{
		validator: v,
		sender:    s,
		queue:     queue,
		transport: "rabbitmq",
		logger:    slog.Default(),

		unavailableBackoff: defaultUnavailableBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process always returns a decision. A panic anywhere below is turned into a requeue.
func (p *Processor) Process(ctx context.Context, msg Message) (decision Decision) {
	start := time.Now()
	logger := p.logger.With("message_id", msg.ID, "queue", p.queue)

	p.metrics.RecordMessageReceived(p.queue, p.transport)
	p.metrics.RecordMessageSize("received", len(msg.Body))
	p.metrics.IncrementActiveMessages()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing message, requeueing",
				"panic", r,
				"body", summarize(msg.Body))
			p.metrics.RecordMessageFailed(p.queue, "panic")
			decision = Decision{Action: ActionRequeue, Reason: fmt.Sprintf("panic: %v", r)}
		}
		p.metrics.DecrementActiveMessages()
		p.metrics.RecordProcessingDuration(p.queue, time.Since(start))
		p.metrics.RecordMessageProcessed(p.queue, decision.Action.String())
	}()

	n, err := p.validator.Validate(msg.Body)
	if err != nil {
		return p.rejectPayload(logger, msg, err)
	}

	logger.Debug("Sending notification", "summary", n.Summary(), "recipients", len(n.Numbers))

	sendStart := time.Now()
	outcome := p.sender.Send(ctx, n)
	p.metrics.RecordSenderDuration(p.queue, time.Since(sendStart))

	switch outcome.Kind {
	case sender.Delivered:
		logger.Info("Notification delivered",
			"status", outcome.StatusCode,
			"recipients", len(n.Numbers),
			"summary", n.Summary(),
			"response", summarize(outcome.Response))
		return Decision{Action: ActionAck, Reason: "delivered"}

	case sender.Rejected:
		logger.Warn("Notification rejected by API, dropping message",
			"status", outcome.StatusCode,
			"detail", outcome.Detail,
			"summary", n.Summary())
		p.metrics.RecordSenderError(p.queue, "rejected")
		p.metrics.RecordMessageFailed(p.queue, "rejected")
		return Decision{Action: ActionDrop, Reason: fmt.Sprintf("rejected with status %d: %s", outcome.StatusCode, outcome.Detail)}

	default:
		if errors.Is(outcome.Err, sender.ErrUnavailable) {
			logger.Warn("Notification API unavailable, holding message before requeue",
				"backoff", p.unavailableBackoff,
				"summary", n.Summary())
			p.metrics.RecordSenderError(p.queue, "unavailable")
			p.metrics.RecordMessageFailed(p.queue, "transport_failure")
			return Decision{Action: ActionRequeue, Reason: outcome.Err.Error(), Backoff: p.unavailableBackoff}
		}

		logger.Warn("Notification delivery failed, requeueing",
			"status", outcome.StatusCode,
			"error", outcome.Err,
			"summary", n.Summary())
		p.metrics.RecordSenderError(p.queue, "transport_failure")
		p.metrics.RecordMessageFailed(p.queue, "transport_failure")
		reason := "transport failure"
		if outcome.Err != nil {
			reason = fmt.Sprintf("transport failure: %v", outcome.Err)
		}
		return Decision{Action: ActionRequeue, Reason: reason}
	}
}

func (p *Processor) rejectPayload(logger *slog.Logger, msg Message, err error) Decision {
	var verr *payload.ValidationError
	switch {
	case errors.As(err, &verr):
		logger.Warn("Invalid notification payload, dropping message",
			"field", verr.Field,
			"reason", verr.Reason,
			"body", summarize(msg.Body))
		p.metrics.RecordMessageFailed(p.queue, "invalid_payload")
	case errors.Is(err, payload.ErrMalformedPayload):
		logger.Warn("Malformed message body, dropping message",
			"error", err,
			"body", summarize(msg.Body))
		p.metrics.RecordMessageFailed(p.queue, "malformed_payload")
	default:
		logger.Warn("Unreadable message body, dropping message",
			"error", err,
			"body", summarize(msg.Body))
		p.metrics.RecordMessageFailed(p.queue, "malformed_payload")
	}
	return Decision{Action: ActionDrop, Reason: err.Error()}
}

// summarize returns at most the first summaryBytes of a body, cut on a rune boundary
func summarize(body []byte) string {
	if len(body) <= summaryBytes {
		return string(body)
	}
	cut := summaryBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "..."
}
