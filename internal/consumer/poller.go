package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/deliveryhero/asya/asya-notifier/internal/broker"
	"github.com/deliveryhero/asya/asya-notifier/internal/transport"
)

// PollerConfig bounds how long the poller tolerates a failing transport
type PollerConfig struct {
	MaxFailures int
	RetryDelay  time.Duration
}

// Poller pulls messages from a transport.Transport one at a time
type Poller struct {
	transport transport.Transport
	processor *Processor
	queue     string
	cfg       PollerConfig
	logger    *slog.Logger
}

func NewPoller(t transport.Transport, processor *Processor, queue string, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		transport: t,
		processor: processor,
		queue:     queue,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run receives until ctx is cancelled (returns nil) or MaxFailures consecutive
// receive errors occur (returns *broker.FatalError).
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Polling for messages", "queue", p.queue)

	failures := 0
	for {
		if ctx.Err() != nil {
			p.logger.Info("Polling stopped", "queue", p.queue)
			return nil
		}

		msg, err := p.transport.Receive(ctx, p.queue)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Polling stopped", "queue", p.queue)
				return nil
			}

			failures++
			if failures >= p.cfg.MaxFailures {
				return &broker.FatalError{Attempts: failures, Cause: err}
			}

			p.logger.Warn("Failed to receive message",
				"queue", p.queue,
				"attempt", failures,
				"max_attempts", p.cfg.MaxFailures,
				"error", err)

			if !wait(ctx, p.cfg.RetryDelay) {
				return nil
			}
			continue
		}

		failures = 0
		p.handle(ctx, msg)
	}
}

func (p *Poller) handle(ctx context.Context, msg transport.QueueMessage) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	ackCtx := context.WithoutCancel(ctx)
	env := NewEnvelope(Message{ID: id, Body: msg.Body}, &queueAck{ctx: ackCtx, transport: p.transport, msg: msg})

	decision := p.processor.Process(ackCtx, env.Message)
	wait(ctx, decision.Backoff)
	if err := env.Resolve(decision); err != nil {
		p.logger.Error("Failed to resolve message",
			"message_id", id,
			"action", decision.Action.String(),
			"error", err)
		return
	}

	p.logger.Debug("Message resolved",
		"message_id", id,
		"action", decision.Action.String(),
		"reason", decision.Reason)
}

// queueAck maps envelope resolution onto a pull transport: reject without requeue is a delete
type queueAck struct {
	ctx       context.Context
	transport transport.Transport
	msg       transport.QueueMessage
}

func (a *queueAck) Ack() error {
	return a.transport.Ack(a.ctx, a.msg)
}

func (a *queueAck) Reject(requeue bool) error {
	if requeue {
		return a.transport.Nack(a.ctx, a.msg)
	}
	return a.transport.Ack(a.ctx, a.msg)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
