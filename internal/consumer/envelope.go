package consumer

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrAlreadyResolved is returned when a message has already been acked or rejected
var ErrAlreadyResolved = errors.New("message already resolved")

// Acknowledger settles one message with the broker
type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

// Envelope guards a delivery so that it is resolved exactly once
type Envelope struct {
	Message
	ack      Acknowledger
	resolved atomic.Bool
}

func NewEnvelope(msg Message, ack Acknowledger) *Envelope {
	return &Envelope{Message: msg, ack: ack}
}

// Resolve applies the decision. Ack and Drop both acknowledge; Requeue rejects with requeue.
func (e *Envelope) Resolve(d Decision) error {
	if !e.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}

	switch d.Action {
	case ActionAck, ActionDrop:
		if err := e.ack.Ack(); err != nil {
			return fmt.Errorf("failed to ack message %s: %w", e.ID, err)
		}
	case ActionRequeue:
		if err := e.ack.Reject(true); err != nil {
			return fmt.Errorf("failed to requeue message %s: %w", e.ID, err)
		}
	default:
		// An undecided message stays in the system
		if err := e.ack.Reject(true); err != nil {
			return fmt.Errorf("failed to requeue message %s: %w", e.ID, err)
		}
	}
	return nil
}

// Resolved reports whether Resolve has been called
func (e *Envelope) Resolved() bool {
	return e.resolved.Load()
}
