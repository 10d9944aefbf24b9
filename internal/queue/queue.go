package queue

import (
	"context"
	"errors"
	"time"

	"genjobs/internal/domain"
)

// ErrClosed is returned by Receive once the queue is shut down.
var ErrClosed = errors.New("queue closed")

// Delivery is one at-least-once handoff of a message to a consumer. The
// message stays invisible to other consumers until the visibility timeout
// elapses; acknowledging removes it for good, a negative acknowledgement
// makes it eligible for redelivery (or dead-letters it once the delivery
// count reaches the configured maximum).
type Delivery interface {
	Message() domain.Message

	// DeliveryCount is the number of times this message has been handed
	// to a consumer, including the current delivery.
	DeliveryCount() int

	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// Queue is an at-least-once delivery queue with a per-message visibility
// timeout and a dead-letter queue. The visibility timeout must exceed the
// worst-case processing time or a message will be redelivered to a second
// consumer while the first is still working on it.
type Queue interface {
	Enqueue(ctx context.Context, msg domain.Message) error

	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)

	// DeadLetters returns up to limit messages parked on the dead-letter
	// queue for operator inspection, without consuming them.
	DeadLetters(ctx context.Context, limit int) ([]domain.Message, error)
}

// Options are the two delivery knobs every driver must expose.
type Options struct {
	Name              string
	VisibilityTimeout time.Duration
	MaxDeliveries     int
}
