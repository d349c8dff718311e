package queue

import (
	"context"
	"errors"
	"time"
)

// MaxAttempts is the delivery cap per job. A job failing its third attempt
// moves to the dead-letter stream and is never auto-redelivered.
const MaxAttempts = 3

// retryBaseDelay is the delay before the first redelivery; it doubles per
// subsequent attempt.
const retryBaseDelay = 5 * time.Second

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Delivery is one handed-out message. Attempt is 1-based.
type Delivery struct {
	ID      string
	Payload []byte
	Attempt int
}

// Handler processes a delivery. A nil return acknowledges the message; an
// error nacks it and the queue schedules a redelivery or dead-letters it.
type Handler func(ctx context.Context, d Delivery) error

// Producer enqueues messages onto a topic.
type Producer interface {
	Produce(ctx context.Context, payload []byte) error
}

// Consumer hands deliveries to a handler until the context ends.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Queue is a durable, at-least-once, multi-producer/multi-consumer topic.
type Queue interface {
	Producer
	Consumer
	Close() error
}

// RetryDelay returns the backoff before redelivering a message that failed
// the given attempt: 5s after the first failure, doubling per attempt.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return retryBaseDelay << (attempt - 1)
}
