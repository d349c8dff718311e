package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue mirrors the Redis queue's delivery semantics in process memory:
// at-least-once, per-attempt backoff, dead-lettering after MaxAttempts. It
// backs unit tests and single-binary development setups.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   chan Delivery
	done    chan struct{}
	dead    []Delivery
	closed  bool
	seq     int
	baseDly time.Duration
	timers  sync.WaitGroup
}

// NewMemoryQueue returns an in-process queue buffering up to 256 pending
// deliveries.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:   make(chan Delivery, 256),
		done:    make(chan struct{}),
		baseDly: retryBaseDelay,
	}
}

// SetRetryBaseDelay overrides the first-retry delay. Tests use a short delay
// so redeliveries happen within the test timeout.
func (q *MemoryQueue) SetRetryBaseDelay(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.baseDly = d
}

// Produce enqueues a first-attempt delivery.
func (q *MemoryQueue) Produce(ctx context.Context, payload []byte) error {
	return q.add(ctx, payload, 1)
}

func (q *MemoryQueue) add(ctx context.Context, payload []byte, attempt int) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	d := Delivery{ID: strconv.Itoa(q.seq), Payload: payload, Attempt: attempt}
	q.mu.Unlock()

	select {
	case q.ready <- d:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume hands deliveries to the handler until the context ends or the
// queue is closed.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrClosed
		case d := <-q.ready:
			if err := handler(ctx, d); err != nil {
				q.redeliver(ctx, d)
			}
		}
	}
}

func (q *MemoryQueue) redeliver(ctx context.Context, d Delivery) {
	if d.Attempt >= MaxAttempts {
		q.mu.Lock()
		q.dead = append(q.dead, d)
		q.mu.Unlock()
		return
	}
	q.mu.Lock()
	delay := q.baseDly << (d.Attempt - 1)
	q.mu.Unlock()

	q.timers.Add(1)
	go func() {
		defer q.timers.Done()
		select {
		case <-time.After(delay):
			_ = q.add(ctx, d.Payload, d.Attempt+1)
		case <-ctx.Done():
		}
	}()
}

// DeadLetters returns a snapshot of permanently failed deliveries.
func (q *MemoryQueue) DeadLetters() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Delivery, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close rejects further produces, unblocks consumers with ErrClosed, and
// waits for pending retry timers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.timers.Wait()
	return nil
}
