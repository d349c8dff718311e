package builder

import (
	"context"
	"errors"
	"sync"

	"log/slog"

	"github.com/slipway-sh/slipway/internal/queue"
)

// Pool runs a bounded set of concurrent consumers over the build queue.
// Each slot processes at most one job at a time; the size is a capacity
// control, two builds never interact.
type Pool struct {
	consumer queue.Consumer
	handler  queue.Handler
	size     int
	logger   *slog.Logger
}

// NewPool sizes a consumer pool; size < 1 is coerced to 1.
func NewPool(consumer queue.Consumer, handler queue.Handler, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{consumer: consumer, handler: handler, size: size, logger: logger}
}

// Run blocks until the context ends and all slots have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			err := p.consumer.Consume(ctx, p.handler)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				p.logger.Error("consumer slot exited", "slot", slot, "error", err)
			}
		}(i)
	}
	wg.Wait()
}
