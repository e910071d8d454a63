package lifecycle

import (
	"context"
	"sync"
	"time"
)

// TickerWorkerOption configures AddTickerWorker.
type TickerWorkerOption func(*tickerWorkerConfig)

type tickerWorkerConfig struct {
	name      string
	immediate bool
}

// WithTickerWorkerName labels the worker for logging/diagnostics.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(c *tickerWorkerConfig) { c.name = name }
}

// WithTickerWorkerImmediate runs the callback once immediately before the
// first tick, instead of waiting a full interval.
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(c *tickerWorkerConfig) { c.immediate = true }
}

// BaseService is an embeddable helper giving concrete services a stop
// channel, idempotent shutdown, and ticker/background worker helpers
// without repeating the boilerplate in every Start implementation.
type BaseService struct {
	name     string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBaseService returns a BaseService ready to register workers on.
func NewBaseService(name string) *BaseService {
	return &BaseService{name: name, stopCh: make(chan struct{})}
}

// Name returns the service name.
func (b *BaseService) Name() string { return b.name }

// StopChan returns the channel closed when Stop is first called, for
// workers that need to select on it directly.
func (b *BaseService) StopChan() <-chan struct{} { return b.stopCh }

// AddWorker launches fn in its own goroutine; fn must return promptly
// after StopChan() closes.
func (b *BaseService) AddWorker(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-b.stopCh
			cancel()
		}()
		fn(ctx)
	}()
}

// AddTickerWorker launches fn on a fixed interval until Stop is called.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(ctx context.Context), opts ...TickerWorkerOption) {
	cfg := &tickerWorkerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	b.AddWorker(func(ctx context.Context) {
		if cfg.immediate {
			fn(ctx)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// Stop closes the stop channel exactly once and waits for all registered
// workers to return.
func (b *BaseService) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
