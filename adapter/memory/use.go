package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmq"
)

// Use builds a Bus over the in-memory transport.
//
// Example:
//
//	bus := memory.Use(memory.Config{
//	    Partitions:  4,
//	    Concurrency: 8,
//	},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) *xmq.Bus {
	bb := xmq.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return bus
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	m := map[string]any{
		"partitions":       c.Partitions,
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"time_scale":       c.TimeScale,
		"check_interval":   c.CheckInterval,
		"max_checks":       c.MaxChecks,
	}
	if c.Logger != nil {
		m["logger"] = c.Logger
	}
	return m
}

// Option configures the xmq.Bus when calling Use.
type Option func(*xmq.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmq.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xmq.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xmq.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xmq.Middleware) Option {
	return func(b *xmq.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xmq.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmq.Observer) Option {
	return func(b *xmq.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xmq.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
