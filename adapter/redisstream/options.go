package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmq"
)

// Option configures the xmq.Bus construction when calling Use.
type Option func(*xmq.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmq.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xmq.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xmq.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xmq.Middleware) Option {
	return func(b *xmq.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xmq.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmq.Observer) Option {
	return func(b *xmq.BusBuilder) { b.WithObserver(obs...) }
}
