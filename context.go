package xmq

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xmq (prevents collisions).
type ctxKey string

const (
	codecCtxKey    ctxKey = "xmq:codec"
	loggerCtxKey   ctxKey = "xmq:logger"
	clockCtxKey    ctxKey = "xmq:clock"
	deliveryCtxKey ctxKey = "xmq:delivery"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves the Codec the bus injected for handlers.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(codecCtxKey).(Codec)
	return c, ok && c != nil
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the bus logger injected for handlers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger)
	return l, ok && l != nil
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext retrieves the bus clock injected for handlers.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c, ok := ctx.Value(clockCtxKey).(xclock.Clock)
	return c, ok && c != nil
}

// DeliveryInfo describes the subscription a handler runs under.
type DeliveryInfo struct {
	Topic string
	Group string
}

func injectDelivery(ctx context.Context, info DeliveryInfo) context.Context {
	return context.WithValue(ctx, deliveryCtxKey, info)
}

// DeliveryFromContext reports the topic and group of the current delivery.
func DeliveryFromContext(ctx context.Context) (DeliveryInfo, bool) {
	info, ok := ctx.Value(deliveryCtxKey).(DeliveryInfo)
	return info, ok
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
