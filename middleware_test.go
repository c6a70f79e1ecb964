package xmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryMiddleware_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})(func(context.Context, *Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, h(context.Background(), &Message{Key: "k"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryMiddleware_StopsOnDecodeError(t *testing.T) {
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{MaxAttempts: 5})(func(context.Context, *Message) error {
		calls.Add(1)
		return ErrDecode
	})

	assert.ErrorIs(t, h(context.Background(), &Message{}), ErrDecode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryMiddleware_GivesUp(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	h := RetryMiddleware(RetryConfig{MaxAttempts: 2, Jitter: time.Millisecond})(func(context.Context, *Message) error {
		calls.Add(1)
		return boom
	})

	assert.ErrorIs(t, h(context.Background(), &Message{}), boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTimeoutMiddleware(t *testing.T) {
	h := TimeoutMiddleware(10 * time.Millisecond)(func(ctx context.Context, _ *Message) error {
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, h(context.Background(), &Message{}), context.DeadlineExceeded)

	fast := TimeoutMiddleware(time.Second)(func(context.Context, *Message) error { return nil })
	assert.NoError(t, fast(context.Background(), &Message{}))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Message) error { panic("boom") })
	assert.ErrorIs(t, h(context.Background(), &Message{Key: "k"}), ErrHandlerPanic)
}

func TestChain_Order(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg *Message) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(context.Context, *Message) error {
		order = append(order, "handler")
		return nil
	}, mark("outer"), nil, mark("inner"))

	require.NoError(t, h(context.Background(), &Message{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestObserverPool_DeliversAndDrops(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)

	release := make(chan struct{})
	var seen atomic.Int32
	slow := ObserverFunc(func(Event) {
		<-release
		seen.Add(1)
	})

	for range 10 {
		pool.Notify(Event{Type: Ack}, []Observer{slow})
	}
	close(release)

	require.NoError(t, pool.Close(time.Second))
	assert.Positive(t, seen.Load())
	assert.Positive(t, pool.Stats().Dropped)
}

func TestContextAccessors(t *testing.T) {
	ctx := InjectAll(context.Background(), JSONCodec{}, nil, nil)
	c, ok := CodecFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())

	_, ok = LoggerFromContext(ctx)
	assert.False(t, ok)

	ctx = injectDelivery(ctx, DeliveryInfo{Topic: "orders", Group: "g"})
	info, ok := DeliveryFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "g", info.Group)
}
