package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Latch is a distributed count-down latch. A missing key is an open latch.
type Latch struct {
	client redis.UniversalClient
	key    string
	poll   time.Duration
}

// CountDownLatch returns the latch stored under key.
func (m *Manager) CountDownLatch(key string) *Latch {
	return &Latch{client: m.client, key: m.key(key), poll: m.retry}
}

// TrySetCount arms the latch with n if it is not already counting.
func (l *Latch) TrySetCount(ctx context.Context, n int64) (bool, error) {
	if n <= 0 {
		return false, fmt.Errorf("lock: latch count must be > 0, got %d", n)
	}
	ok, err := l.client.SetNX(ctx, l.key, n, 0).Result()
	if err != nil {
		return false, fmt.Errorf("lock: latch set: %w", err)
	}
	return ok, nil
}

// SetCount is TrySetCount returning ErrLatchAlreadySet when the latch is armed.
func (l *Latch) SetCount(ctx context.Context, n int64) error {
	ok, err := l.TrySetCount(ctx, n)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLatchAlreadySet
	}
	return nil
}

// CountDown decrements the latch and returns the remaining count.
func (l *Latch) CountDown(ctx context.Context) (int64, error) {
	n, err := countDownScript.Run(ctx, l.client, []string{l.key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("lock: latch count down: %w", err)
	}
	return n, nil
}

func (l *Latch) Count(ctx context.Context) (int64, error) {
	n, err := l.client.Get(ctx, l.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock: latch count: %w", err)
	}
	return n, nil
}

// Await blocks until the count reaches zero or ctx is done.
func (l *Latch) Await(ctx context.Context) error {
	t := time.NewTicker(l.poll)
	defer t.Stop()
	for {
		n, err := l.Count(ctx)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if err == nil && n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrInterruptedWait, ctx.Err())
		case <-t.C:
		}
	}
}

func (l *Latch) Delete(ctx context.Context) error {
	return del(ctx, l.client, l.key)
}
