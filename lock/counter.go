package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is a distributed int64. A missing key reads as 0.
type Counter struct {
	client redis.UniversalClient
	key    string
}

// AtomicCounter returns the counter stored under key.
func (m *Manager) AtomicCounter(key string) *Counter {
	return &Counter{client: m.client, key: m.key(key)}
}

// AtomicCounterExpireAt returns the counter under key, created at 0 when
// missing, expiring at at.
func (m *Manager) AtomicCounterExpireAt(ctx context.Context, key string, at time.Time) (*Counter, error) {
	c := m.AtomicCounter(key)
	if _, err := c.Add(ctx, 0); err != nil {
		return nil, err
	}
	if err := c.ExpireAt(ctx, at); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Counter) Get(ctx context.Context) (int64, error) {
	n, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock: counter get: %w", err)
	}
	return n, nil
}

func (c *Counter) Set(ctx context.Context, v int64) error {
	if err := c.client.Set(ctx, c.key, v, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("lock: counter set: %w", err)
	}
	return nil
}

// Add adds delta and returns the new value.
func (c *Counter) Add(ctx context.Context, delta int64) (int64, error) {
	n, err := c.client.IncrBy(ctx, c.key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("lock: counter add: %w", err)
	}
	return n, nil
}

func (c *Counter) Incr(ctx context.Context) (int64, error) { return c.Add(ctx, 1) }
func (c *Counter) Decr(ctx context.Context) (int64, error) { return c.Add(ctx, -1) }

// CompareAndSet writes update only if the current value equals expected.
func (c *Counter) CompareAndSet(ctx context.Context, expected, update int64) (bool, error) {
	n, err := compareAndSetScript.Run(ctx, c.client, []string{c.key}, expected, update).Int()
	if err != nil {
		return false, fmt.Errorf("lock: counter cas: %w", err)
	}
	return n == 1, nil
}

// ExpireAt sets an absolute expiry. It is a no-op on a missing key.
func (c *Counter) ExpireAt(ctx context.Context, at time.Time) error {
	return expireAt(ctx, c.client, c.key, at)
}

func (c *Counter) Delete(ctx context.Context) error {
	return del(ctx, c.client, c.key)
}

func expireAt(ctx context.Context, client redis.UniversalClient, key string, at time.Time) error {
	if err := client.PExpireAt(ctx, key, at).Err(); err != nil {
		return fmt.Errorf("lock: expire %q: %w", key, err)
	}
	return nil
}

func del(ctx context.Context, client redis.UniversalClient, key string) error {
	if err := client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("lock: delete %q: %w", key, err)
	}
	return nil
}
