package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newManager returns a manager backed by an in-process Redis.
func newManager(t *testing.T, opts ...Option) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts = append([]Option{WithRetryInterval(5 * time.Millisecond)}, opts...)
	return NewManager(client, opts...), mr
}

func TestTryLock_ZeroWaitOnHeldKeyReturnsImmediately(t *testing.T) {
	m, _ := newManager(t)
	a := ContextWithOwner(context.Background(), "a")
	b := ContextWithOwner(context.Background(), "b")

	ok, err := m.TryLock(a, "order-1", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	ok, err = m.TryLock(b, "order-1", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestTryLock_WaitTimesOut(t *testing.T) {
	m, _ := newManager(t)
	a := ContextWithOwner(context.Background(), "a")
	b := ContextWithOwner(context.Background(), "b")

	_, err := m.Lock(a, "k")
	require.NoError(t, err)

	start := time.Now()
	ok, err := m.TryLock(b, "k", 40*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTryLock_AcquiresAfterRelease(t *testing.T) {
	m, _ := newManager(t)
	a := ContextWithOwner(context.Background(), "a")
	b := ContextWithOwner(context.Background(), "b")

	h, err := m.Lock(a, "k")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = h.Unlock(context.Background())
	}()

	ok, err := m.TryLock(b, "k", time.Second, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	held, err := m.HeldByOwner(b, "k")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestTryLock_CancelledWaitIsInterrupted(t *testing.T) {
	m, _ := newManager(t)
	a := ContextWithOwner(context.Background(), "a")

	_, err := m.Lock(a, "k")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ContextWithOwner(context.Background(), "b"))
	time.AfterFunc(20*time.Millisecond, cancel)

	ok, err := m.TryLock(ctx, "k", time.Minute, time.Minute)
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrInterruptedWait)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Error(t, ctx.Err())
}

func TestTryLock_CancelledContextIsInterrupted(t *testing.T) {
	m, _ := newManager(t)
	ctx, cancel := context.WithCancel(ContextWithOwner(context.Background(), "a"))
	cancel()

	for _, wait := range []time.Duration{0, time.Second} {
		ok, err := m.TryLock(ctx, "k", wait, time.Minute)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrInterruptedWait, "wait=%v", wait)
		assert.ErrorIs(t, err, context.Canceled, "wait=%v", wait)
	}

	held, err := m.IsLocked(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLock_IsReentrantPerOwner(t *testing.T) {
	m, _ := newManager(t)
	a := ContextWithOwner(context.Background(), "a")

	_, err := m.Lock(a, "k")
	require.NoError(t, err)
	_, err = m.Lock(a, "k")
	require.NoError(t, err)

	n, err := m.HoldCount(a, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.Unlock(a, "k"))
	locked, err := m.IsLocked(a, "k")
	require.NoError(t, err)
	assert.True(t, locked, "one hold left")

	require.NoError(t, m.Unlock(a, "k"))
	locked, err = m.IsLocked(a, "k")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestUnlock_ByNonOwnerFails(t *testing.T) {
	m, _ := newManager(t)
	a := ContextWithOwner(context.Background(), "a")
	b := ContextWithOwner(context.Background(), "b")

	_, err := m.Lock(a, "k")
	require.NoError(t, err)

	err = m.Unlock(b, "k")
	assert.True(t, errors.Is(err, ErrNotOwner))

	locked, err := m.IsLocked(a, "k")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestLockFor_LeaseExpires(t *testing.T) {
	m, mr := newManager(t)
	a := ContextWithOwner(context.Background(), "a")
	b := ContextWithOwner(context.Background(), "b")

	h, err := m.LockFor(a, "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "k", h.Key())

	mr.FastForward(2 * time.Second)

	ok, err := m.TryLock(b, "k", 0, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, h.Unlock(context.Background()), ErrNotOwner)
}

func TestLock_WithoutLeaseHasNoTTL(t *testing.T) {
	m, mr := newManager(t)
	_, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)
	assert.Zero(t, mr.TTL("lock:k"))
	assert.True(t, mr.Exists("lock:k"))
}

func TestForceUnlock(t *testing.T) {
	m, _ := newManager(t)
	a := ContextWithOwner(context.Background(), "a")

	_, err := m.Lock(a, "k")
	require.NoError(t, err)

	ok, err := m.ForceUnlock(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ForceUnlock(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrefix_NamespacesKeys(t *testing.T) {
	m, mr := newManager(t, WithPrefix("app:"))
	_, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, mr.Exists("app:k"))
}

func TestTryLock_ConcurrentOwnersSingleWinner(t *testing.T) {
	m, _ := newManager(t)

	const n = 16
	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := ContextWithOwner(context.Background(), string(rune('a'+i)))
			ok, err := m.TryLock(ctx, "race", 0, time.Minute)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTryAcquire_ReturnsNilHandleWhenHeld(t *testing.T) {
	m, _ := newManager(t)
	a := ContextWithOwner(context.Background(), "a")
	b := ContextWithOwner(context.Background(), "b")

	h, err := m.TryAcquire(a, "k", 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, h)

	h2, err := m.TryAcquire(b, "k", 0, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, h2)

	require.NoError(t, h.Unlock(b), "handle releases for its own owner")
}
