// Package lock provides distributed locks and coordination primitives backed
// by Redis.
//
// Locks are re-entrant per owner. The owner of an operation is the id stored
// in its context with ContextWithOwner, or the manager's own id when the
// context carries none. A lock taken without a lease never expires: a caller
// that dies while holding it blocks every other owner until ForceUnlock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"
)

const (
	DefaultPrefix        = "lock:"
	DefaultRetryInterval = 50 * time.Millisecond
)

// Manager is the entry point to the lock service.
type Manager struct {
	client redis.UniversalClient
	prefix string
	retry  time.Duration
	owner  string
	logger *xlog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix namespaces every key the manager touches.
func WithPrefix(p string) Option {
	return func(m *Manager) { m.prefix = p }
}

// WithRetryInterval sets how often a waiting acquire polls Redis.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retry = d
		}
	}
}

// WithOwner sets the owner used for contexts without ContextWithOwner.
func WithOwner(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.owner = id
		}
	}
}

func WithLogger(l *xlog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager wraps client. The manager never closes the client.
func NewManager(client redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		prefix: DefaultPrefix,
		retry:  DefaultRetryInterval,
		owner:  uuid.NewString(),
		logger: xlog.Default(),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// Client returns the underlying Redis client.
func (m *Manager) Client() redis.UniversalClient { return m.client }

func (m *Manager) key(k string) string { return m.prefix + k }

func (m *Manager) ownerOf(ctx context.Context) string {
	if id, ok := OwnerFromContext(ctx); ok {
		return id
	}
	return m.owner
}

// Handle is a held lock. Unlock releases one hold on behalf of the owner that
// acquired it, whatever context it is called with.
type Handle struct {
	m     *Manager
	key   string
	owner string
}

// Key returns the unprefixed lock key.
func (h *Handle) Key() string { return h.key }

func (h *Handle) Unlock(ctx context.Context) error {
	return h.m.release(ctx, h.key, h.owner)
}

func (m *Manager) acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, m.client, []string{m.key(key)}, lease.Milliseconds(), owner).Int()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	return n == 1, nil
}

// wait polls until acquired, the deadline passes (zero deadline: never) or ctx
// is done.
func (m *Manager) wait(ctx context.Context, key, owner string, lease time.Duration, deadline time.Time) (bool, error) {
	for {
		ok, err := m.acquire(ctx, key, owner, lease)
		if err != nil && ctx.Err() == nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, fmt.Errorf("%w: %w", ErrInterruptedWait, ctx.Err())
		}

		pause := m.retry
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return false, nil
			}
			pause = min(pause, left)
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, fmt.Errorf("%w: %w", ErrInterruptedWait, ctx.Err())
		case <-t.C:
		}
	}
}

// Lock blocks until key is held. The hold has no expiry.
func (m *Manager) Lock(ctx context.Context, key string) (*Handle, error) {
	return m.LockFor(ctx, key, 0)
}

// LockFor blocks until key is held. The hold expires after lease unless
// released first; lease <= 0 means no expiry.
func (m *Manager) LockFor(ctx context.Context, key string, lease time.Duration) (*Handle, error) {
	owner := m.ownerOf(ctx)
	if _, err := m.wait(ctx, key, owner, max(lease, 0), time.Time{}); err != nil {
		return nil, err
	}
	return &Handle{m: m, key: key, owner: owner}, nil
}

// TryLock attempts to take key, waiting at most wait. wait <= 0 makes a single
// attempt. It reports false with a nil error when the wait elapsed, and false
// with ErrInterruptedWait when ctx is done, whether or not it waited.
func (m *Manager) TryLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	owner := m.ownerOf(ctx)
	lease = max(lease, 0)
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInterruptedWait, err)
	}
	if wait <= 0 {
		ok, err := m.acquire(ctx, key, owner, lease)
		if err != nil && ctx.Err() != nil {
			return false, fmt.Errorf("%w: %w", ErrInterruptedWait, ctx.Err())
		}
		return ok, err
	}
	return m.wait(ctx, key, owner, lease, time.Now().Add(wait))
}

// TryAcquire is TryLock returning a Handle; the handle is nil when not acquired.
func (m *Manager) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	ok, err := m.TryLock(ctx, key, wait, lease)
	if err != nil || !ok {
		return nil, err
	}
	return &Handle{m: m, key: key, owner: m.ownerOf(ctx)}, nil
}

// Unlock releases one hold of key owned by the context's owner. It returns
// ErrNotOwner when that owner holds nothing, including after lease expiry.
func (m *Manager) Unlock(ctx context.Context, key string) error {
	return m.release(ctx, key, m.ownerOf(ctx))
}

func (m *Manager) release(ctx context.Context, key, owner string) error {
	n, err := releaseScript.Run(ctx, m.client, []string{m.key(key)}, owner).Int()
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", key, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %q", ErrNotOwner, key)
	}
	return nil
}

// ForceUnlock deletes key regardless of owner and reports whether it was held.
func (m *Manager) ForceUnlock(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Del(ctx, m.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("lock: force unlock %q: %w", key, err)
	}
	if n > 0 {
		m.logger.Warn().Str("key", key).Msg("lock: force unlocked")
	}
	return n > 0, nil
}

// IsLocked reports whether any owner holds key.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, m.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("lock: exists %q: %w", key, err)
	}
	return n > 0, nil
}

// HeldByOwner reports whether the context's owner holds key.
func (m *Manager) HeldByOwner(ctx context.Context, key string) (bool, error) {
	ok, err := m.client.HExists(ctx, m.key(key), m.ownerOf(ctx)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lock: hexists %q: %w", key, err)
	}
	return ok, nil
}

// HoldCount returns how many times the context's owner re-entered key.
func (m *Manager) HoldCount(ctx context.Context, key string) (int, error) {
	n, err := m.client.HGet(ctx, m.key(key), m.ownerOf(ctx)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock: hget %q: %w", key, err)
	}
	return n, nil
}
