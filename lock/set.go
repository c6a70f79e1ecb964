package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Set is a distributed set of strings.
type Set struct {
	client redis.UniversalClient
	key    string
}

// Set returns the set stored under key.
func (m *Manager) Set(key string) *Set {
	return &Set{client: m.client, key: m.key(key)}
}

// SetExpireAt returns the set under key and applies at as its expiry. An
// empty set does not exist in Redis, so the expiry applies once members are
// present; members are added atomically with Set.AddExpireAt.
func (m *Manager) SetExpireAt(ctx context.Context, key string, at time.Time) (*Set, error) {
	s := m.Set(key)
	if err := s.ExpireAt(ctx, at); err != nil {
		return nil, err
	}
	return s, nil
}

// Add inserts members and returns how many were new.
func (s *Set) Add(ctx context.Context, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := s.client.SAdd(ctx, s.key, toAny(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("lock: set add: %w", err)
	}
	return n, nil
}

// AddExpireAt inserts members and sets the expiry in one transaction.
func (s *Set) AddExpireAt(ctx context.Context, at time.Time, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.SAdd(ctx, s.key, toAny(members)...)
		p.PExpireAt(ctx, s.key, at)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("lock: set add: %w", err)
	}
	return added.Val(), nil
}

func (s *Set) Remove(ctx context.Context, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := s.client.SRem(ctx, s.key, toAny(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("lock: set remove: %w", err)
	}
	return n, nil
}

func (s *Set) Contains(ctx context.Context, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, member).Result()
	if err != nil {
		return false, fmt.Errorf("lock: set contains: %w", err)
	}
	return ok, nil
}

func (s *Set) Members(ctx context.Context) ([]string, error) {
	out, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: set members: %w", err)
	}
	return out, nil
}

func (s *Set) Size(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("lock: set size: %w", err)
	}
	return n, nil
}

func (s *Set) ExpireAt(ctx context.Context, at time.Time) error {
	return expireAt(ctx, s.client, s.key, at)
}

func (s *Set) Delete(ctx context.Context) error {
	return del(ctx, s.client, s.key)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
