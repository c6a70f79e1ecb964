package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmq"
)

// parked is a message waiting outside its stream, either in the delay set or
// as a half message.
type parked struct {
	Stream    string            `json:"stream"`
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Topic     string            `json:"topic"`
	Tag       string            `json:"tag,omitempty"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers,omitempty"`
	BornAt    int64             `json:"born_at"`
	Partition int               `json:"partition"`
}

func park(stream string, m *xmq.Message) parked {
	return parked{
		Stream:    stream,
		ID:        m.ID,
		Key:       m.Key,
		Topic:     m.Topic,
		Tag:       m.Tag,
		Body:      m.Body,
		Headers:   m.Headers,
		BornAt:    m.BornAt.UnixNano(),
		Partition: m.Partition,
	}
}

func (p parked) message() *xmq.Message {
	headers := p.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &xmq.Message{
		ID:        p.ID,
		Key:       p.Key,
		Topic:     p.Topic,
		Tag:       p.Tag,
		Body:      p.Body,
		Headers:   headers,
		BornAt:    time.Unix(0, p.BornAt),
		Partition: p.Partition,
	}
}

func (t *Transport) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * t.cfg.TimeScale)
}

// schedule parks m in the delay set, scored by its due time in ms.
func (t *Transport) schedule(ctx context.Context, stream string, m *xmq.Message, level xmq.DelayLevel) error {
	data, err := json.Marshal(park(stream, m))
	if err != nil {
		return fmt.Errorf("redisstream: encode delayed %s: %w", m.ID, err)
	}
	due := time.Now().Add(t.scaled(level.Duration()))
	if err := t.client.ZAdd(ctx, t.cfg.Prefix+keyDelay, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("redisstream: schedule %s: %w", m.ID, err)
	}
	return nil
}

func (t *Transport) delayLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.DelayPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := t.promoteDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
			t.logger.Warn().Err(err).Msg("redisstream: promoting delayed messages failed")
		}
	}
}

// promoteDue moves every delayed message due at now into its stream. ZREM
// decides the single winner when several transports poll the same set.
func (t *Transport) promoteDue(ctx context.Context, now time.Time) (int, error) {
	key := t.cfg.Prefix + keyDelay
	due, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(max(1, t.cfg.BatchSize)),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range due {
		won, err := t.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return promoted, err
		}
		if won == 0 {
			continue
		}

		var p parked
		if err := json.Unmarshal([]byte(member), &p); err != nil {
			t.logger.Warn().Err(err).Msg("redisstream: dropping undecodable delayed message")
			continue
		}
		if err := t.client.XAdd(ctx, t.xaddArgs(p.Stream, p.message())).Err(); err != nil {
			// put it back so the next tick retries
			_ = t.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member}).Err()
			return promoted, err
		}
		promoted++
		t.metrics.promoted.Add(1)
		t.metrics.published.Add(1)
	}
	return promoted, nil
}
