package redisstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmq"
)

// KEYS[1] lease; ARGV[1] holder; ARGV[2] ttl ms. Returns 1 while still held.
var renewLeaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] lease; ARGV[1] holder.
var releaseLeaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

func (t *Transport) leaseKey(topic, group string, partition int) string {
	return t.cfg.Prefix + keyLease + t.streamKey(topic, partition) + ":" + group
}

// orderlyLoop consumes one partition strictly in sequence while this consumer
// holds the partition lease. A message that was not acked is handed out
// again after RedeliveryDelay before anything behind it.
func (t *Transport) orderlyLoop(ctx context.Context, topic, group string, partition int, stream string, handler func(xmq.Delivery)) {
	lease := t.leaseKey(topic, group, partition)
	ttl := t.cfg.OrderlyLease
	held := false
	defer func() {
		if held {
			_ = releaseLeaseScript.Run(context.Background(), t.client, []string{lease}, t.cfg.Consumer).Err()
		}
	}()

	for ctx.Err() == nil {
		if !held {
			ok, err := t.client.SetNX(ctx, lease, t.cfg.Consumer, ttl).Result()
			if err != nil || !ok {
				if !sleep(ctx, ttl/3) {
					return
				}
				continue
			}
			held = true
			// entries a previous holder left pending come first
			t.claimAll(ctx, stream, group)
		} else {
			n, err := renewLeaseScript.Run(ctx, t.client, []string{lease}, t.cfg.Consumer, ttl.Milliseconds()).Int()
			if err != nil || n == 0 {
				held = false
				continue
			}
		}

		d, err := t.readNext(ctx, stream, group, min(t.cfg.Block, ttl/3))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.consumeErrors.Add(1)
			t.logger.Warn().Str("stream", stream).Err(err).Msg("redisstream: orderly read failed")
			if !sleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		if d == nil {
			continue
		}

		t.metrics.consumed.Add(1)
		handler(d)
		if !d.acked && !sleep(ctx, t.cfg.RedeliveryDelay) {
			return
		}
	}
}

// readNext returns this consumer's oldest pending entry of stream, or else
// the next new one. The result is nil when nothing arrived within block.
func (t *Transport) readNext(ctx context.Context, stream, group string, block time.Duration) (*delivery, error) {
	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{stream, "0"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if entry, ok := first(res); ok {
		if entry.Values == nil {
			// deleted while pending
			_ = t.client.XAck(ctx, stream, group, entry.ID).Err()
			return nil, nil
		}
		return t.orderlyDelivery(ctx, stream, group, entry), nil
	}

	res, err = t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entry, ok := first(res); ok {
		d := t.orderlyDelivery(ctx, stream, group, entry)
		d.msg.Attempt = 1
		return d, nil
	}
	return nil, nil
}

func (t *Transport) orderlyDelivery(ctx context.Context, stream, group string, entry redis.XMessage) *delivery {
	d := &delivery{
		t:       t,
		stream:  stream,
		group:   group,
		id:      entry.ID,
		msg:     decodeMessage(entry.Values),
		orderly: true,
		onceAck: &sync.Once{},
	}
	d.msg.Attempt = t.deliveryCount(ctx, stream, group, entry.ID)
	return d
}

func (t *Transport) deliveryCount(ctx context.Context, stream, group, id string) int {
	p, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(p) == 0 {
		return 1
	}
	return int(max(p[0].RetryCount, 1))
}

// claimAll moves every pending entry of stream to this consumer.
func (t *Transport) claimAll(ctx context.Context, stream, group string) {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(max(1, t.cfg.ClaimBatch)),
	}).Result()
	if err != nil {
		return
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Consumer != t.cfg.Consumer {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := t.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: t.cfg.Consumer,
		Messages: ids,
	}).Err(); err == nil {
		t.metrics.claimed.Add(uint64(len(ids)))
	}
}

func first(res []redis.XStream) (redis.XMessage, bool) {
	for _, s := range res {
		if len(s.Messages) > 0 {
			return s.Messages[0], true
		}
	}
	return redis.XMessage{}, false
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
