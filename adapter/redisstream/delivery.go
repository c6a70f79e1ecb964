package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmq"
)

// delivery implements xmq.Delivery for Redis Streams.
type delivery struct {
	t      *Transport
	stream string
	group  string
	id     string
	msg    *xmq.Message

	// orderly deliveries are retried in place by their reader
	orderly bool
	acked   bool

	// Ensures Ack/Nack happens exactly once
	onceAck *sync.Once
}

func (d *delivery) Message() *xmq.Message {
	return d.msg
}

// Ack acknowledges a message, marking it as processed.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.ack(ctx)
	})
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.stream, d.group, d.id).Err(); err != nil {
		return fmt.Errorf("redisstream: xack %s %s: %w", d.stream, d.id, err)
	}
	d.acked = true
	d.t.metrics.acked.Add(1)
	// Optionally delete from stream after ack (saves memory)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.stream, d.id).Err()
	}
	return nil
}

// Nack negative-acknowledges a message. Redis Streams has no explicit NACK:
// the entry stays pending and the claim loop (or the orderly reader) hands it
// out again. Once MaxRetries deliveries failed and a DeadLetter stream is
// configured, the entry is copied there and acked.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.onceAck.Do(func() {
		d.t.metrics.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" || d.msg.Attempt < d.t.cfg.MaxRetries {
			return
		}

		values := encodeValues(d.msg)
		values["orig_stream"] = d.stream
		values["orig_id"] = d.id
		values["error"] = fmt.Sprintf("%v", reason)
		if err = d.t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: values,
		}).Err(); err != nil {
			err = fmt.Errorf("redisstream: dead-letter %s: %w", d.id, err)
			return
		}
		d.t.metrics.deadLettered.Add(1)
		err = d.ack(ctx)
	})
	return err
}

func encodeValues(m *xmq.Message) map[string]any {
	// Pre-size map to reduce rehashing
	vals := make(map[string]any, 7+len(m.Headers))
	vals[fieldID] = m.ID
	vals[fieldKey] = m.Key
	vals[fieldTopic] = m.Topic
	vals[fieldTag] = m.Tag
	// raw payload bytes (binary-safe, no base64 encoding overhead)
	vals[fieldBody] = m.Body
	vals[fieldBornAt] = m.BornAt.UnixNano()
	vals[fieldPartition] = m.Partition

	// Flatten headers to avoid nested map allocations
	for k, v := range m.Headers {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeMessage reconstructs an xmq.Message from Redis stream entry values.
func decodeMessage(vals map[string]any) *xmq.Message {
	msg := &xmq.Message{
		ID:        asString(vals[fieldID]),
		Key:       asString(vals[fieldKey]),
		Topic:     asString(vals[fieldTopic]),
		Tag:       asString(vals[fieldTag]),
		Headers:   make(map[string]string, 4),
		Partition: -1,
	}

	switch p := vals[fieldBody].(type) {
	case []byte:
		msg.Body = p
	case string:
		msg.Body = []byte(p)
	}

	if ns, ok := toInt64(vals[fieldBornAt]); ok && ns > 0 {
		msg.BornAt = time.Unix(0, ns)
	}
	if p, ok := toInt64(vals[fieldPartition]); ok {
		msg.Partition = int(p)
	}

	// Extract header fields
	for k, v := range vals {
		if h, ok := strings.CutPrefix(k, fieldMetaPrefix); ok {
			msg.Headers[h] = asString(v)
		}
	}

	return msg
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		// Try integer parsing first (faster)
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		// Fall back to float parsing for scientific notation
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
