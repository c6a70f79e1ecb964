package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmq"
)

var ErrClosed = errors.New("redisstream: transport is closed")

// Transport implements xmq.Transport over Redis Streams. A topic is spread
// over Config.Partitions streams named <prefix><topic>:<n>.
type Transport struct {
	cfg        Config
	client     redis.UniversalClient
	ownsClient bool
	logger     *xlog.Logger

	closed atomic.Bool
	cancel context.CancelFunc
	bg     sync.WaitGroup
	rr     atomic.Uint64

	// listeners holds the in-process listener of every pending half message
	listeners sync.Map
	// executing holds half message IDs whose ExecuteLocal has not returned
	executing sync.Map

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	// metrics for observability
	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	delayed       atomic.Uint64
	promoted      atomic.Uint64
	committed     atomic.Uint64
	rolledBack    atomic.Uint64
	checks        atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	claimed       atomic.Uint64
	poolHits      atomic.Uint64
	poolMisses    atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ xmq.Transport = (*Transport)(nil)

// NewTransport dials Redis per cfg. The transport closes the client on Close.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	t := newTransport(cfg, client)
	t.ownsClient = true
	return t, nil
}

// NewTransportWithClient runs over an existing client, e.g. the one shared
// with the lock manager. The caller keeps ownership of client.
func NewTransportWithClient(cfg Config, client redis.UniversalClient) (*Transport, error) {
	if cfg.Addr == "" {
		cfg.Addr = "external"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTransport(cfg, client), nil
}

func newTransport(cfg Config, client redis.UniversalClient) *Transport {
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}

	t := &Transport{
		cfg:     cfg,
		client:  client,
		logger:  lg,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() interface{} { return new(delivery) },
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.bg.Add(2)
	go func() {
		defer t.bg.Done()
		t.delayLoop(ctx)
	}()
	go func() {
		defer t.bg.Done()
		t.checkLoop(ctx)
	}()
	return t
}

// Client exposes the underlying Redis client.
func (t *Transport) Client() redis.UniversalClient { return t.client }

func (t *Transport) streamKey(topic string, partition int) string {
	return t.cfg.Prefix + topic + ":" + strconv.Itoa(partition)
}

func (t *Transport) streams(topic string) []string {
	out := make([]string, t.cfg.Partitions)
	for p := range out {
		out[p] = t.streamKey(topic, p)
	}
	return out
}

// partitionFor maps equal hash keys to the same partition and spreads the
// rest round-robin.
func (t *Transport) partitionFor(hashKey string) int {
	n := uint64(t.cfg.Partitions)
	if hashKey != "" {
		return int(xxhash.Sum64String(hashKey) % n)
	}
	return int((t.rr.Add(1) - 1) % n)
}

func (t *Transport) prepare(dest string, msg *xmq.Message, hashKey string) (*xmq.Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if msg == nil {
		return nil, errors.New("redisstream: nil message")
	}
	d, err := xmq.ParseDestination(dest)
	if err != nil {
		return nil, err
	}
	m := msg.Clone()
	m.ID = uuid.NewString()
	m.Topic, m.Tag = d.Topic, d.Tag
	m.BornAt = time.Now()
	m.Partition = t.partitionFor(hashKey)
	return m, nil
}

func (t *Transport) xaddArgs(stream string, m *xmq.Message) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*", // Let Redis generate ID
		Values: encodeValues(m),
	}
	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
}

// Send appends msg to its partition stream. Delayed messages are parked in a
// sorted set and appended once due.
func (t *Transport) Send(ctx context.Context, dest string, msg *xmq.Message, opts xmq.SendOptions) (xmq.SendResult, error) {
	failed := xmq.SendResult{Status: xmq.SendFailed, Partition: -1}
	m, err := t.prepare(dest, msg, opts.HashKey)
	if err != nil {
		return failed, err
	}
	stream := t.streamKey(m.Topic, m.Partition)

	if opts.DelayLevel > 0 {
		if err := t.schedule(ctx, stream, m, opts.DelayLevel); err != nil {
			t.metrics.publishErrors.Add(1)
			return failed, err
		}
		t.metrics.delayed.Add(1)
	} else {
		if err := t.client.XAdd(ctx, t.xaddArgs(stream, m)).Err(); err != nil {
			t.metrics.publishErrors.Add(1)
			return failed, fmt.Errorf("redisstream: xadd %s: %w", stream, err)
		}
		t.metrics.published.Add(1)
	}

	return xmq.SendResult{MessageID: m.ID, Status: xmq.SendOK, Partition: m.Partition}, nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

func (t *Transport) ensureGroups(ctx context.Context, streams []string, group string) error {
	if !t.cfg.AutoCreate {
		return nil
	}
	start := t.cfg.StartID
	if start == "" {
		start = "$"
	}
	for _, s := range streams {
		err := t.client.XGroupCreateMkStream(ctx, s, group, start).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("redisstream: create group %s on %s: %w", group, s, err)
		}
	}
	return nil
}

// Subscribe listens to a topic/group. Concurrent subscriptions read all
// partitions into a worker pool; orderly ones run one lease-holding reader
// per partition.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, opts xmq.SubscribeOptions, handler func(xmq.Delivery)) (xmq.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	streams := t.streams(topic)
	if err := t.ensureGroups(ctx, streams, group); err != nil {
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	if opts.Orderly {
		for p, stream := range streams {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.orderlyLoop(innerCtx, topic, group, p, stream, handler)
			}()
		}
		return &subscription{
			close: func() error {
				cancel()
				wg.Wait()
				return nil
			},
		}, nil
	}

	// Worker pool configuration
	workers := max(t.cfg.Concurrency, 1)

	// Buffered work channel (buffer = 2x workers for burst absorption)
	workCh := make(chan *delivery, workers*2)

	// Start worker goroutines for concurrent handling
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
				// Return delivery object to pool immediately after use
				t.releaseDelivery(d)
			}
		}()
	}

	// Producers: the poller and the optional claim loop. workCh closes once
	// both are gone.
	producers := &sync.WaitGroup{}
	producers.Add(1)
	go func() {
		defer producers.Done()
		t.pollerLoop(innerCtx, group, streams, workCh)
	}()

	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			t.claimLoop(innerCtx, group, streams, workCh)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		producers.Wait()
		close(workCh) // Signal workers to exit
	}()

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

// pollerLoop reads from Redis Streams and distributes messages to workers.
func (t *Transport) pollerLoop(ctx context.Context, group string, streams []string, workCh chan<- *delivery) {
	args := make([]string, 0, 2*len(streams))
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  args,
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
		NoAck:    false,
	}

	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		// Fast exit on context cancellation
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}

			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}

			// Transient error: exponential backoff
			t.metrics.consumeErrors.Add(1)
			t.logger.Warn().Str("group", group).Err(err).Msg("redisstream: read failed")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		// Reset backoff on successful read
		backoff = time.Millisecond * 100

		for _, stream := range res {
			for _, msg := range stream.Messages {
				d := t.newDelivery(stream.Stream, group, msg, 1)
				t.metrics.consumed.Add(1)

				select {
				case workCh <- d:
				case <-ctx.Done():
					t.releaseDelivery(d)
					return
				}
			}
		}
	}
}

// claimLoop periodically takes over entries idle for ClaimMinIdle, which
// covers crashed consumers and nacked messages, and hands them to the
// workers again.
func (t *Transport) claimLoop(ctx context.Context, group string, streams []string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, stream := range streams {
			for _, d := range t.claim(ctx, stream, group, t.cfg.ClaimMinIdle) {
				select {
				case workCh <- d:
				case <-ctx.Done():
					t.releaseDelivery(d)
					return
				}
			}
		}
	}
}

// claim reassigns pending entries of stream idle for at least minIdle to
// this consumer and returns them as deliveries.
func (t *Transport) claim(ctx context.Context, stream, group string, minIdle time.Duration) []*delivery {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(max(1, t.cfg.ClaimBatch)),
		Idle:   minIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}

	msgs, err := t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: t.cfg.Consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		t.metrics.consumeErrors.Add(1)
		return nil
	}

	out := make([]*delivery, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Values == nil {
			// entry deleted while pending
			_ = t.client.XAck(ctx, stream, group, msg.ID).Err()
			continue
		}
		t.metrics.claimed.Add(1)
		t.metrics.consumed.Add(1)
		// XCLAIM bumped the delivery counter once more
		out = append(out, t.newDelivery(stream, group, msg, int(counts[msg.ID])+1))
	}
	return out
}

// newDelivery gets a delivery from the pool or allocates a new one.
func (t *Transport) newDelivery(stream, group string, entry redis.XMessage, attempt int) *delivery {
	v := t.dpool.Get()
	d, ok := v.(*delivery)
	if !ok || d == nil {
		t.metrics.poolMisses.Add(1)
		d = &delivery{}
	} else {
		t.metrics.poolHits.Add(1)
	}

	d.t = t
	d.stream = stream
	d.group = group
	d.id = entry.ID
	d.msg = decodeMessage(entry.Values)
	d.msg.Attempt = attempt
	d.onceAck = &sync.Once{}
	d.orderly = false
	d.acked = false
	return d
}

// releaseDelivery returns a delivery to the pool after clearing references.
func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}

	// Clear references to aid GC
	d.t = nil
	d.msg = nil
	d.stream = ""
	d.group = ""
	d.id = ""
	d.onceAck = nil

	t.dpool.Put(d)
}

// Close stops the background loops and, when the transport dialed it, the client.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

// Stats is transport telemetry.
type Stats struct {
	Published     uint64
	Delayed       uint64
	Promoted      uint64
	Committed     uint64
	RolledBack    uint64
	Checks        uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Claimed       uint64
	PoolHits      uint64
	PoolMisses    uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Delayed:       t.metrics.delayed.Load(),
		Promoted:      t.metrics.promoted.Load(),
		Committed:     t.metrics.committed.Load(),
		RolledBack:    t.metrics.rolledBack.Load(),
		Checks:        t.metrics.checks.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		Claimed:       t.metrics.claimed.Load(),
		PoolHits:      t.metrics.poolHits.Load(),
		PoolMisses:    t.metrics.poolMisses.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
