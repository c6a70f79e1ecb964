package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmq"
)

const TransportName = "memory"

func init() {
	if err := xmq.RegisterTransport(TransportName, func(cfg map[string]any) (xmq.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xmq/memory: failed to register transport: %w", err))
	}
}

var ErrClosed = errors.New("memory transport is closed")

// Config controls memory transport behavior.
type Config struct {
	// Partitions is the number of queues per topic and group (default: 4).
	Partitions int
	// BufferSize is the per-partition queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of workers per partition for non-orderly subscriptions (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before a nacked message is delivered again (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// TimeScale multiplies delay-level durations; 0.001 turns seconds into milliseconds (default: 1).
	TimeScale float64
	// CheckInterval is the pause between transaction check-backs (default: 1s).
	CheckInterval time.Duration
	// MaxChecks bounds check-backs before an unknown transaction is rolled back (default: 15).
	MaxChecks int
	// Logger reports check-back and redelivery activity (default: xlog.Default()).
	Logger *xlog.Logger
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getFloat := func(k string, d float64) float64 {
		switch v := cfg[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	lg, _ := cfg["logger"].(*xlog.Logger)

	return Config{
		Partitions:      positive(getInt("partitions", 4), 4),
		BufferSize:      positive(getInt("buffer_size", 1024), 1024),
		Concurrency:     positive(getInt("concurrency", 1), 1),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		TimeScale:       getFloat("time_scale", 1),
		CheckInterval:   getDur("check_interval", time.Second),
		MaxChecks:       positive(getInt("max_checks", 15), 15),
		Logger:          lg,
	}
}

func positive(v, d int) int {
	if v > 0 {
		return v
	}
	return d
}

// Transport implements xmq.Transport using in-memory channels (dev/testing).
// Not suitable for production but excellent for local development and benchmarking.
type Transport struct {
	cfg    Config
	logger *xlog.Logger

	mu     sync.RWMutex
	topics map[string]*topic

	closed atomic.Bool
	done   chan struct{}
	bg     sync.WaitGroup

	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	dropped     atomic.Uint64
	delayed     atomic.Uint64
	committed   atomic.Uint64
	rolledBack  atomic.Uint64
	checks      atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

var _ xmq.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.Partitions < 1 {
		cfg.Partitions = 4
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.MaxChecks < 1 {
		cfg.MaxChecks = 15
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}

	return &Transport{
		cfg:     cfg,
		logger:  lg,
		topics:  make(map[string]*topic),
		done:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
}

// Send stores msg on a partition of its topic. Delayed messages are held on
// a timer and become visible once it fires.
func (t *Transport) Send(ctx context.Context, dest string, msg *xmq.Message, opts xmq.SendOptions) (xmq.SendResult, error) {
	m, top, err := t.prepare(dest, msg, opts.HashKey)
	if err != nil {
		return xmq.SendResult{Status: xmq.SendFailed, Partition: -1}, err
	}

	if opts.DelayLevel > 0 {
		t.metrics.delayed.Add(1)
		t.after(t.scaled(opts.DelayLevel.Duration()), func() {
			_ = t.enqueue(context.Background(), top, m)
		})
	} else if err := t.enqueue(ctx, top, m); err != nil {
		return xmq.SendResult{Status: xmq.SendFailed, Partition: -1}, err
	}

	return xmq.SendResult{MessageID: m.ID, Status: xmq.SendOK, Partition: m.Partition}, nil
}

// SendInTransaction keeps msg as a half message while l.ExecuteLocal runs and
// resolves it per the verdict. Unknown verdicts are checked back every
// CheckInterval until decisive or MaxChecks is reached, then rolled back.
func (t *Transport) SendInTransaction(ctx context.Context, dest string, msg *xmq.Message, arg any, l xmq.TransactionListener) (xmq.SendResult, error) {
	if l == nil {
		return xmq.SendResult{Status: xmq.SendFailed, Partition: -1}, errors.New("memory: nil transaction listener")
	}
	m, top, err := t.prepare(dest, msg, msg.Header(xmq.HeaderHashKey))
	if err != nil {
		return xmq.SendResult{Status: xmq.SendFailed, Partition: -1}, err
	}

	state, lerr := l.ExecuteLocal(ctx, m.Clone(), arg)
	if lerr != nil {
		state = xmq.TxRollback
	}
	res := xmq.SendResult{MessageID: m.ID, Status: xmq.SendOK, Partition: m.Partition, Transaction: state}

	switch state {
	case xmq.TxCommit:
		t.metrics.committed.Add(1)
		if err := t.enqueue(ctx, top, m); err != nil {
			return xmq.SendResult{Status: xmq.SendFailed, Partition: -1}, err
		}
	case xmq.TxRollback:
		t.metrics.rolledBack.Add(1)
	default:
		t.bg.Add(1)
		go t.checkBack(top, m, l)
	}
	return res, nil
}

func (t *Transport) checkBack(top *topic, m *xmq.Message, l xmq.TransactionListener) {
	defer t.bg.Done()
	tick := time.NewTicker(t.cfg.CheckInterval)
	defer tick.Stop()

	for i := 1; i <= t.cfg.MaxChecks; i++ {
		select {
		case <-t.done:
			return
		case <-tick.C:
		}
		t.metrics.checks.Add(1)
		state, err := l.CheckLocal(context.Background(), m.Clone())
		if err != nil {
			state = xmq.TxRollback
		}
		switch state {
		case xmq.TxCommit:
			t.metrics.committed.Add(1)
			_ = t.enqueue(context.Background(), top, m)
			return
		case xmq.TxRollback:
			t.metrics.rolledBack.Add(1)
			return
		}
	}
	t.metrics.rolledBack.Add(1)
	t.logger.Warn().
		Str("key", m.Key).
		Str("message_id", m.ID).
		Msg("memory: transaction still unknown after max checks, rolled back")
}

func (t *Transport) prepare(dest string, msg *xmq.Message, hashKey string) (*xmq.Message, *topic, error) {
	if t.closed.Load() {
		return nil, nil, ErrClosed
	}
	if msg == nil {
		return nil, nil, errors.New("memory: nil message")
	}
	d, err := xmq.ParseDestination(dest)
	if err != nil {
		return nil, nil, err
	}
	top := t.ensureTopic(d.Topic)

	m := msg.Clone()
	m.ID = uuid.NewString()
	m.Topic, m.Tag = d.Topic, d.Tag
	m.BornAt = time.Now()
	m.Partition = top.partitionFor(hashKey)
	return m, top, nil
}

// enqueue fans m out to every group of top. A topic without groups drops it.
func (t *Transport) enqueue(ctx context.Context, top *topic, m *xmq.Message) error {
	top.mu.RLock()
	defer top.mu.RUnlock()

	if len(top.groups) == 0 {
		t.metrics.dropped.Add(1)
		return nil
	}
	for _, g := range top.groups {
		task := &deliveryTask{tr: t, msg: m}
		select {
		case g.parts[m.Partition] <- task:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		}
	}
	t.metrics.published.Add(1)
	return nil
}

// after runs fn once d elapsed unless the transport closes first.
func (t *Transport) after(d time.Duration, fn func()) {
	if t.closed.Load() {
		return
	}
	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			fn()
		case <-t.done:
		}
	}()
}

func (t *Transport) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * t.cfg.TimeScale)
}

// Subscribe registers a handler for a topic/group. Orderly subscriptions run
// one worker per partition and retry a nacked message in place; otherwise
// Concurrency workers share each partition and nacked messages are requeued.
func (t *Transport) Subscribe(ctx context.Context, topicName, group string, opts xmq.SubscribeOptions, handler func(xmq.Delivery)) (xmq.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	top := t.ensureTopic(topicName)
	g := top.ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	for p := range g.parts {
		if opts.Orderly {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.orderlyWorker(innerCtx, g.parts[p], handler)
			}()
			continue
		}
		for range t.cfg.Concurrency {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.worker(innerCtx, g.parts[p], handler)
			}()
		}
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, queue chan *deliveryTask, handler func(xmq.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case task := <-queue:
			t.metrics.consumed.Add(1)
			handler(newDelivery(task, queue, false))
		}
	}
}

// orderlyWorker delivers a partition strictly in sequence: the next message
// is taken only once the current one was acked.
func (t *Transport) orderlyWorker(ctx context.Context, queue chan *deliveryTask, handler func(xmq.Delivery)) {
	for {
		var task *deliveryTask
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case task = <-queue:
		}

		for {
			t.metrics.consumed.Add(1)
			d := newDelivery(task, queue, true)
			handler(d)
			if d.acked.Load() {
				break
			}
			t.metrics.redelivered.Add(1)
			if !t.pause(ctx, t.cfg.RedeliveryDelay) {
				return
			}
		}
	}
}

func (t *Transport) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && !t.closed.Load()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	case <-timer.C:
		return true
	}
}

// Close stops delivery, drops pending delayed and half messages and waits
// for background goroutines until ctx is done.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	waited := make(chan struct{})
	go func() {
		t.bg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Delayed     uint64
	Committed   uint64
	RolledBack  uint64
	Checks      uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Dropped:     t.metrics.dropped.Load(),
		Delayed:     t.metrics.delayed.Load(),
		Committed:   t.metrics.committed.Load(),
		RolledBack:  t.metrics.rolledBack.Load(),
		Checks:      t.metrics.checks.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
	}
}

// Internal types

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

type topic struct {
	mu         sync.RWMutex
	groups     map[string]*group
	partitions int
	rr         atomic.Uint64
}

// partitionFor maps equal hash keys to the same partition and spreads the
// rest round-robin.
func (tp *topic) partitionFor(hashKey string) int {
	n := uint64(tp.partitions)
	if hashKey != "" {
		return int(xxhash.Sum64String(hashKey) % n)
	}
	return int((tp.rr.Add(1) - 1) % n)
}

type group struct {
	name  string
	parts []chan *deliveryTask
}

type deliveryTask struct {
	tr       *Transport
	msg      *xmq.Message
	attempts int
}

type memDelivery struct {
	task    *deliveryTask
	msg     *xmq.Message
	queue   chan *deliveryTask
	orderly bool
	acked   atomic.Bool
	ackOnce sync.Once
}

func newDelivery(task *deliveryTask, queue chan *deliveryTask, orderly bool) *memDelivery {
	task.attempts++
	m := task.msg.Clone()
	m.Attempt = task.attempts
	return &memDelivery{task: task, msg: m, queue: queue, orderly: orderly}
}

func (d *memDelivery) Message() *xmq.Message {
	return d.msg
}

// Ack marks the message as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.acked.Store(true)
		d.task.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack negative-acknowledges the message for redelivery. Orderly workers
// retry it themselves; otherwise it goes back to its partition after
// RedeliveryDelay. The requeue never blocks the calling worker, which may be
// the only one draining that partition.
func (d *memDelivery) Nack(_ context.Context, _ error) error {
	d.ackOnce.Do(func() {
		tr := d.task.tr
		tr.metrics.nacked.Add(1)
		if d.orderly {
			return
		}
		tr.metrics.redelivered.Add(1)
		tr.after(max(tr.cfg.RedeliveryDelay, 0), func() {
			select {
			case d.queue <- d.task:
			case <-tr.done:
			}
		})
	})
	return nil
}

// Helper functions

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}

	tp := &topic{
		groups:     make(map[string]*group),
		partitions: t.cfg.Partitions,
	}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if g, ok := tp.groups[name]; ok {
		return g
	}

	g := &group{
		name:  name,
		parts: make([]chan *deliveryTask, tp.partitions),
	}
	for i := range g.parts {
		g.parts[i] = make(chan *deliveryTask, bufferSize)
	}
	tp.groups[name] = g
	return g
}
