package xmq

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Bus is the publisher facade plus the subscription plumbing in front of a
// Transport. It holds no shared mutable state beyond telemetry; cross-instance
// coordination happens in the broker and the lock service.
type Bus struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	publishCount  atomic.Uint64
	publishErrors atomic.Uint64
	consumeCount  atomic.Uint64
	ackCount      atomic.Uint64
	nackCount     atomic.Uint64
	filteredCount atomic.Uint64
	errorCount    atomic.Uint64
	processingNs  atomic.Int64
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Published           uint64
	PublishErrors       uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Filtered            uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// SendOutcome is the result of a send as seen by the caller.
type SendOutcome struct {
	Destination string
	Key         string
	Mode        string
	MessageID   string
	Status      SendStatus
	Partition   int
	Transaction TransactionState
}

// OK reports whether the broker accepted the message.
func (o SendOutcome) OK() bool { return o.Status == SendOK }

func (o SendOutcome) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s id=%s", o.Status, o.MessageID)
	if o.Partition >= 0 {
		fmt.Fprintf(&b, " partition=%d", o.Partition)
	}
	if o.Mode == (TransactionalMode{}).Name() {
		fmt.Fprintf(&b, " tx=%s", o.Transaction)
	}
	return b.String()
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Transport exposes the underlying transport for operations the bus does not wrap.
func (b *Bus) Transport() Transport { return b.transport }

// Send publishes env to dest under mode. Validation failures are returned as
// *ValidationError before the transport is touched; transport failures as
// *PublishError. Nothing is retried here: retry by calling Send again with the
// same env so its key is preserved.
func (b *Bus) Send(ctx context.Context, dest Destination, env Outbound, mode DeliveryMode) (SendOutcome, error) {
	if b.closed.Load() {
		return SendOutcome{}, ErrBusClosed
	}
	if mode == nil {
		return SendOutcome{}, validationError("mode", "must not be nil")
	}
	if env == nil {
		return SendOutcome{}, validationError("envelope", "must not be nil")
	}
	if err := dest.Validate(); err != nil {
		return SendOutcome{}, err
	}
	mode, err := derefMode(mode)
	if err != nil {
		return SendOutcome{}, err
	}
	if err := mode.validate(); err != nil {
		return SendOutcome{}, err
	}
	key := env.Key()
	if strings.TrimSpace(key) == "" {
		return SendOutcome{}, validationError("envelope.key", "must not be empty")
	}

	msg, err := EncodeEnvelope(b.codec, dest, env)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return SendOutcome{}, err
	}

	wire := dest.String()
	out := SendOutcome{
		Destination: wire,
		Key:         key,
		Mode:        mode.Name(),
		Status:      SendFailed,
		Partition:   -1,
	}

	var (
		send  func() (SendResult, error)
		guard *guardedListener
	)
	switch m := mode.(type) {
	case SyncMode:
		send = func() (SendResult, error) { return b.transport.Send(ctx, wire, msg, SendOptions{}) }
	case DelayedMode:
		msg.Headers[HeaderDelay] = strconv.Itoa(int(m.Level))
		send = func() (SendResult, error) { return b.transport.Send(ctx, wire, msg, SendOptions{DelayLevel: m.Level}) }
	case OrderedMode:
		msg.Headers[HeaderHashKey] = m.HashKey
		send = func() (SendResult, error) { return b.transport.Send(ctx, wire, msg, SendOptions{HashKey: m.HashKey}) }
	case TransactionalMode:
		guard = guardListener(m.Listener, b.logger)
		send = func() (SendResult, error) { return b.transport.SendInTransaction(ctx, wire, msg, m.Arg, guard) }
	default:
		return SendOutcome{}, validationError("mode", fmt.Sprintf("unsupported delivery mode %T", mode))
	}

	b.metrics.publishCount.Add(1)
	b.notifyAsync(Event{Type: PublishStart, Destination: wire, Topic: dest.Topic, Key: key, Mode: out.Mode})
	start := b.clock.Now()
	res, err := send()

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	if err != nil {
		b.metrics.publishErrors.Add(1)
		err = &PublishError{Destination: wire, Key: key, Mode: out.Mode, Cause: err}
	} else {
		out.MessageID = res.MessageID
		out.Status = res.Status
		out.Partition = res.Partition
		out.Transaction = res.Transaction
		if guard != nil {
			if lerr := guard.localErr(); lerr != nil {
				out.Transaction = TxRollback
				err = &TransactionError{Key: key, Cause: lerr}
			} else if res.Transaction == TxUnknown {
				err = ErrTransactionUncertain
			}
		}
	}

	b.notifyAsync(Event{
		Type:        PublishDone,
		Destination: wire,
		Topic:       dest.Topic,
		Key:         key,
		MessageID:   out.MessageID,
		Mode:        out.Mode,
		Outcome:     truncateString(out.String(), outcomeLogMax),
		Duration:    duration,
		Err:         err,
	})
	return out, err
}

// SubscribeOption tunes Subscribe.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	tags    []string
	orderly bool
}

// WithTags only hands messages carrying one of tags to the handler. Other
// messages on the topic are acked and skipped.
func WithTags(tags ...string) SubscribeOption {
	return func(c *subscribeConfig) {
		for _, t := range tags {
			if t = strings.TrimSpace(t); t != "" && t != "*" {
				c.tags = append(c.tags, t)
			}
		}
	}
}

// Orderly consumes each partition sequentially so messages sharing a hash key
// are handled in send order.
func Orderly() SubscribeOption {
	return func(c *subscribeConfig) { c.orderly = true }
}

// Subscribe registers a handler under a consumer group for a topic.
// A nil handler error acks the message; any error nacks it and leaves the
// retry to the broker.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}
	if err := (Destination{Topic: topic}).Validate(); err != nil {
		return nil, err
	}

	cfg := subscribeConfig{}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}

	base := RecoveryMiddleware()(handler)
	wh := Chain(base, b.middlewares...)

	hctx := InjectAll(ctx, b.codec, b.logger, b.clock)
	hctx = injectDelivery(hctx, DeliveryInfo{Topic: topic, Group: group})

	return b.transport.Subscribe(ctx, topic, group, SubscribeOptions{Orderly: cfg.orderly}, func(d Delivery) {
		b.deliver(hctx, topic, group, cfg.tags, wh, d)
	})
}

func (b *Bus) deliver(ctx context.Context, topic, group string, tags []string, h Handler, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().Str("topic", topic).Str("group", group).Msg("xmq: delivery panic (recovered)")
			b.metrics.errorCount.Add(1)
			_ = d.Nack(context.Background(), ErrHandlerPanic)
		}
	}()

	b.metrics.consumeCount.Add(1)
	msg := d.Message()
	ev := Event{Topic: topic, Group: group, Key: msg.Key, MessageID: msg.ID, Destination: msg.Destination()}

	if len(tags) > 0 && !slices.Contains(tags, msg.Tag) {
		b.metrics.filteredCount.Add(1)
		b.ackWithTimeout(ctx, d, true, nil)
		ev.Type = Filtered
		b.notifyAsync(ev)
		return
	}

	ev.Type = ConsumeStart
	b.notifyAsync(ev)

	start := b.clock.Now()
	err := h(ctx, msg)
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	done := ev
	done.Type = ConsumeDone
	done.Duration = duration
	done.Err = err

	if err == nil {
		b.metrics.ackCount.Add(1)
		b.ackWithTimeout(ctx, d, true, nil)
		b.notifyAsync(done)
		ev.Type = Ack
		b.notifyAsync(ev)
		return
	}

	b.metrics.nackCount.Add(1)
	b.ackWithTimeout(ctx, d, false, err)
	b.notifyAsync(done)
	ev.Type = Nack
	ev.Err = err
	b.notifyAsync(ev)
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(context.WithoutCancel(ctx), b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(Event{Type: Error, Err: err})
			b.logger.Warn().Err(err).Msg("xmq: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Err: err})
		b.logger.Warn().Err(err).Msg("xmq: nack failed")
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		PublishErrors:       b.metrics.publishErrors.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Filtered:            b.metrics.filteredCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(_ context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: now,
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if more than 5% of sends failed
	if metrics.Published > 0 {
		errorRate := float64(metrics.PublishErrors) / float64(metrics.Published)
		if errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: now,
	}
}

// Close gracefully shuts down the bus. It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xmq: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xmq: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync hands e to the observer pool without ever blocking the caller.
func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime records processing time using exponential moving average.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}
