package xmq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmq/lock"
)

// Consumer is the business side of an idempotent subscription.
type Consumer[T any] interface {
	// ConsumerName identifies the consumer in logs and events.
	ConsumerName() string
	// HandleMessage processes one decoded envelope. A returned error nacks the
	// message and leaves redelivery to the broker.
	HandleMessage(ctx context.Context, env *Envelope[T]) error
}

// ConsumerFuncs adapts a function to Consumer.
type ConsumerFuncs[T any] struct {
	Name   string
	Handle func(ctx context.Context, env *Envelope[T]) error
}

func (f ConsumerFuncs[T]) ConsumerName() string { return f.Name }

func (f ConsumerFuncs[T]) HandleMessage(ctx context.Context, env *Envelope[T]) error {
	return f.Handle(ctx, env)
}

// Locker is the lock service the dispatcher gates on. *lock.Manager satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// GateMode selects how the dispatcher uses the lock for a key.
type GateMode int

const (
	// GateMark takes the key without waiting and leaves it to expire after a
	// successful handling, so later deliveries of the same key within the
	// lease are discarded. A failed handling releases the key.
	GateMark GateMode = iota
	// GateHold takes the key for the duration of the handling only and always
	// releases it afterwards. It serializes racing deliveries but does not
	// remember handled keys.
	GateHold
)

func (g GateMode) String() string {
	if g == GateHold {
		return "hold"
	}
	return "mark"
}

const (
	DefaultDedupPrefix = "dedup:"
	DefaultDedupLease  = 10 * time.Minute
)

type dispatcherConfig struct {
	gate      GateMode
	prefix    string
	lease     time.Duration
	holdWait  time.Duration
	logger    *xlog.Logger
	clock     xclock.Clock
	codec     Codec
	observers []Observer
}

// DispatcherOption configures NewDispatcher.
type DispatcherOption func(*dispatcherConfig)

func WithGateMode(g GateMode) DispatcherOption {
	return func(c *dispatcherConfig) { c.gate = g }
}

// WithKeyPrefix namespaces dedup keys inside the lock service.
func WithKeyPrefix(p string) DispatcherOption {
	return func(c *dispatcherConfig) { c.prefix = p }
}

// WithDedupLease sets how long a key stays taken. Under GateMark this is the
// dedup window.
func WithDedupLease(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) {
		if d > 0 {
			c.lease = d
		}
	}
}

// WithHoldWait sets how long GateHold waits for a key held by a racing delivery.
func WithHoldWait(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) { c.holdWait = max(d, 0) }
}

func WithDispatcherLogger(l *xlog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) { c.logger = l }
}

func WithDispatcherClock(clk xclock.Clock) DispatcherOption {
	return func(c *dispatcherConfig) { c.clock = clk }
}

// WithDispatcherCodec fixes the codec. Without it the codec the bus injected
// into the handler context is used, then JSON.
func WithDispatcherCodec(cd Codec) DispatcherOption {
	return func(c *dispatcherConfig) { c.codec = cd }
}

// WithDispatcherObserver receives Discard, Handled and Error events.
// Observers are called inline and must not block.
func WithDispatcherObserver(obs ...Observer) DispatcherOption {
	return func(c *dispatcherConfig) {
		for _, o := range obs {
			if o != nil {
				c.observers = append(c.observers, o)
			}
		}
	}
}

// DispatcherStats counts dispatch results.
type DispatcherStats struct {
	Handled   uint64
	Discarded uint64
	Failed    uint64
}

// Dispatcher decodes deliveries into envelopes and hands each key to its
// consumer at most once per gate.
type Dispatcher[T any] struct {
	consumer Consumer[T]
	locker   Locker
	cfg      dispatcherConfig

	handled   atomic.Uint64
	discarded atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher wires consumer behind locker.
func NewDispatcher[T any](consumer Consumer[T], locker Locker, opts ...DispatcherOption) (*Dispatcher[T], error) {
	if consumer == nil {
		return nil, validationError("consumer", "must not be nil")
	}
	if locker == nil {
		return nil, validationError("locker", "must not be nil")
	}
	cfg := dispatcherConfig{
		gate:   GateMark,
		prefix: DefaultDedupPrefix,
		lease:  DefaultDedupLease,
	}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = xlog.Default()
	}
	if cfg.clock == nil {
		cfg.clock = xclock.Default()
	}
	return &Dispatcher[T]{consumer: consumer, locker: locker, cfg: cfg}, nil
}

// Handler adapts the dispatcher for Bus.Subscribe.
func (d *Dispatcher[T]) Handler() Handler {
	return d.Dispatch
}

// Stats returns dispatch counters.
func (d *Dispatcher[T]) Stats() DispatcherStats {
	return DispatcherStats{
		Handled:   d.handled.Load(),
		Discarded: d.discarded.Load(),
		Failed:    d.failed.Load(),
	}
}

// Dispatch runs one delivery through the gate. It returns nil for handled and
// discarded messages, and the failure otherwise so the message is nacked.
func (d *Dispatcher[T]) Dispatch(ctx context.Context, msg *Message) error {
	start := d.cfg.clock.Now()

	codec, err := d.codecFor(ctx, msg)
	var env *Envelope[T]
	if err == nil {
		env, err = DecodeEnvelope[T](codec, msg)
	}
	if err != nil {
		d.failed.Add(1)
		d.cfg.logger.Warn().
			Str("consumer", d.consumer.ConsumerName()).
			Str("message_id", msg.ID).
			Err(err).
			Msg("xmq: undecodable message")
		d.notify(ctx, msg, Error, time.Duration(0), err)
		return err
	}

	logger := d.cfg.logger.With(
		xlog.Str("consumer", d.consumer.ConsumerName()),
		xlog.Str("key", env.Key()),
	)
	defer func() {
		logger.Info().Dur("elapsed", d.cfg.clock.Since(start)).Msg("xmq: dispatch finished")
	}()

	// every delivery is its own lock owner, so re-entrancy never lets a
	// duplicate through
	ctx = lock.ContextWithOwner(ctx, uuid.NewString())
	key := d.cfg.prefix + env.Key()

	wait := time.Duration(0)
	if d.cfg.gate == GateHold {
		wait = d.cfg.holdWait
	}
	ok, err := d.locker.TryLock(ctx, key, wait, d.cfg.lease)
	if err != nil {
		d.failed.Add(1)
		err = fmt.Errorf("xmq: dedup gate %q: %w", key, err)
		d.notify(ctx, msg, Error, d.cfg.clock.Since(start), err)
		return err
	}
	if !ok {
		d.discarded.Add(1)
		logger.Debug().Str("gate", d.cfg.gate.String()).Msg("xmq: duplicate discarded")
		d.notify(ctx, msg, Discard, d.cfg.clock.Since(start), nil)
		return nil
	}

	herr := d.handle(ctx, env)
	if herr != nil || d.cfg.gate == GateHold {
		if uerr := d.locker.Unlock(context.WithoutCancel(ctx), key); uerr != nil {
			logger.Warn().Err(uerr).Msg("xmq: dedup gate release failed")
		}
	}

	if herr != nil {
		d.failed.Add(1)
		logger.Warn().Err(herr).Msg("xmq: consumer failed")
		d.notify(ctx, msg, Error, d.cfg.clock.Since(start), herr)
		return herr
	}
	d.handled.Add(1)
	d.notify(ctx, msg, Handled, d.cfg.clock.Since(start), nil)
	return nil
}

func (d *Dispatcher[T]) handle(ctx context.Context, env *Envelope[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: key %s: %v", ErrHandlerPanic, env.Key(), r)
		}
	}()
	return d.consumer.HandleMessage(ctx, env)
}

// codecFor picks the fixed codec, else the one named by the message when it
// differs from the bus codec, else the bus codec.
func (d *Dispatcher[T]) codecFor(ctx context.Context, msg *Message) (Codec, error) {
	if d.cfg.codec != nil {
		return d.cfg.codec, nil
	}
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	if name := msg.Header(HeaderCodec); name != "" && name != c.Name() {
		named, err := NewCodec(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return named, nil
	}
	return c, nil
}

func (d *Dispatcher[T]) notify(ctx context.Context, msg *Message, t EventType, dur time.Duration, err error) {
	if len(d.cfg.observers) == 0 {
		return
	}
	e := Event{
		Type:        t,
		Destination: msg.Destination(),
		Topic:       msg.Topic,
		Consumer:    d.consumer.ConsumerName(),
		Key:         msg.Key,
		MessageID:   msg.ID,
		Duration:    dur,
		Err:         err,
	}
	if info, ok := DeliveryFromContext(ctx); ok {
		e.Group = info.Group
	}
	for _, o := range d.cfg.observers {
		func() {
			defer func() { _ = recover() }()
			o.OnEvent(e)
		}()
	}
}
