package xmq

import (
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Outbound is the contract every published unit satisfies.
// Key must be stable across retries of the same logical send: resend the same
// value instead of building a new one, otherwise consumer dedup is defeated.
type Outbound interface {
	Key() string
	Source() string
	SendTime() time.Time
	Payload() any
}

// Envelope wraps a typed body with its dedup key, provenance and send time.
// The key is fixed at construction.
type Envelope[T any] struct {
	key      string
	source   string
	sendTime time.Time
	body     T
}

var _ Outbound = (*Envelope[struct{}])(nil)

// EnvelopeOption customizes NewEnvelope.
type EnvelopeOption func(*envelopeOptions)

type envelopeOptions struct {
	key      string
	source   string
	sendTime time.Time
	clock    xclock.Clock
}

// WithKey reuses a caller supplied key instead of generating one.
func WithKey(key string) EnvelopeOption {
	return func(o *envelopeOptions) { o.key = key }
}

// WithSource tags the envelope with a free-form provenance string.
func WithSource(source string) EnvelopeOption {
	return func(o *envelopeOptions) { o.source = source }
}

// WithSendTime overrides the construction timestamp.
func WithSendTime(t time.Time) EnvelopeOption {
	return func(o *envelopeOptions) { o.sendTime = t }
}

// WithEnvelopeClock sets the clock used to stamp the send time.
func WithEnvelopeClock(c xclock.Clock) EnvelopeOption {
	return func(o *envelopeOptions) { o.clock = c }
}

// NewEnvelope builds an envelope around body. A random UUID key is generated
// unless WithKey is given.
func NewEnvelope[T any](body T, opts ...EnvelopeOption) *Envelope[T] {
	o := envelopeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.key == "" {
		o.key = uuid.NewString()
	}
	if o.sendTime.IsZero() {
		clk := o.clock
		if clk == nil {
			clk = xclock.Default()
		}
		o.sendTime = clk.Now()
	}
	return &Envelope[T]{
		key:      o.key,
		source:   o.source,
		sendTime: o.sendTime,
		body:     body,
	}
}

func (e *Envelope[T]) Key() string         { return e.key }
func (e *Envelope[T]) Source() string      { return e.source }
func (e *Envelope[T]) SendTime() time.Time { return e.sendTime }
func (e *Envelope[T]) Body() T             { return e.body }

// Payload returns the body for encoding.
func (e *Envelope[T]) Payload() any { return e.body }
