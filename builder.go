package xmq

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:   "json",
		ackTimeout:  5 * time.Second,
		poolWorkers: 4,
		poolBuffer:  1024,
	}
}

// WithTransport selects a registered transport by name.
func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async observer pool. Events beyond bufferSize
// are dropped.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	if workers > 0 {
		bb.poolWorkers = workers
	}
	if bufferSize > 0 {
		bb.poolBuffer = bufferSize
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			if bb.transportInst == nil {
				_ = tr.Close(context.Background())
			}
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Bus{
		transport:    tr,
		codec:        cd,
		clock:        clk,
		logger:       lg,
		middlewares:  bb.middlewares,
		ackTimeout:   bb.ackTimeout,
		observerPool: NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer),
		metrics:      &busMetrics{},
	}

	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
