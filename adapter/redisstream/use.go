package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xmq"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := xmq.RegisterTransport(TransportName, func(cfg map[string]any) (xmq.Transport, error) {
		tr, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return tr, nil
	}); err != nil {
		panic(fmt.Errorf("xmq: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus over Redis Streams. It panics when Redis is unreachable.
func Use(cfg Config, opts ...Option) *xmq.Bus {
	bb := xmq.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return bus
}
