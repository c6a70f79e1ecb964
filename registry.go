package xmq

import (
	"slices"
	"sync"
)

// TransportFactory builds a transport from the flat config map produced by
// an adapter's toMap, so buses can be assembled from configuration by name.
type TransportFactory func(cfg map[string]any) (Transport, error)

// CodecFactory builds the codec registered under a name.
type CodecFactory func() Codec

// registry is a name to factory table shared by transports and codecs.
type registry[F any] struct {
	mu sync.RWMutex
	m  map[string]F
}

func (r *registry[F]) put(name string, f F) {
	r.mu.Lock()
	r.m[name] = f
	r.mu.Unlock()
}

func (r *registry[F]) get(name string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[name]
	return f, ok
}

func (r *registry[F]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

var (
	transports = &registry[TransportFactory]{m: map[string]TransportFactory{}}
	codecs     = &registry[CodecFactory]{m: map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}}
)

// RegisterTransport makes an adapter constructible by name. Adapters call it
// from init; a later registration under the same name replaces the earlier.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return validationError("transport", "name must not be empty")
	}
	if factory == nil {
		return validationError("transport", "factory must not be nil")
	}
	transports.put(name, factory)
	return nil
}

// NewTransport builds the transport registered under name.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	f, ok := transports.get(name)
	if !ok {
		return nil, ErrUnknownTransport{name: name, known: transports.names()}
	}
	return f(cfg)
}

// RegisterCodec makes a codec resolvable by name, both for BusBuilder.WithCodec
// and for consumers decoding messages whose CODEC header names it.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return validationError("codec", "name must not be empty")
	}
	if factory == nil {
		return validationError("codec", "factory must not be nil")
	}
	codecs.put(name, factory)
	return nil
}

// NewCodec builds the codec registered under name.
func NewCodec(name string) (Codec, error) {
	f, ok := codecs.get(name)
	if !ok {
		return nil, ErrUnknownCodec{name: name, known: codecs.names()}
	}
	return f(), nil
}
