// Package metrics exports xmq bus and dispatcher events as Prometheus metrics.
//
//	reg := prometheus.NewRegistry()
//	obs := metrics.NewObserver(reg)
//	bus, _ := xmq.NewBusBuilder().WithObserver(obs).Build()
//	dispatcher, _ := xmq.NewDispatcher(consumer, locker, xmq.WithDispatcherObserver(obs))
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trickstertwo/xmq"
)

const (
	resultOK        = "ok"
	resultError     = "error"
	resultAck       = "ack"
	resultNack      = "nack"
	resultFiltered  = "filtered"
	resultHandled   = "handled"
	resultDiscarded = "discarded"
)

var defaultBuckets = []float64{
	0.001, 0.002, 0.005,
	0.01, 0.02, 0.05,
	0.1, 0.2, 0.5,
	1, 2, 5, 10,
}

// Observer is an xmq.Observer that counts lifecycle events.
type Observer struct {
	publishTotal    *prometheus.CounterVec
	publishLatency  *prometheus.HistogramVec
	consumeTotal    *prometheus.CounterVec
	consumeLatency  *prometheus.HistogramVec
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
}

// Option customizes NewObserver.
type Option func(*options)

type options struct {
	namespace string
	buckets   []float64
}

// WithNamespace replaces the "xmq" metric namespace.
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

// WithBuckets sets the latency histogram buckets in seconds.
func WithBuckets(b ...float64) Option {
	return func(o *options) {
		if len(b) > 0 {
			o.buckets = b
		}
	}
}

// NewObserver registers the collectors on reg. A nil reg uses
// prometheus.DefaultRegisterer. Registering twice on the same registry panics.
func NewObserver(reg prometheus.Registerer, opts ...Option) *Observer {
	o := options{namespace: "xmq", buckets: defaultBuckets}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Observer{
		publishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "publish_total",
			Help:      "Total number of send operations.",
		}, []string{"topic", "mode", "result"}),
		publishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "publish_latency_seconds",
			Help:      "Latency distribution for send operations.",
			Buckets:   o.buckets,
		}, []string{"topic", "mode"}),
		consumeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "consume_total",
			Help:      "Total number of delivered messages by outcome.",
		}, []string{"topic", "group", "result"}),
		consumeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "consume_latency_seconds",
			Help:      "Latency distribution for message handlers.",
			Buckets:   o.buckets,
		}, []string{"topic", "group"}),
		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "dispatch_total",
			Help:      "Total number of idempotent dispatches by outcome.",
		}, []string{"consumer", "result"}),
		dispatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Latency distribution for gated consumer handling.",
			Buckets:   o.buckets,
		}, []string{"consumer"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "errors_total",
			Help:      "Total number of bus level errors such as failed acks.",
		}, []string{"topic"}),
	}
}

// OnEvent implements xmq.Observer.
func (o *Observer) OnEvent(e xmq.Event) {
	switch e.Type {
	case xmq.PublishDone:
		result := resultOK
		if e.Err != nil {
			result = resultError
		}
		o.publishTotal.WithLabelValues(e.Topic, e.Mode, result).Inc()
		o.publishLatency.WithLabelValues(e.Topic, e.Mode).Observe(e.Duration.Seconds())
	case xmq.ConsumeDone:
		o.consumeLatency.WithLabelValues(e.Topic, e.Group).Observe(e.Duration.Seconds())
	case xmq.Ack:
		o.consumeTotal.WithLabelValues(e.Topic, e.Group, resultAck).Inc()
	case xmq.Nack:
		o.consumeTotal.WithLabelValues(e.Topic, e.Group, resultNack).Inc()
	case xmq.Filtered:
		o.consumeTotal.WithLabelValues(e.Topic, e.Group, resultFiltered).Inc()
	case xmq.Handled:
		o.dispatchTotal.WithLabelValues(e.Consumer, resultHandled).Inc()
		o.dispatchLatency.WithLabelValues(e.Consumer).Observe(e.Duration.Seconds())
	case xmq.Discard:
		o.dispatchTotal.WithLabelValues(e.Consumer, resultDiscarded).Inc()
	case xmq.Error:
		if e.Consumer != "" {
			o.dispatchTotal.WithLabelValues(e.Consumer, resultError).Inc()
			return
		}
		o.errorsTotal.WithLabelValues(e.Topic).Inc()
	}
}

var _ xmq.Observer = (*Observer)(nil)
