package xmq

import (
	"context"
)

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Publisher is the send side of the bus.
type Publisher interface {
	Send(ctx context.Context, dest Destination, env Outbound, mode DeliveryMode) (SendOutcome, error)
	SendSync(ctx context.Context, dest Destination, env Outbound) (SendOutcome, error)
	SendDelayed(ctx context.Context, dest Destination, env Outbound, level DelayLevel) (SendOutcome, error)
	SendOrderly(ctx context.Context, dest Destination, env Outbound, hashKey string) (SendOutcome, error)
	SendInTransaction(ctx context.Context, dest Destination, env Outbound, arg any, l TransactionListener) (SendOutcome, error)
}

// API represents the complete xmq surface for extensibility.
type API interface {
	Publisher
	Subscribe(ctx context.Context, topic, group string, handler Handler, opts ...SubscribeOption) (Subscription, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
