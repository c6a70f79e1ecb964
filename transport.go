package xmq

import (
	"context"
)

// Delivery encapsulates a received message with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	// Nack hands the message back to the broker's redelivery policy.
	Nack(ctx context.Context, reason error) error
}

// Handler processes a single message. Return error to trigger Nack/redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// SendStatus is the broker's verdict on a send.
type SendStatus string

const (
	SendOK SendStatus = "SEND_OK"
	// SendFailed only appears in outcomes returned together with an error.
	SendFailed SendStatus = "SEND_FAILED"
)

// SendOptions carries the mode specific parameters of Transport.Send.
type SendOptions struct {
	// DelayLevel > 0 defers delivery. Already validated by the bus.
	DelayLevel DelayLevel
	// HashKey != "" pins the message to the partition derived from it.
	HashKey string
}

// SendResult is what the transport reports for an accepted message.
type SendResult struct {
	MessageID   string
	Status      SendStatus
	Partition   int
	Transaction TransactionState
}

// SubscribeOptions tunes how a transport drives a subscription.
type SubscribeOptions struct {
	// Orderly processes each partition sequentially on a single consumer.
	// A nacked message is retried in place instead of being skipped.
	Orderly bool
}

// Transport is the Strategy interface for message brokers/backends.
//
// Send blocks until the broker acknowledged persistence (for delayed sends:
// the enqueue, not the eventual delivery). Partition selection for HashKey
// belongs to the transport; it must map equal keys to the same partition.
//
// SendInTransaction stores a half message, invokes l.ExecuteLocal
// synchronously and finalizes per its verdict. On TxUnknown the transport
// schedules check-backs through l.CheckLocal until a decisive verdict or its
// retry budget is exhausted.
type Transport interface {
	Send(ctx context.Context, dest string, msg *Message, opts SendOptions) (SendResult, error)
	SendInTransaction(ctx context.Context, dest string, msg *Message, arg any, l TransactionListener) (SendResult, error)
	// Subscribe binds a handler to a topic within a consumer group.
	// The transport should drive delivery in background and honor ctx.
	Subscribe(ctx context.Context, topic, group string, opts SubscribeOptions, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}
