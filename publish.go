package xmq

import "context"

// SendSync publishes env and returns once the broker persisted it.
func (b *Bus) SendSync(ctx context.Context, dest Destination, env Outbound) (SendOutcome, error) {
	return b.Send(ctx, dest, env, Sync())
}

// SendDelayed publishes env for delivery after level's delay. The call returns
// once the broker accepted the enqueue, not when the message is delivered.
func (b *Bus) SendDelayed(ctx context.Context, dest Destination, env Outbound, level DelayLevel) (SendOutcome, error) {
	return b.Send(ctx, dest, env, Delayed(level))
}

// SendOrderly publishes env to the partition selected by hashKey. Messages
// sharing a hash key are consumed in send order by orderly subscribers.
func (b *Bus) SendOrderly(ctx context.Context, dest Destination, env Outbound, hashKey string) (SendOutcome, error) {
	return b.Send(ctx, dest, env, Ordered(hashKey))
}

// SendInTransaction publishes env as a half message, runs l.ExecuteLocal with
// arg and lets the broker commit or drop the message per its verdict.
func (b *Bus) SendInTransaction(ctx context.Context, dest Destination, env Outbound, arg any, l TransactionListener) (SendOutcome, error) {
	return b.Send(ctx, dest, env, Transactional(arg, l))
}
