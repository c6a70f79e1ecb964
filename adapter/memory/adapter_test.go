package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmq"
)

func testMessage(key string) *xmq.Message {
	return &xmq.Message{
		Key:       key,
		Body:      []byte(`"` + key + `"`),
		Headers:   map[string]string{xmq.HeaderKeys: key},
		Partition: -1,
	}
}

// collect subscribes and forwards every delivery's message, acking it.
func collect(t *testing.T, tr *Transport, topic, group string, opts xmq.SubscribeOptions) <-chan *xmq.Message {
	t.Helper()
	out := make(chan *xmq.Message, 128)
	sub, err := tr.Subscribe(context.Background(), topic, group, opts, func(d xmq.Delivery) {
		_ = d.Ack(context.Background())
		out <- d.Message()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return out
}

func receive(t *testing.T, ch <-chan *xmq.Message) *xmq.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestSend_Sync(t *testing.T) {
	tr := NewTransport(Config{})
	defer tr.Close(context.Background())
	got := collect(t, tr, "orders", "g", xmq.SubscribeOptions{})

	res, err := tr.Send(context.Background(), "orders:created", testMessage("k1"), xmq.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, xmq.SendOK, res.Status)
	assert.NotEmpty(t, res.MessageID)
	assert.GreaterOrEqual(t, res.Partition, 0)
	assert.Less(t, res.Partition, 4)

	m := receive(t, got)
	assert.Equal(t, res.MessageID, m.ID)
	assert.Equal(t, "k1", m.Key)
	assert.Equal(t, "orders", m.Topic)
	assert.Equal(t, "created", m.Tag)
	assert.Equal(t, 1, m.Attempt)
	assert.Equal(t, res.Partition, m.Partition)
}

func TestSend_WithoutGroupIsDropped(t *testing.T) {
	tr := NewTransport(Config{})
	defer tr.Close(context.Background())

	res, err := tr.Send(context.Background(), "nobody", testMessage("k"), xmq.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, xmq.SendOK, res.Status)
	assert.Equal(t, uint64(1), tr.Stats().Dropped)
}

func TestSend_FansOutToEveryGroup(t *testing.T) {
	tr := NewTransport(Config{})
	defer tr.Close(context.Background())
	a := collect(t, tr, "t", "a", xmq.SubscribeOptions{})
	b := collect(t, tr, "t", "b", xmq.SubscribeOptions{})

	_, err := tr.Send(context.Background(), "t", testMessage("k"), xmq.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "k", receive(t, a).Key)
	assert.Equal(t, "k", receive(t, b).Key)
}

func TestSend_HashKeyPinsPartition(t *testing.T) {
	tr := NewTransport(Config{Partitions: 8})
	defer tr.Close(context.Background())

	first, err := tr.Send(context.Background(), "t", testMessage("a"), xmq.SendOptions{HashKey: "user-42"})
	require.NoError(t, err)
	for i := range 10 {
		res, err := tr.Send(context.Background(), "t", testMessage(fmt.Sprint(i)), xmq.SendOptions{HashKey: "user-42"})
		require.NoError(t, err)
		assert.Equal(t, first.Partition, res.Partition)
	}
}

func TestSend_RoundRobinWithoutHashKey(t *testing.T) {
	tr := NewTransport(Config{Partitions: 3})
	defer tr.Close(context.Background())

	seen := map[int]bool{}
	for i := range 3 {
		res, err := tr.Send(context.Background(), "t", testMessage(fmt.Sprint(i)), xmq.SendOptions{})
		require.NoError(t, err)
		seen[res.Partition] = true
	}
	assert.Len(t, seen, 3)
}

func TestOrderly_PreservesSequenceAcrossRetries(t *testing.T) {
	tr := NewTransport(Config{Partitions: 4, RedeliveryDelay: time.Millisecond})
	defer tr.Close(context.Background())

	var (
		mu    sync.Mutex
		order []string
		fails atomic.Int32
	)
	done := make(chan struct{})
	sub, err := tr.Subscribe(context.Background(), "t", "g", xmq.SubscribeOptions{Orderly: true}, func(d xmq.Delivery) {
		m := d.Message()
		// the second step fails twice before it succeeds
		if m.Key == "S2" && fails.Add(1) <= 2 {
			_ = d.Nack(context.Background(), errors.New("transient"))
			return
		}
		_ = d.Ack(context.Background())
		mu.Lock()
		order = append(order, m.Key)
		if len(order) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	for _, k := range []string{"S1", "S2", "S3"} {
		_, err := tr.Send(context.Background(), "t", testMessage(k), xmq.SendOptions{HashKey: "user-42"})
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, []string{"S1", "S2", "S3"}, order)
	assert.Equal(t, uint64(2), tr.Stats().Redelivered)
}

func TestConcurrent_NackRequeues(t *testing.T) {
	tr := NewTransport(Config{})
	defer tr.Close(context.Background())

	attempts := make(chan int, 4)
	sub, err := tr.Subscribe(context.Background(), "t", "g", xmq.SubscribeOptions{}, func(d xmq.Delivery) {
		attempts <- d.Message().Attempt
		if d.Message().Attempt == 1 {
			_ = d.Nack(context.Background(), errors.New("boom"))
			return
		}
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = tr.Send(context.Background(), "t", testMessage("k"), xmq.SendOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, <-attempts)
	select {
	case n := <-attempts:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no redelivery")
	}
}

func TestNack_RequeuesWhenPartitionIsFull(t *testing.T) {
	tr := NewTransport(Config{Partitions: 1, BufferSize: 1, Concurrency: 1})
	defer tr.Close(context.Background())

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	first := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan struct{}, 4)
	sub, err := tr.Subscribe(context.Background(), "t", "g", xmq.SubscribeOptions{}, func(d xmq.Delivery) {
		m := d.Message()
		mu.Lock()
		seen[m.Key]++
		mu.Unlock()
		if m.Key == "A" && m.Attempt == 1 {
			close(first)
			<-proceed
			_ = d.Nack(context.Background(), errors.New("boom"))
			return
		}
		_ = d.Ack(context.Background())
		done <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	_, err = tr.Send(ctx, "t", testMessage("A"), xmq.SendOptions{})
	require.NoError(t, err)
	<-first
	// B takes the only buffer slot while A is being nacked
	_, err = tr.Send(ctx, "t", testMessage("B"), xmq.SendOptions{})
	require.NoError(t, err)
	close(proceed)

	for range 2 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("nacked message was not redelivered")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"A": 2, "B": 1}, seen)
}

func TestSend_Delayed(t *testing.T) {
	tr := NewTransport(Config{TimeScale: 0.01})
	defer tr.Close(context.Background())
	got := collect(t, tr, "t", "g", xmq.SubscribeOptions{})

	start := time.Now()
	res, err := tr.Send(context.Background(), "t", testMessage("later"), xmq.SendOptions{DelayLevel: 2})
	require.NoError(t, err)
	assert.Equal(t, xmq.SendOK, res.Status)

	select {
	case <-got:
		t.Fatal("delayed message delivered immediately")
	case <-time.After(10 * time.Millisecond):
	}

	m := receive(t, got)
	assert.Equal(t, "later", m.Key)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, uint64(1), tr.Stats().Delayed)
}

func TestSendInTransaction(t *testing.T) {
	tests := []struct {
		name      string
		execute   xmq.TransactionState
		execErr   error
		check     func(n int) xmq.TransactionState
		delivered bool
		want      xmq.TransactionState
	}{
		{name: "commit", execute: xmq.TxCommit, delivered: true, want: xmq.TxCommit},
		{name: "rollback", execute: xmq.TxRollback, want: xmq.TxRollback},
		{name: "error rolls back", execute: xmq.TxCommit, execErr: errors.New("db down"), want: xmq.TxRollback},
		{
			name:    "unknown resolved by check-back",
			execute: xmq.TxUnknown,
			check: func(n int) xmq.TransactionState {
				if n < 3 {
					return xmq.TxUnknown
				}
				return xmq.TxCommit
			},
			delivered: true,
			want:      xmq.TxUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransport(Config{CheckInterval: 2 * time.Millisecond})
			defer tr.Close(context.Background())
			got := collect(t, tr, "t", "g", xmq.SubscribeOptions{})

			var checks atomic.Int32
			l := xmq.TransactionFuncs{
				Execute: func(_ context.Context, msg *xmq.Message, arg any) (xmq.TransactionState, error) {
					assert.Equal(t, "order-1", arg)
					assert.NotEmpty(t, msg.ID)
					return tt.execute, tt.execErr
				},
				Check: func(context.Context, *xmq.Message) (xmq.TransactionState, error) {
					return tt.check(int(checks.Add(1))), nil
				},
			}

			res, err := tr.SendInTransaction(context.Background(), "t", testMessage("tx"), "order-1", l)
			require.NoError(t, err)
			assert.Equal(t, xmq.SendOK, res.Status)
			assert.Equal(t, tt.want, res.Transaction)

			if tt.delivered {
				assert.Equal(t, "tx", receive(t, got).Key)
				return
			}
			select {
			case <-got:
				t.Fatal("rolled back message was delivered")
			case <-time.After(20 * time.Millisecond):
			}
		})
	}
}

func TestSendInTransaction_UnknownExhaustsChecks(t *testing.T) {
	tr := NewTransport(Config{CheckInterval: time.Millisecond, MaxChecks: 3})
	defer tr.Close(context.Background())
	got := collect(t, tr, "t", "g", xmq.SubscribeOptions{})

	res, err := tr.SendInTransaction(context.Background(), "t", testMessage("tx"), nil, xmq.TransactionFuncs{
		Execute: func(context.Context, *xmq.Message, any) (xmq.TransactionState, error) {
			return xmq.TxUnknown, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, xmq.TxUnknown, res.Transaction)

	require.Eventually(t, func() bool { return tr.Stats().RolledBack == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), tr.Stats().Checks)
	assert.Empty(t, got)
}

func TestClose_RejectsSends(t *testing.T) {
	tr := NewTransport(Config{})
	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	_, err := tr.Send(context.Background(), "t", testMessage("k"), xmq.SendOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Subscribe(context.Background(), "t", "g", xmq.SubscribeOptions{}, func(xmq.Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"partitions":       2,
		"redelivery_delay": "15ms",
		"time_scale":       0.5,
		"max_checks":       0,
	})
	assert.Equal(t, 2, c.Partitions)
	assert.Equal(t, 15*time.Millisecond, c.RedeliveryDelay)
	assert.Equal(t, 0.5, c.TimeScale)
	assert.Equal(t, 15, c.MaxChecks)
	assert.Equal(t, 1024, c.BufferSize)

	back := ConfigFromMap(c.toMap())
	assert.Equal(t, c, back)
}
