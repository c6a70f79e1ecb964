package xmq_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmq"
	"github.com/trickstertwo/xmq/adapter/memory"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Step    string `json:"step,omitempty"`
}

func newBus(t *testing.T, cfg memory.Config, opts ...memory.Option) *xmq.Bus {
	t.Helper()
	bus := memory.Use(cfg, opts...)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d/%d", i, n)
		}
	}
}

func TestSendSync_Outcome(t *testing.T) {
	bus := newBus(t, memory.Config{Partitions: 4})

	got := make(chan *xmq.Message, 1)
	sub, err := bus.Subscribe(context.Background(), "orders", "billing", func(_ context.Context, msg *xmq.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	env := xmq.NewEnvelope(orderPlaced{OrderID: "o-1"}, xmq.WithKey("k1"), xmq.WithSource("checkout"))
	out, err := bus.SendSync(context.Background(), xmq.To("orders"), env)
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, xmq.SendOK, out.Status)
	assert.Equal(t, "orders", out.Destination)
	assert.Equal(t, "k1", out.Key)
	assert.Equal(t, "sync", out.Mode)
	assert.NotEmpty(t, out.MessageID)

	select {
	case msg := <-got:
		assert.Equal(t, out.MessageID, msg.ID)
		back, err := xmq.DecodeEnvelope[orderPlaced](bus.Codec(), msg)
		require.NoError(t, err)
		assert.Equal(t, "k1", back.Key())
		assert.Equal(t, "checkout", back.Source())
		assert.Equal(t, "o-1", back.Body().OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	m := bus.GetMetrics()
	assert.Equal(t, uint64(1), m.Published)
	assert.Eventually(t, func() bool { return bus.GetMetrics().Acked == 1 }, time.Second, 5*time.Millisecond)
}

func TestSend_ValidationFailsBeforeTransport(t *testing.T) {
	bus := newBus(t, memory.Config{})
	ctx := context.Background()
	env := xmq.NewEnvelope(orderPlaced{OrderID: "o-1"})

	cases := map[string]struct {
		dest xmq.Destination
		env  xmq.Outbound
		mode xmq.DeliveryMode
	}{
		"empty topic":        {xmq.To(""), env, xmq.Sync()},
		"delimiter in tag":   {xmq.To("orders", "a:b"), env, xmq.Sync()},
		"delay level 0":      {xmq.To("orders"), env, xmq.Delayed(0)},
		"delay level 19":     {xmq.To("orders"), env, xmq.Delayed(19)},
		"empty hash key":     {xmq.To("orders"), env, xmq.Ordered("")},
		"nil listener":       {xmq.To("orders"), env, xmq.Transactional(nil, nil)},
		"nil mode":           {xmq.To("orders"), env, nil},
		"nil pointer mode":   {xmq.To("orders"), env, (*xmq.SyncMode)(nil)},
		"pointer delay 0":    {xmq.To("orders"), env, &xmq.DelayedMode{}},
		"nil envelope":       {xmq.To("orders"), nil, xmq.Sync()},
		"empty envelope key": {xmq.To("orders"), xmq.NewEnvelope(1, xmq.WithKey(" ")), xmq.Sync()},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := bus.Send(ctx, tc.dest, tc.env, tc.mode)
			require.Error(t, err)
			assert.ErrorIs(t, err, xmq.ErrValidation)
			var ve *xmq.ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}

	assert.Zero(t, bus.GetMetrics().Published)
	assert.Zero(t, bus.Transport().(*memory.Transport).Stats().Published)
}

func TestSend_DelayLevelBounds(t *testing.T) {
	bus := newBus(t, memory.Config{TimeScale: 0.001})
	ctx := context.Background()

	for _, level := range []xmq.DelayLevel{1, 18} {
		out, err := bus.SendDelayed(ctx, xmq.To("orders"), xmq.NewEnvelope(1), level)
		require.NoError(t, err, "level %d", level)
		assert.Equal(t, "delayed", out.Mode)
	}
}

func TestSendOrderly_PreservesOrder(t *testing.T) {
	bus := newBus(t, memory.Config{Partitions: 8, RedeliveryDelay: 5 * time.Millisecond})

	var (
		mu    sync.Mutex
		steps []string
		fails atomic.Int32
	)
	done := make(chan struct{}, 3)
	sub, err := bus.Subscribe(context.Background(), "orders", "fulfilment", func(_ context.Context, msg *xmq.Message) error {
		env, err := xmq.DecodeEnvelope[orderPlaced](bus.Codec(), msg)
		if err != nil {
			return err
		}
		if env.Body().Step == "S2" && fails.Add(1) == 1 {
			return errors.New("not yet")
		}
		mu.Lock()
		steps = append(steps, env.Body().Step)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, xmq.Orderly())
	require.NoError(t, err)
	defer sub.Close()

	var partitions []int
	for _, s := range []string{"S1", "S2", "S3"} {
		out, err := bus.SendOrderly(context.Background(), xmq.To("orders"), xmq.NewEnvelope(orderPlaced{OrderID: "o-1", Step: s}), "user-42")
		require.NoError(t, err)
		partitions = append(partitions, out.Partition)
	}
	assert.Equal(t, partitions[0], partitions[1])
	assert.Equal(t, partitions[0], partitions[2])

	waitFor(t, done, 3)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"S1", "S2", "S3"}, steps)
}

func TestSendInTransaction(t *testing.T) {
	dbDown := errors.New("db down")
	cases := []struct {
		name      string
		execute   func() (xmq.TransactionState, error)
		wantTx    xmq.TransactionState
		wantErr   func(t *testing.T, err error)
		delivered bool
	}{
		{
			name:      "commit",
			execute:   func() (xmq.TransactionState, error) { return xmq.TxCommit, nil },
			wantTx:    xmq.TxCommit,
			wantErr:   func(t *testing.T, err error) { assert.NoError(t, err) },
			delivered: true,
		},
		{
			name:    "rollback",
			execute: func() (xmq.TransactionState, error) { return xmq.TxRollback, nil },
			wantTx:  xmq.TxRollback,
			wantErr: func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		{
			name:    "local error",
			execute: func() (xmq.TransactionState, error) { return xmq.TxCommit, dbDown },
			wantTx:  xmq.TxRollback,
			wantErr: func(t *testing.T, err error) {
				var te *xmq.TransactionError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, "k-tx", te.Key)
				assert.ErrorIs(t, err, dbDown)
			},
		},
		{
			name:    "panic",
			execute: func() (xmq.TransactionState, error) { panic("boom") },
			wantTx:  xmq.TxRollback,
			wantErr: func(t *testing.T, err error) {
				var te *xmq.TransactionError
				assert.True(t, errors.As(err, &te))
			},
		},
		{
			name:    "unknown",
			execute: func() (xmq.TransactionState, error) { return xmq.TxUnknown, nil },
			wantTx:  xmq.TxUnknown,
			wantErr: func(t *testing.T, err error) { assert.ErrorIs(t, err, xmq.ErrTransactionUncertain) },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := newBus(t, memory.Config{CheckInterval: time.Hour})

			received := make(chan struct{}, 1)
			sub, err := bus.Subscribe(context.Background(), "orders", "g", func(context.Context, *xmq.Message) error {
				received <- struct{}{}
				return nil
			})
			require.NoError(t, err)
			defer sub.Close()

			l := xmq.TransactionFuncs{
				Execute: func(context.Context, *xmq.Message, any) (xmq.TransactionState, error) { return tc.execute() },
			}
			env := xmq.NewEnvelope(orderPlaced{OrderID: "o-1"}, xmq.WithKey("k-tx"))
			out, err := bus.SendInTransaction(context.Background(), xmq.To("orders"), env, "arg", l)
			tc.wantErr(t, err)
			assert.Equal(t, tc.wantTx, out.Transaction)
			assert.Equal(t, "transactional", out.Mode)

			select {
			case <-received:
				assert.True(t, tc.delivered, "rolled back message was delivered")
			case <-time.After(100 * time.Millisecond):
				assert.False(t, tc.delivered, "committed message was not delivered")
			}
		})
	}
}

func TestSubscribe_TagFilter(t *testing.T) {
	bus := newBus(t, memory.Config{})

	got := make(chan string, 4)
	sub, err := bus.Subscribe(context.Background(), "orders", "g", func(_ context.Context, msg *xmq.Message) error {
		got <- msg.Tag
		return nil
	}, xmq.WithTags("created", "paid"))
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	for _, tag := range []string{"cancelled", "created", "refunded", "paid"} {
		_, err := bus.SendSync(ctx, xmq.To("orders", tag), xmq.NewEnvelope(1))
		require.NoError(t, err)
	}

	var tags []string
	for range 2 {
		select {
		case tag := <-got:
			tags = append(tags, tag)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	assert.ElementsMatch(t, []string{"created", "paid"}, tags)
	assert.Eventually(t, func() bool { return bus.GetMetrics().Filtered == 2 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_NackRedelivers(t *testing.T) {
	bus := newBus(t, memory.Config{RedeliveryDelay: time.Millisecond})

	var calls atomic.Int32
	done := make(chan struct{}, 1)
	sub, err := bus.Subscribe(context.Background(), "orders", "g", func(_ context.Context, msg *xmq.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("retry me")
		}
		assert.Equal(t, 2, msg.Attempt)
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = bus.SendSync(context.Background(), xmq.To("orders"), xmq.NewEnvelope(1))
	require.NoError(t, err)
	waitFor(t, done, 1)
	assert.Eventually(t, func() bool { return bus.GetMetrics().Nacked == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_HandlerPanicIsNacked(t *testing.T) {
	bus := newBus(t, memory.Config{RedeliveryDelay: time.Millisecond})

	var calls atomic.Int32
	done := make(chan struct{}, 1)
	sub, err := bus.Subscribe(context.Background(), "orders", "g", func(context.Context, *xmq.Message) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = bus.SendSync(context.Background(), xmq.To("orders"), xmq.NewEnvelope(1))
	require.NoError(t, err)
	waitFor(t, done, 1)
}

func TestSubscribe_Invalid(t *testing.T) {
	bus := newBus(t, memory.Config{})
	_, err := bus.Subscribe(context.Background(), "", "g", func(context.Context, *xmq.Message) error { return nil })
	assert.ErrorIs(t, err, xmq.ErrInvalidSubscription)
	_, err = bus.Subscribe(context.Background(), "orders", "g", nil)
	assert.ErrorIs(t, err, xmq.ErrInvalidSubscription)
}

func TestObserver_ReceivesPublishDone(t *testing.T) {
	events := make(chan xmq.Event, 16)
	bus := newBus(t, memory.Config{}, memory.WithObserver(xmq.ObserverFunc(func(e xmq.Event) {
		if e.Type == xmq.PublishDone {
			events <- e
		}
	})))

	out, err := bus.SendSync(context.Background(), xmq.To("orders", "created"), xmq.NewEnvelope(1, xmq.WithKey("k1")))
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, "orders:created", e.Destination)
		assert.Equal(t, "k1", e.Key)
		assert.Equal(t, out.MessageID, e.MessageID)
		assert.Equal(t, out.String(), e.Outcome)
		assert.NoError(t, e.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestSend_PointerModes(t *testing.T) {
	var (
		mu     sync.Mutex
		starts int
	)
	done := make(chan xmq.Event, 8)
	bus := newBus(t, memory.Config{}, memory.WithObserver(xmq.ObserverFunc(func(e xmq.Event) {
		switch e.Type {
		case xmq.PublishStart:
			mu.Lock()
			starts++
			mu.Unlock()
		case xmq.PublishDone:
			done <- e
		}
	})))
	ctx := context.Background()

	modes := []xmq.DeliveryMode{
		&xmq.SyncMode{},
		&xmq.DelayedMode{Level: 1},
		&xmq.OrderedMode{HashKey: "user-42"},
	}
	for _, mode := range modes {
		out, err := bus.Send(ctx, xmq.To("orders"), xmq.NewEnvelope(1), mode)
		require.NoError(t, err, "%T", mode)
		assert.True(t, out.OK())
		assert.Equal(t, mode.Name(), out.Mode)
	}

	for range modes {
		select {
		case e := <-done:
			assert.NoError(t, e.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("missing PublishDone")
		}
	}
	mu.Lock()
	assert.Equal(t, len(modes), starts)
	mu.Unlock()
	assert.Equal(t, uint64(len(modes)), bus.GetMetrics().Published)
}

func TestBus_Closed(t *testing.T) {
	bus := memory.Use(memory.Config{})
	require.NoError(t, bus.Close(context.Background()))

	_, err := bus.SendSync(context.Background(), xmq.To("orders"), xmq.NewEnvelope(1))
	assert.ErrorIs(t, err, xmq.ErrBusClosed)
	_, err = bus.Subscribe(context.Background(), "orders", "g", func(context.Context, *xmq.Message) error { return nil })
	assert.ErrorIs(t, err, xmq.ErrBusClosed)
}

func TestBus_Health(t *testing.T) {
	bus := newBus(t, memory.Config{})
	_, err := bus.SendSync(context.Background(), xmq.To("orders"), xmq.NewEnvelope(1))
	require.NoError(t, err)
	h := bus.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, uint64(1), h.Metrics.Published)

	require.NoError(t, bus.Close(context.Background()))
	assert.Equal(t, "unhealthy", bus.Health(context.Background()).Status)
}

func TestBuilder_UnknownTransport(t *testing.T) {
	_, err := xmq.NewBusBuilder().WithTransport("carrier-pigeon", nil).Build()
	var unknown xmq.ErrUnknownTransport
	assert.True(t, errors.As(err, &unknown))

	_, err = xmq.NewBusBuilder().Build()
	assert.ErrorIs(t, err, xmq.ErrNoTransportConfigured)
}
