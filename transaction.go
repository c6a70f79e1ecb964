package xmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/trickstertwo/xlog"
)

// TransactionState is the verdict of a local transaction.
type TransactionState int

const (
	TxUnknown TransactionState = iota
	TxCommit
	TxRollback
)

func (s TransactionState) String() string {
	switch s {
	case TxCommit:
		return "commit"
	case TxRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Decisive reports whether the broker can finalize the half message.
func (s TransactionState) Decisive() bool { return s == TxCommit || s == TxRollback }

// TransactionListener runs the caller's side-effecting work for a transactional
// send. ExecuteLocal is invoked synchronously once the half message is stored.
// CheckLocal is invoked by the broker's check-back loop while the outcome is
// unknown. A returned error always means rollback.
type TransactionListener interface {
	ExecuteLocal(ctx context.Context, msg *Message, arg any) (TransactionState, error)
	CheckLocal(ctx context.Context, msg *Message) (TransactionState, error)
}

// TransactionFuncs adapts plain functions to TransactionListener.
// A nil Check reports TxUnknown.
type TransactionFuncs struct {
	Execute func(ctx context.Context, msg *Message, arg any) (TransactionState, error)
	Check   func(ctx context.Context, msg *Message) (TransactionState, error)
}

func (f TransactionFuncs) ExecuteLocal(ctx context.Context, msg *Message, arg any) (TransactionState, error) {
	if f.Execute == nil {
		return TxUnknown, nil
	}
	return f.Execute(ctx, msg, arg)
}

func (f TransactionFuncs) CheckLocal(ctx context.Context, msg *Message) (TransactionState, error) {
	if f.Check == nil {
		return TxUnknown, nil
	}
	return f.Check(ctx, msg)
}

// guardedListener turns errors and panics of the wrapped listener into
// rollback and remembers the local execution failure for the caller.
type guardedListener struct {
	inner  TransactionListener
	logger *xlog.Logger

	mu      sync.Mutex
	execErr error
}

func guardListener(l TransactionListener, logger *xlog.Logger) *guardedListener {
	return &guardedListener{inner: l, logger: logger}
}

func (g *guardedListener) ExecuteLocal(ctx context.Context, msg *Message, arg any) (state TransactionState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("local transaction panic: %v", r)
		}
		if err != nil {
			state = TxRollback
			g.mu.Lock()
			g.execErr = err
			g.mu.Unlock()
		}
	}()
	return g.inner.ExecuteLocal(ctx, msg, arg)
}

func (g *guardedListener) CheckLocal(ctx context.Context, msg *Message) (state TransactionState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction check panic: %v", r)
		}
		if err != nil {
			state = TxRollback
			if g.logger != nil {
				g.logger.Warn().Str("key", msg.Key).Err(err).Msg("xmq: transaction check failed, rolling back")
			}
		}
	}()
	return g.inner.CheckLocal(ctx, msg)
}

func (g *guardedListener) localErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.execErr
}
