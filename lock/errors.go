package lock

import "errors"

var (
	// ErrNotOwner is returned when unlocking a key the caller does not hold.
	ErrNotOwner = errors.New("lock: not held by caller")
	// ErrInterruptedWait wraps ctx.Err() when a wait for a lock was cut short.
	ErrInterruptedWait = errors.New("lock: wait interrupted")
	// ErrLatchAlreadySet is returned by SetCount on a latch that is still counting.
	ErrLatchAlreadySet = errors.New("lock: latch count already set")
)
