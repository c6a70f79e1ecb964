package xmq

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryMode selects how a message is sent. The set is closed: Sync, Delayed,
// Ordered and Transactional are the only implementations.
type DeliveryMode interface {
	Name() string
	validate() error
}

// DelayLevel is a code 1..18 into a fixed schedule of delays.
type DelayLevel int

const (
	MinDelayLevel DelayLevel = 1
	MaxDelayLevel DelayLevel = 18
)

var delaySchedule = [...]time.Duration{
	1 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	1 * time.Minute,
	2 * time.Minute,
	3 * time.Minute,
	4 * time.Minute,
	5 * time.Minute,
	6 * time.Minute,
	7 * time.Minute,
	8 * time.Minute,
	9 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
	2 * time.Hour,
}

// Validate rejects levels outside [1,18]. Levels are never clamped.
func (l DelayLevel) Validate() error {
	if l < MinDelayLevel || l > MaxDelayLevel {
		return validationError("delay_level", fmt.Sprintf("must be in [%d,%d], got %d", MinDelayLevel, MaxDelayLevel, int(l)))
	}
	return nil
}

// Duration returns the scheduled delay, or 0 for an invalid level.
func (l DelayLevel) Duration() time.Duration {
	if l.Validate() != nil {
		return 0
	}
	return delaySchedule[l-1]
}

// DelayLevels returns the full schedule, index 0 being level 1.
func DelayLevels() []time.Duration {
	out := make([]time.Duration, len(delaySchedule))
	copy(out, delaySchedule[:])
	return out
}

// SyncMode blocks until the broker acknowledged persistence.
type SyncMode struct{}

func (SyncMode) Name() string    { return "sync" }
func (SyncMode) validate() error { return nil }

// DelayedMode enqueues for deferred delivery at Level.
type DelayedMode struct {
	Level DelayLevel
}

func (DelayedMode) Name() string      { return "delayed" }
func (m DelayedMode) validate() error { return m.Level.Validate() }

// OrderedMode routes every message sharing HashKey to the same partition.
type OrderedMode struct {
	HashKey string
}

func (OrderedMode) Name() string { return "ordered" }
func (m OrderedMode) validate() error {
	if strings.TrimSpace(m.HashKey) == "" {
		return validationError("hash_key", "must not be empty")
	}
	return nil
}

// TransactionalMode sends a half message and lets Listener decide its fate.
type TransactionalMode struct {
	Arg      any
	Listener TransactionListener
}

func (TransactionalMode) Name() string { return "transactional" }
func (m TransactionalMode) validate() error {
	if m.Listener == nil {
		return validationError("transaction_listener", "must not be nil")
	}
	return nil
}

// derefMode turns pointer modes into their values so every mode takes the
// same path through Send. A nil pointer is reported like a nil mode.
func derefMode(mode DeliveryMode) (DeliveryMode, error) {
	nilMode := validationError("mode", "must not be nil")
	switch m := mode.(type) {
	case *SyncMode:
		if m == nil {
			return nil, nilMode
		}
		return *m, nil
	case *DelayedMode:
		if m == nil {
			return nil, nilMode
		}
		return *m, nil
	case *OrderedMode:
		if m == nil {
			return nil, nilMode
		}
		return *m, nil
	case *TransactionalMode:
		if m == nil {
			return nil, nilMode
		}
		return *m, nil
	}
	return mode, nil
}

// Sync returns the synchronous delivery mode.
func Sync() DeliveryMode { return SyncMode{} }

// Delayed returns the delayed delivery mode for level.
func Delayed(level DelayLevel) DeliveryMode { return DelayedMode{Level: level} }

// Ordered returns the partition-ordered delivery mode for hashKey.
func Ordered(hashKey string) DeliveryMode { return OrderedMode{HashKey: hashKey} }

// Transactional returns the two-phase delivery mode.
func Transactional(arg any, listener TransactionListener) DeliveryMode {
	return TransactionalMode{Arg: arg, Listener: listener}
}
