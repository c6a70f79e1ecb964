package xmq

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation matches every ValidationError via errors.Is.
	ErrValidation = errors.New("xmq: validation failed")
	// ErrTransactionUncertain is returned when the local transaction reported
	// unknown. The broker's check-back loop resolves the half message later.
	ErrTransactionUncertain = errors.New("xmq: transaction outcome unknown, awaiting check-back")
	// ErrDecode wraps payload decoding failures on the consumer side.
	ErrDecode = errors.New("xmq: decode message")

	ErrBusClosed                   = errors.New("xmq: bus is closed")
	ErrNoTransportConfigured       = errors.New("xmq: no transport configured")
	ErrInvalidSubscription         = errors.New("xmq: invalid subscription (topic, group and handler required)")
	ErrHandlerPanic                = errors.New("xmq: handler panic")
	ErrObserverPoolShutdownTimeout = errors.New("xmq: observer pool shutdown timeout")
)

// ErrUnknownTransport is returned by NewTransport for unregistered names.
type ErrUnknownTransport struct {
	name  string
	known []string
}

func (e ErrUnknownTransport) Error() string {
	return fmt.Sprintf("xmq: unknown transport %q (registered: %s)", e.name, strings.Join(e.known, ", "))
}

// Name is the transport name that was asked for.
func (e ErrUnknownTransport) Name() string { return e.name }

// ErrUnknownCodec is returned by NewCodec for unregistered names.
type ErrUnknownCodec struct {
	name  string
	known []string
}

func (e ErrUnknownCodec) Error() string {
	return fmt.Sprintf("xmq: unknown codec %q (registered: %s)", e.name, strings.Join(e.known, ", "))
}

// Name is the codec name that was asked for.
func (e ErrUnknownCodec) Name() string { return e.name }

// ValidationError is a contract violation detected before any network call.
// It is never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("xmq: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func validationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PublishError is a transport-level send failure. Retrying requires resending
// the identical envelope so the dedup key is preserved.
type PublishError struct {
	Destination string
	Key         string
	Mode        string
	Cause       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("xmq: publish %s to %q (key %s) failed: %v", e.Mode, e.Destination, e.Key, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }

// TransactionError reports a local transaction that failed and was rolled back.
type TransactionError struct {
	Key   string
	Cause error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("xmq: local transaction for %s rolled back: %v", e.Key, e.Cause)
}

func (e *TransactionError) Unwrap() error { return e.Cause }
