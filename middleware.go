package xmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig controls in-process retries of a handler.
// The broker redelivers nacked messages anyway; this is for callers that want
// a few quick local attempts first.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors except validation and decode failures are retried.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

func defaultRetryIf(err error) bool {
	return !errors.Is(err, ErrDecode) && !errors.Is(err, ErrValidation)
}

// RetryMiddleware provides bounded, selective retries around a handler.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = defaultRetryIf
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			var lastErr error
			for i := 1; i <= attempts; i++ {
				lastErr = next(ctx, msg)
				if lastErr == nil {
					return nil
				}
				if ctx.Err() != nil || i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				if lg, ok := LoggerFromContext(ctx); ok {
					lg.Debug().Str("key", msg.Key).Err(lastErr).Msg("xmq: retrying handler")
				}
				if cfg.Backoff == nil {
					continue
				}
				wait := cfg.Backoff(i)
				if cfg.Jitter > 0 {
					wait += time.Duration(rand.Int64N(int64(cfg.Jitter)))
				}
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return lastErr
				case <-timer.C:
				}
			}
			return lastErr
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a handler.
// When exceeded, it returns context.DeadlineExceeded and the message is nacked.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors so the message is
// nacked instead of crashing the consumer.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: key %s: %v", ErrHandlerPanic, msg.Key, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Chain composes middlewares around a handler in order: the first middleware
// is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
