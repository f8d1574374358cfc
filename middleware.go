package xevent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf reports whether err should be retried. Nil retries everything
	// except serialization errors, which fail the same way every time.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// ExponentialBackoff returns base, 2*base, 4*base, ... capped at maxWait.
func ExponentialBackoff(base, maxWait time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base << uint(attempt-1)
		if d <= 0 || (maxWait > 0 && d > maxWait) {
			return maxWait
		}
		return d
	}
}

// RetryMiddleware re-runs the whole dispatch of a message on failure. Handlers
// that already succeeded run again, so they must tolerate duplicates.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			var se *SerializationError
			return !errors.As(err, &se) && !errors.Is(err, ErrDisposed)
		}
	}
	return func(next MessageHandler) MessageHandler {
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
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					timer := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						timer.Stop()
						return lastErr
					case <-timer.C:
					}
				}
			}
			return lastErr
		}
	}
}

// TimeoutMiddleware bounds processing time. On expiry it returns
// context.DeadlineExceeded so the delivery is nacked; the handler keeps its
// canceled context and is expected to return.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next MessageHandler) MessageHandler { return next }
	}
	return func(next MessageHandler) MessageHandler {
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

// RecoveryMiddleware converts panics into ErrHandlerPanic errors.
func RecoveryMiddleware() Middleware {
	return func(next MessageHandler) MessageHandler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Chain composes middlewares around h; the first middleware is the outermost.
func Chain(h MessageHandler, mws ...Middleware) MessageHandler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
