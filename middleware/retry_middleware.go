package middleware

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"jsoncomm/message"
)

type retryableError struct {
	err error
}

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient so that RetryMiddleware tries again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether err is worth another attempt: it was marked
// with Retryable, or it is a timeout or a refused connection.
func IsRetryable(err error) bool {
	var re retryableError
	return errors.As(err, &re) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// RetryMiddleware re-runs the handler up to maxRetries times while it fails
// with a retryable error, waiting baseDelay, then exponentially longer.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Request) (any, error) {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = baseDelay
			policy.MaxElapsedTime = 0
			b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(maxRetries, 0))), ctx)

			attempt := 0
			var resp any
			err := backoff.RetryNotify(func() error {
				attempt++
				var err error
				resp, err = next(ctx, req)
				if err != nil && !IsRetryable(err) {
					return backoff.Permanent(err)
				}
				return err
			}, b, func(err error, wait time.Duration) {
				logr.FromContextOrDiscard(ctx).Info("Retrying request",
					"command", req.RequestCommand(), "attempt", attempt, "wait", wait, "error", err.Error())
			})
			if err != nil {
				return nil, err
			}
			return resp, nil
		}
	}
}
