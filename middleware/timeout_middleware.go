package middleware

import (
	"context"
	"fmt"
	"time"

	"jsoncomm/message"
)

// ErrTimeout matches context.DeadlineExceeded.
var ErrTimeout = fmt.Errorf("request timed out: %w", context.DeadlineExceeded)

// TimeOutMiddleware fails a request that takes longer than timeout. The
// handler keeps running in the background but its context is cancelled.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp any
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, ErrTimeout
				}
				return nil, ctx.Err()
			}
		}
	}
}
