package middleware

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"jsoncomm/message"
)

// RecoverMiddleware turns a panicking handler into a failed request.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Request) (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic handling %q: %v", req.RequestCommand(), r)
					logr.FromContextOrDiscard(ctx).Error(err, "Handler panicked")
					resp = nil
				}
			}()
			return next(ctx, req)
		}
	}
}
