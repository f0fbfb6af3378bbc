package middleware

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"jsoncomm/message"
)

// LoggingMiddleware logs every request with its duration. It uses the logger
// carried by ctx, which connections populate with their own logger.
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Request) (any, error) {
			log := logr.FromContextOrDiscard(ctx)
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				log.Error(err, "Request failed", "command", req.RequestCommand(), "duration", duration)
			} else {
				log.Info("Request handled", "command", req.RequestCommand(), "duration", duration)
			}
			return resp, err
		}
	}
}
