// Package middleware wraps request handlers with cross-cutting behaviour.
//
// A Middleware takes the next handler and returns a new one, so a chain reads
// like an onion: the first middleware in Chain is the outermost layer and sees
// the request first and the result last.
//
//	Chain(Recover, Logging, Timeout)(handler)
//	  → Recover → Logging → Timeout → handler → Timeout → Logging → Recover
package middleware

import (
	"jsoncomm/transport"
)

// HandlerFunc has the shape of a connection's request handler, so a chained
// handler can be passed straight to transport.WithHandler.
type HandlerFunc = transport.RequestHandler

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
