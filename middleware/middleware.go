// Package middleware wraps the dispatcher. Every handler runs on the worker with the
// engine lock held, so middlewares must not block on anything the worker owns.
package middleware

import (
	"context"

	"scriptbridge/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// FailureFunc builds the failure response for a rejected request.
type FailureFunc func(id uint32, err error) *message.Response

// Chain combines middlewares; the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
