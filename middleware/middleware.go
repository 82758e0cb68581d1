// Package middleware wraps server handlers with cross-cutting behavior.
//
// Chain(A, B, C)(handler) → A(B(C(handler))), so A sees the request first and the
// response last.
package middleware

import (
	"context"

	"muxrpc/message"
)

// HandlerFunc turns a request envelope into its response envelope. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
