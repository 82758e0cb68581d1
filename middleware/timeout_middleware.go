package middleware

import (
	"context"
	"time"

	"muxrpc/message"
)

// TimeOutMiddleware caps the deadline a handler sees at timeout from now. The inbound
// deadline still wins when it is earlier.
//
// Deadlines are advisory: the handler is never abandoned, and its response is always
// sent, however late.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
