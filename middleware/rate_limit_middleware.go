package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"muxrpc/message"
	"muxrpc/rpcerr"
)

// RateLimitMiddleware admits requests through a token bucket of r tokens per second and
// the given burst; requests over the limit fail immediately with rpcerr.CodeRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				return message.NewErrorResponse(req.RequestID, "rate limit exceeded", rpcerr.CodeRateLimited)
			}
			return next(ctx, req)
		}
	}
}
