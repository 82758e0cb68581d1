package middleware

import (
	"context"
	"time"

	"muxrpc/message"
	"muxrpc/metrics"
	"muxrpc/rpcerr"
)

// MetricsMiddleware counts requests by method and outcome and records handler latency.
// A request whose handler panics is recorded with the "panic" outcome.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (resp *message.Envelope) {
			start := time.Now()
			defer func() {
				m.ObserveRequest(req.Method, outcomeOf(resp), time.Since(start))
			}()
			return next(ctx, req)
		}
	}
}

func outcomeOf(resp *message.Envelope) string {
	switch {
	case resp == nil:
		return metrics.OutcomePanic
	case !resp.Failed():
		return metrics.OutcomeOK
	case resp.Code == rpcerr.CodeSerialization:
		return metrics.OutcomeSerialization
	}
	return metrics.OutcomeAppError
}
