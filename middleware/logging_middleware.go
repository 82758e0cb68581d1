package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"muxrpc/message"
)

// LoggingMiddleware logs every handled request with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Uint32("id", req.RequestID),
				zap.String("trace_id", req.Context.TraceID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				fields = append(fields, zap.String("error", resp.Error), zap.String("code", resp.Code))
				logger.Info("request failed", fields...)
				return resp
			}
			logger.Debug("request handled", fields...)
			return resp
		}
	}
}
