package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"scriptbridge/message"
)

// SlowRequestMiddleware warns about requests running longer than threshold. It never
// interrupts them: once dequeued a request always runs to completion.
func SlowRequestMiddleware(threshold time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			if elapsed := time.Since(start); elapsed > threshold {
				logger.Warn("slow request",
					zap.Stringer("type", req.Type),
					zap.Uint32("correlation_id", req.CorrelationID),
					zap.Duration("elapsed", elapsed),
					zap.Duration("threshold", threshold))
			}
			return resp
		}
	}
}
