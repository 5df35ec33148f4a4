package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"scriptbridge/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.Stringer("type", req.Type),
				zap.Uint32("correlation_id", req.CorrelationID),
				zap.Duration("duration", time.Since(start)),
			}
			if req.ModuleName != nil {
				fields = append(fields, zap.String("module", *req.ModuleName))
			}
			if resp != nil && resp.Failed {
				logger.Warn("request failed", append(fields, zap.String("trace", resp.Text))...)
				return resp
			}
			logger.Debug("request handled", fields...)
			return resp
		}
	}
}
