package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"scriptbridge/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware is a token bucket in front of the dispatcher. A rejected
// request never reaches the engine and is answered through fail.
func RateLimitMiddleware(r float64, burst int, fail FailureFunc) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.Response {
			if !limiter.Allow() {
				return fail(req.CorrelationID, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
