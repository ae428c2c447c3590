package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-bridge/message"
	"mini-bridge/protocol"
)

// RateLimitMiddleware rejects commands beyond r per second using a token
// bucket of size burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *protocol.Command) (message.Value, error) {
			if !limiter.Allow() {
				return message.Value{}, message.ErrRateLimited
			}
			return next(ctx, cmd)
		}
	}
}
