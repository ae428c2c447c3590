package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mini-bridge/message"
	"mini-bridge/protocol"
)

// RetryMiddleware retries commands that failed before reaching the socket,
// i.e. when the connection could not be established. A command that was
// written is never resent: the bridge may already have executed it.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *protocol.Command) (message.Value, error) {
			v, err := next(ctx, cmd)
			for i := 0; i < maxRetries; i++ {
				if !isDialFailure(err) {
					return v, err
				}
				delay := baseDelay * time.Duration(1<<i)
				logger.Info("retrying bridge connection",
					zap.Int("attempt", i+1), zap.Duration("delay", delay), zap.Error(err))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return message.Value{}, ctx.Err()
				}
				v, err = next(ctx, cmd)
			}
			return v, err
		}
	}
}

func isDialFailure(err error) bool {
	var te *message.TransportError
	return errors.As(err, &te) && te.Op == "dial"
}
