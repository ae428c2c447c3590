package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-bridge/message"
	"mini-bridge/protocol"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *protocol.Command) (message.Value, error) {
			start := time.Now()
			v, err := next(ctx, cmd)
			fields := []zap.Field{
				zap.String("op", string(rune(cmd.Op))),
				zap.Int("parts", len(cmd.Parts)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Debug("bridge command failed", append(fields, zap.Error(err))...)
				return v, err
			}
			logger.Debug("bridge command", append(fields, zap.Stringer("result", v.Kind()))...)
			return v, nil
		}
	}
}
