package middleware

import (
	"context"
	"time"

	"mini-bridge/message"
	"mini-bridge/protocol"
)

// TimeOutMiddleware bounds how long a caller waits for a response. A command
// that was already written keeps its place in the transport queue after the
// caller gives up; only the wait is abandoned.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *protocol.Command) (message.Value, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				v   message.Value
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				v, err := next(ctx, cmd)
				done <- outcome{v, err}
			}()

			select {
			case o := <-done:
				return o.v, o.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return message.Value{}, message.ErrTimeout
				}
				return message.Value{}, ctx.Err()
			}
		}
	}
}
