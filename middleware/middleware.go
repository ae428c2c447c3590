// Package middleware wraps the path from a command to its decoded response.
// A gateway runs its chain around every command it sends, reflection probes
// included; the in-process bridge runs one around command dispatch.
package middleware

import (
	"context"

	"mini-bridge/message"
	"mini-bridge/protocol"
)

// HandlerFunc executes cmd and returns the decoded response.
type HandlerFunc func(ctx context.Context, cmd *protocol.Command) (message.Value, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
