// Package middleware wraps the dispatch of decoded request envelopes.
//
// Middlewares see the envelope after it has been parsed but before the
// method is looked up, so anything they reject never reaches a handler.
package middleware

import (
	"context"

	"datalayer-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
