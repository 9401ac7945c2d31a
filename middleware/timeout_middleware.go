package middleware

import (
	"context"
	"time"

	"datalayer-rpc/message"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeOutMiddleware bounds how long a handler may take to respond. A unary
// handler that never emits would otherwise hold its dispatch forever. The
// handler keeps running in the background after the deadline; its late
// response is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *message.Response
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, status.Error(codes.DeadlineExceeded, "request timed out")
				}
				return nil, status.FromContextError(ctx.Err()).Err()
			}
		}
	}
}
