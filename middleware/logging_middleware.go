package middleware

import (
	"context"
	"time"

	"datalayer-rpc/message"

	"go.uber.org/zap"
	"google.golang.org/grpc/status"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("code", status.Code(err)),
			}
			if err != nil {
				logger.Warn("dispatch failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("dispatched", fields...)
			}
			return resp, err
		}
	}
}
