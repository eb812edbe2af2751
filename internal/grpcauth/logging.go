package grpcauth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary client interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		// metadata only, never payloads
		log.Debug("grpc",
			zap.String("method", method),
			zap.String("code", status.Code(err).String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("target", cc.Target()),
		)
		return err
	}
}

// DialOptions chains logging outside the auth interceptor, so retries log once per call.
func (i *Interceptor) DialOptions(log *zap.Logger) []grpc.DialOption {
	return []grpc.DialOption{grpc.WithChainUnaryInterceptor(LoggingUnary(log), i.Unary())}
}
