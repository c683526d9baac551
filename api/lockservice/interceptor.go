package lockservice

import (
	"context"
	"fmt"
	"time"

	internaltelemetry "github.com/sushant-115/gojolock/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor records RPC metrics, logs failed calls and turns
// handler panics into Internal errors.
func UnaryServerInterceptor(metrics *internaltelemetry.RPCMetrics, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		methodAttr := metric.WithAttributes(attribute.String("rpc.method", info.FullMethod))
		start := time.Now()
		if metrics != nil {
			metrics.RpcsStartedCounter.Add(ctx, 1, methodAttr)
			metrics.ActiveRpcsUpDownCounter.Add(ctx, 1, methodAttr)
		}

		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in RPC handler", zap.String("method", info.FullMethod), zap.Any("panic", r), zap.Stack("stack"))
				err = status.Error(codes.Internal, fmt.Sprintf("internal error: %v", r))
				resp = nil
			}
			code := status.Code(err)
			if metrics != nil {
				metrics.ActiveRpcsUpDownCounter.Add(ctx, -1, methodAttr)
				metrics.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("rpc.method", info.FullMethod),
					attribute.String("rpc.code", code.String()),
				))
				metrics.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), methodAttr)
			}
			switch code {
			case codes.OK:
				logger.Debug("RPC handled", zap.String("method", info.FullMethod), zap.Duration("latency", time.Since(start)))
			case codes.Internal, codes.Unknown, codes.DataLoss:
				logger.Error("RPC failed", zap.String("method", info.FullMethod), zap.Stringer("code", code), zap.Error(err))
			default:
				logger.Debug("RPC rejected", zap.String("method", info.FullMethod), zap.Stringer("code", code), zap.Error(err))
			}
		}()

		return handler(ctx, req)
	}
}
