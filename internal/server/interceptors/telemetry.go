package interceptors

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
)

// TelemetryUnary returns a unary server interceptor that emits a telemetry event after each RPC.
// Best-effort: failures are logged and do not fail the RPC. If emitter is nil, the interceptor no-ops.
// skipMethods is the set of full method names to not emit (e.g. the health check).
func TelemetryUnary(emitter telemetry.EventEmitter, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if emitter == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		event := domain.NewEvent(domain.EventGRPCRequest, "grpc_interceptor").
			With("full_method", info.FullMethod).
			With("status_code", status.Code(err).String()).
			With("duration_ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10)).
			With("client_ip", ClientIP(ctx))
		event.DeviceID, _ = GetDeviceID(ctx)
		telemetry.EmitAsync(emitter, event)
		return resp, err
	}
}
