package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clock"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/server/interceptors"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry"
	telemetrydomain "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
)

const eventSource = "hub"

// Server implements HubServer over a Registry.
type Server struct {
	registry *Registry
	clock    clock.Clock
	emitter  telemetry.EventEmitter
	logger   *slog.Logger
}

// NewServer returns a hub server. clk, emitter and logger may be nil.
func NewServer(registry *Registry, clk clock.Clock, emitter telemetry.EventEmitter, logger *slog.Logger) *Server {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, clock: clk, emitter: emitter, logger: logger.With("component", eventSource)}
}

// Heartbeat implements HubServer. An authenticated caller may only report for its own device id.
func (s *Server) Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := DecodeHeartbeat(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if caller, ok := interceptors.GetDeviceID(ctx); ok && caller != msg.DeviceID {
		return nil, status.Error(codes.PermissionDenied, "device id does not match token")
	}
	if s.registry.Observe(msg, s.clock.Now()) {
		s.logger.Info("device connected", "device_id", msg.DeviceID)
		s.emit(telemetrydomain.EventConnectionRestored, msg.DeviceID)
	}
	return structpb.NewStruct(map[string]interface{}{
		"ack":            true,
		"server_time_ns": float64(s.clock.Monotonic()),
	})
}

// Run sweeps the registry every interval until ctx is done, logging devices that go silent.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.registry.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
		for _, id := range s.registry.Sweep(s.clock.Now()) {
			s.logger.Warn("device unhealthy", "device_id", id, "missed_beats", s.registry.threshold)
			s.emit(telemetrydomain.EventConnectionLost, id)
		}
	}
}

// Registry returns the server's device registry.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) emit(eventType, deviceID string) {
	ev := telemetrydomain.NewEvent(eventType, eventSource)
	ev.DeviceID = deviceID
	telemetry.EmitAsync(s.emitter, ev)
}
