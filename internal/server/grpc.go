package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthhandler "github.com/uclgsr/hellobellohellobello-sub002/internal/health/handler"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/hub"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/server/interceptors"
	sessionhandler "github.com/uclgsr/hellobellohellobello-sub002/internal/session/handler"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry"
)

const (
	healthCheckMethod = "/grpc.health.v1.Health/Check"
	healthWatchMethod = "/grpc.health.v1.Health/Watch"
)

// Deps holds optional service dependencies for gRPC handlers.
type Deps struct {
	// Tokens validates device bearer tokens. If nil, no RPC requires authentication.
	Tokens interceptors.TokenValidator
	// Emitter receives one grpc_request event per RPC. If nil, no events are emitted.
	Emitter telemetry.EventEmitter
	// Logger receives one audit line per RPC. If nil, slog.Default is used.
	Logger *slog.Logger
	// Health is the standard health service. If nil, one with no probes is registered.
	Health *healthhandler.Server
	// Hub receives device heartbeats. If nil, HubService is not registered.
	Hub hub.HubServer
	// Control drives the local session orchestrator. If nil, ControlService is not registered.
	Control sessionhandler.ControlServer
}

// publicMethods are reachable without a bearer token.
func publicMethods() map[string]bool {
	return map[string]bool{healthCheckMethod: true, healthWatchMethod: true}
}

// NewGRPCServer returns a server with OpenTelemetry stats and the auth, audit and telemetry
// interceptor chain. Health probes are public and are neither audited nor emitted.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var chain []grpc.UnaryServerInterceptor
	if deps.Tokens != nil {
		chain = append(chain, interceptors.AuthUnary(deps.Tokens, publicMethods()))
	}
	chain = append(chain, interceptors.AuditUnary(logger, publicMethods()))
	if deps.Emitter != nil {
		chain = append(chain, interceptors.TelemetryUnary(deps.Emitter, publicMethods()))
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// RegisterServices registers the gRPC services present in deps with s and marks each SERVING.
//
// Service → handler mapping:
//   - grpc.health.v1.Health        → internal/health/handler
//   - gsr.hub.v1.HubService         → internal/hub
//   - gsr.control.v1.ControlService → internal/session/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) *healthhandler.Server {
	healthSrv := deps.Health
	if healthSrv == nil {
		healthSrv = healthhandler.NewServer(nil, nil)
	}
	healthpb.RegisterHealthServer(s, healthSrv)
	if deps.Hub != nil {
		hub.RegisterHubServer(s, deps.Hub)
		healthSrv.SetServingStatus(hub.ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	if deps.Control != nil {
		sessionhandler.RegisterControlServer(s, deps.Control)
		healthSrv.SetServingStatus(sessionhandler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	return healthSrv
}
