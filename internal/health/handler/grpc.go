package handler

import (
	"context"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger reports whether a backing store is reachable (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker reports whether the prerequisite policy engine is usable.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server implements the standard gRPC health service. Check additionally probes the
// optional database and policy engine and reports NOT_SERVING when either fails.
type Server struct {
	*health.Server
	pinger Pinger
	policy PolicyChecker
}

// NewServer returns a health server with every service SERVING. pinger and policy may be nil.
func NewServer(pinger Pinger, policy PolicyChecker) *Server {
	return &Server{Server: health.NewServer(), pinger: pinger, policy: policy}
}

// Check implements healthpb.HealthServer.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	return s.Server.Check(ctx, req)
}
