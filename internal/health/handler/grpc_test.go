package handler

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

// mockPolicyChecker implements PolicyChecker for tests.
type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		pinger Pinger
		policy PolicyChecker
		want   healthpb.HealthCheckResponse_ServingStatus
	}{
		{"no probes", nil, nil, healthpb.HealthCheckResponse_SERVING},
		{"probes pass", &mockPinger{}, &mockPolicyChecker{}, healthpb.HealthCheckResponse_SERVING},
		{"db down", &mockPinger{pingErr: errors.New("connection refused")}, nil, healthpb.HealthCheckResponse_NOT_SERVING},
		{"policy broken", nil, &mockPolicyChecker{healthErr: errors.New("compile")}, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(tt.pinger, tt.policy)
			resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if resp.GetStatus() != tt.want {
				t.Errorf("status = %v, want %v", resp.GetStatus(), tt.want)
			}
		})
	}
}

func TestCheck_NamedService(t *testing.T) {
	srv := NewServer(nil, nil)
	if _, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "unknown.Service"}); status.Code(err) != codes.NotFound {
		t.Errorf("unknown service error = %v, want NotFound", err)
	}
	srv.SetServingStatus("gsr.hub.v1.HubService", healthpb.HealthCheckResponse_SERVING)
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "gsr.hub.v1.HubService"})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("named service = %v, %v", resp, err)
	}
}
