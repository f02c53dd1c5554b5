package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/heartbeat"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/security"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/server/interceptors"
)

// tokenRefreshMargin is how long before expiry a device token is re-issued.
const tokenRefreshMargin = time.Minute

// GRPCTransport implements heartbeat.Transport against a hub's HubService.
type GRPCTransport struct {
	target   string
	deviceID string
	tokens   *security.TokenProvider
	dialOpts []grpc.DialOption

	mu       sync.Mutex
	conn     *grpc.ClientConn
	token    string
	tokenExp time.Time
}

// NewGRPCTransport returns a transport for target. tokens may be nil when the hub runs without auth.
// With no dial options the connection is plaintext and instrumented with otelgrpc.
func NewGRPCTransport(target, deviceID string, tokens *security.TokenProvider, opts ...grpc.DialOption) *GRPCTransport {
	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		}
	}
	return &GRPCTransport{target: target, deviceID: deviceID, tokens: tokens, dialOpts: opts}
}

// Send implements heartbeat.Transport.
func (t *GRPCTransport) Send(ctx context.Context, msg heartbeat.Message) error {
	req, err := EncodeHeartbeat(msg)
	if err != nil {
		return err
	}
	conn, err := t.connection()
	if err != nil {
		return err
	}
	ctx, err = t.authorize(ctx)
	if err != nil {
		return err
	}
	if _, err := CallHeartbeat(ctx, conn, req); err != nil {
		return fmt.Errorf("hub: heartbeat: %w", err)
	}
	return nil
}

// Reconnect implements heartbeat.Transport: it replaces the client connection and
// requires the hub's health service to report HubService as SERVING.
func (t *GRPCTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	old := t.conn
	t.conn = nil
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	conn, err := t.connection()
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("hub: health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("hub: health check: %s", resp.GetStatus())
	}
	return nil
}

// Close releases the client connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *GRPCTransport) connection() (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := grpc.NewClient(t.target, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("hub: dial %s: %w", t.target, err)
	}
	t.conn = conn
	return conn, nil
}

func (t *GRPCTransport) authorize(ctx context.Context) (context.Context, error) {
	if t.tokens == nil {
		return ctx, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == "" || time.Until(t.tokenExp) < tokenRefreshMargin {
		token, _, exp, err := t.tokens.Issue(t.deviceID)
		if err != nil {
			return ctx, fmt.Errorf("hub: issue device token: %w", err)
		}
		t.token, t.tokenExp = token, exp
	}
	return interceptors.BearerMetadata(ctx, t.token), nil
}
