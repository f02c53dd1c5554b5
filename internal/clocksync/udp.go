package clocksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clock"
)

// DefaultRequestTimeout bounds a single UDP exchange.
const DefaultRequestTimeout = time.Second

const maxDatagram = 128

// UDPTransport exchanges one datagram per sample with a TimeServer.
// The request carries t1 as ASCII decimal; the reply is "t2" or "t2 t3".
type UDPTransport struct {
	Addr    string
	Timeout time.Duration
	Clock   clock.Clock
}

// NewUDPTransport returns a transport for addr with the given per-request timeout.
func NewUDPTransport(addr string, timeout time.Duration, clk clock.Clock) *UDPTransport {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &UDPTransport{Addr: addr, Timeout: timeout, Clock: clk}
}

// Exchange sends one request and parses the reply into a Sample.
func (t *UDPTransport) Exchange(ctx context.Context) (Sample, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", t.Addr)
	if err != nil {
		return Sample{}, fmt.Errorf("clocksync: dial %s: %w", t.Addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(t.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Sample{}, fmt.Errorf("clocksync: set deadline: %w", err)
	}

	t1 := t.Clock.Monotonic()
	if _, err := conn.Write([]byte(strconv.FormatInt(t1, 10))); err != nil {
		return Sample{}, fmt.Errorf("clocksync: send: %w", err)
	}
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	t4 := t.Clock.Monotonic()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Sample{}, ErrSampleTimeout
		}
		return Sample{}, fmt.Errorf("clocksync: receive: %w", err)
	}
	t2, t3, err := ParseReply(buf[:n])
	if err != nil {
		return Sample{}, err
	}
	return Sample{T1: t1, T2: t2, T3: t3, T4: t4}, nil
}

// ParseReply decodes a time server reply. A single value is used for both t2 and t3.
func ParseReply(payload []byte) (t2, t3 int64, err error) {
	fields := strings.Fields(string(payload))
	switch len(fields) {
	case 1, 2:
	default:
		return 0, 0, fmt.Errorf("clocksync: malformed reply %q", payload)
	}
	t2, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("clocksync: malformed reply %q: %w", payload, err)
	}
	t3 = t2
	if len(fields) == 2 {
		t3, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("clocksync: malformed reply %q: %w", payload, err)
		}
	}
	return t2, t3, nil
}

// TimeServer answers every datagram with its receive and send monotonic readings.
type TimeServer struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// ListenAndServe binds addr and serves until ctx is done.
func (s *TimeServer) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("clocksync: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, conn)
}

// Serve answers requests on conn until ctx is done. It closes conn on return.
func (s *TimeServer) Serve(ctx context.Context, conn net.PacketConn) error {
	clk := s.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, maxDatagram)
	for {
		_, peer, err := conn.ReadFrom(buf)
		t2 := clk.Monotonic()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("time server read failed", "error", err)
			continue
		}
		reply := strconv.FormatInt(t2, 10) + " " + strconv.FormatInt(clk.Monotonic(), 10)
		if _, err := conn.WriteTo([]byte(reply), peer); err != nil {
			logger.Warn("time server reply failed", "peer", peer.String(), "error", err)
		}
	}
}
