package clocksync

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clock"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		in      string
		t2, t3  int64
		wantErr bool
	}{
		{in: "1050", t2: 1050, t3: 1050},
		{in: "1050 1060", t2: 1050, t3: 1060},
		{in: " 7 9\n", t2: 7, t3: 9},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1 x", wantErr: true},
		{in: "1 2 3", wantErr: true},
	}
	for _, tt := range tests {
		t2, t3, err := ParseReply([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseReply(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (t2 != tt.t2 || t3 != tt.t3) {
			t.Errorf("ParseReply(%q) = %d,%d, want %d,%d", tt.in, t2, t3, tt.t2, tt.t3)
		}
	}
}

func TestUDPTransport_AgainstTimeServer(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := &TimeServer{Clock: clock.Real()}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, conn) }()

	tr := NewUDPTransport(conn.LocalAddr().String(), time.Second, clock.Real())
	sample, err := tr.Exchange(ctx)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if sample.T3 < sample.T2 {
		t.Errorf("t3 %d before t2 %d", sample.T3, sample.T2)
	}
	if sample.RoundTrip() < 0 {
		t.Errorf("RoundTrip() = %d, want >= 0", sample.RoundTrip())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestUDPTransport_Timeout(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer silent.Close()

	tr := NewUDPTransport(silent.LocalAddr().String(), 50*time.Millisecond, nil)
	_, err = tr.Exchange(context.Background())
	if !errors.Is(err, ErrSampleTimeout) {
		t.Fatalf("Exchange error = %v, want ErrSampleTimeout", err)
	}
}
