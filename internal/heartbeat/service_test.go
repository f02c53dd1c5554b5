package heartbeat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu           sync.Mutex
	sent         []Message
	failSends    int // next N sends fail
	reconnectErr error
	reconnects   int
}

func (f *fakeTransport) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return f.reconnectErr
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func fastConfig() Config {
	return Config{
		DeviceID:             "dev-1",
		Interval:             5 * time.Millisecond,
		ReconnectBackoff:     time.Millisecond,
		MaxReconnectAttempts: 3,
		SendTimeout:          time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func startRun(s *Service) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return cancel, done
}

func collect(ch <-chan Event, n int, t *testing.T) []Event {
	t.Helper()
	var out []Event
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(3 * time.Second):
			t.Fatalf("events so far: %+v", out)
		}
	}
	return out
}

func TestRun_SendsHeartbeats(t *testing.T) {
	tr := &fakeTransport{}
	md := MetadataFunc(func(context.Context) Metadata {
		return Metadata{Recording: true, FreeStorageBytes: 42, UptimeS: 7}
	})
	s := NewService(fastConfig(), tr, md)
	cancel, done := startRun(s)

	waitFor(t, "three heartbeats", func() bool { return tr.sentCount() >= 3 })
	st := s.Status()
	if !st.Connected || st.ReconnectAttempts != 0 || !st.Running || st.LastHeartbeatTime == nil {
		t.Errorf("status = %+v", st)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil on cancel", err)
	}
	if s.Status().Running {
		t.Error("Running should be false after Run returns")
	}

	tr.mu.Lock()
	msg := tr.sent[0]
	tr.mu.Unlock()
	if msg.V != MessageVersion || msg.Type != MessageTypeHeartbeat || msg.DeviceID != "dev-1" {
		t.Errorf("message = %+v", msg)
	}
	if !msg.Metadata.Recording || msg.Metadata.FreeStorageBytes != 42 || msg.Metadata.UptimeS != 7 {
		t.Errorf("metadata = %+v", msg.Metadata)
	}
}

func TestRun_IgnoresWakeFromBeforeRun(t *testing.T) {
	tr := &fakeTransport{}
	cfg := fastConfig()
	cfg.Interval = time.Hour
	s := NewService(cfg, tr, nil)
	s.MarkConnectionRestored()

	cancel, done := startRun(s)
	waitFor(t, "first heartbeat", func() bool { return tr.sentCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := tr.sentCount(); n != 1 {
		t.Errorf("heartbeats sent = %d, want 1 within the first interval", n)
	}
}

func TestRun_ReconnectsAfterSendFailure(t *testing.T) {
	tr := &fakeTransport{}
	s := NewService(fastConfig(), tr, nil)
	events, cancelEvents := s.Subscribe()
	defer cancelEvents()
	cancel, done := startRun(s)
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "first heartbeat", func() bool { return tr.sentCount() >= 1 })
	tr.mu.Lock()
	tr.failSends = 1
	before := len(tr.sent)
	tr.mu.Unlock()

	got := collect(events, 3, t)
	want := []EventType{EventConnected, EventConnectionLost, EventConnected}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Fatalf("events = %+v, want types %v", got, want)
		}
	}
	if !errors.Is(got[1].Err, ErrConnectionLost) {
		t.Errorf("lost event error = %v", got[1].Err)
	}
	waitFor(t, "heartbeat after reconnect", func() bool { return tr.sentCount() > before })
	if st := s.Status(); st.ReconnectAttempts != 0 || !st.Connected {
		t.Errorf("status after reconnect = %+v", st)
	}
}

func TestRun_GivesUpAfterMaxAttempts(t *testing.T) {
	tr := &fakeTransport{reconnectErr: errors.New("connection refused")}
	s := NewService(fastConfig(), tr, nil)
	events, cancelEvents := s.Subscribe()
	defer cancelEvents()

	err := s.Run(context.Background())
	if !errors.Is(err, ErrMaxReconnectAttemptsExceeded) {
		t.Fatalf("Run = %v, want ErrMaxReconnectAttemptsExceeded", err)
	}
	got := collect(events, 4, t)
	for i := 0; i < 3; i++ {
		if got[i].Type != EventReconnectFailed || got[i].Attempt != i+1 {
			t.Errorf("event %d = %+v, want reconnect_failed attempt %d", i, got[i], i+1)
		}
	}
	if got[3].Type != EventGaveUp || !errors.Is(got[3].Err, ErrMaxReconnectAttemptsExceeded) {
		t.Errorf("last event = %+v", got[3])
	}
	st := s.Status()
	if !st.GaveUp || st.Connected || st.ReconnectAttempts != 3 {
		t.Errorf("status = %+v", st)
	}
	if tr.reconnects != 3 {
		t.Errorf("reconnects = %d, want 3", tr.reconnects)
	}

	s.MarkConnectionRestored()
	if st := s.Status(); st.GaveUp || st.ReconnectAttempts != 0 || !st.Connected {
		t.Errorf("status after restore = %+v", st)
	}
}

func TestMarkConnection_Idempotent(t *testing.T) {
	s := NewService(fastConfig(), &fakeTransport{}, nil)
	events, cancel := s.Subscribe()
	defer cancel()

	s.MarkConnectionLost(nil)
	s.MarkConnectionRestored()
	s.MarkConnectionRestored()
	s.MarkConnectionLost(errors.New("eof"))
	s.MarkConnectionLost(errors.New("eof"))

	got := collect(events, 2, t)
	if got[0].Type != EventConnected || got[1].Type != EventConnectionLost {
		t.Errorf("events = %+v", got)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected extra event %+v", ev)
	default:
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	tr := &fakeTransport{}
	s := NewService(fastConfig(), tr, nil)
	cancel, done := startRun(s)
	defer func() {
		cancel()
		<-done
	}()
	waitFor(t, "running", func() bool { return s.Status().Running })
	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
}

func TestHostMetadata(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "BAT0"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "BAT0", "capacity"), []byte("87\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := HostMetadata{
		Recording:      func() bool { return true },
		StorageRoot:    dir,
		Started:        time.Now().Add(-90 * time.Second),
		PowerSupplyDir: dir,
	}
	md := h.HeartbeatMetadata(context.Background())
	if md.BatteryPercent == nil || *md.BatteryPercent != 87 {
		t.Errorf("BatteryPercent = %v", md.BatteryPercent)
	}
	if !md.Recording || md.UptimeS < 89 || md.FreeStorageBytes == 0 {
		t.Errorf("metadata = %+v", md)
	}

	if md := (HostMetadata{PowerSupplyDir: t.TempDir()}).HeartbeatMetadata(context.Background()); md.BatteryPercent != nil {
		t.Errorf("BatteryPercent = %v, want nil without a battery", *md.BatteryPercent)
	}
}
