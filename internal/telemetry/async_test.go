package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.Event
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Event(nil), m.events...)
}

func waitForEvents(t *testing.T, m *mockEventEmitter, n int) []*domain.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events := m.getEvents()
		if len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d events, got %d", n, len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	EmitAsync(nil, domain.NewEvent("test", "test"))
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, nil)
	time.Sleep(10 * time.Millisecond)
	if events := emitter.getEvents(); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := domain.NewEvent(domain.EventSessionStarted, "orchestrator")
	event.SessionID = "s1"
	EmitAsync(emitter, event)

	events := waitForEvents(t, emitter, 1)
	if events[0].SessionID != "s1" || events[0].EventType != domain.EventSessionStarted {
		t.Errorf("event = %+v", events[0])
	}
}

func TestEmitAsync_ErrorIsSwallowed(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: errors.New("kafka down")}
	EmitAsync(emitter, domain.NewEvent("test", "test"))
	waitForEvents(t, emitter, 1)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, domain.NewEvent("test", "test"))
		}()
	}
	wg.Wait()
	waitForEvents(t, emitter, 10)
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	a := &mockEventEmitter{}
	b := &mockEventEmitter{emitErr: errors.New("b failed")}
	m := Multi(a, nil, b)
	err := m.Emit(context.Background(), domain.NewEvent("test", "test"))
	if err == nil || err.Error() != "b failed" {
		t.Errorf("Emit err = %v, want b failed", err)
	}
	if len(a.getEvents()) != 1 || len(b.getEvents()) != 1 {
		t.Errorf("events a=%d b=%d, want 1 each", len(a.getEvents()), len(b.getEvents()))
	}
}

func TestNewEvent_FillsIDAndTime(t *testing.T) {
	e1 := domain.NewEvent("x", "y")
	e2 := domain.NewEvent("x", "y")
	if e1.ID == "" || e1.ID == e2.ID {
		t.Errorf("event ids %q, %q should be unique and non-empty", e1.ID, e2.ID)
	}
	if e1.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
	e1.With("k", "v")
	if e1.Attributes["k"] != "v" {
		t.Errorf("With did not set attribute: %v", e1.Attributes)
	}
}
