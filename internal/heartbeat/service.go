// Package heartbeat keeps a device's liveness link to the hub: it sends periodic
// heartbeats while connected and reconnects with a fixed backoff when a send fails.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clock"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/pubsub"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry"
	telemetrydomain "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
	telemetryotel "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/otel"
)

const eventSource = "heartbeat"

var (
	// ErrConnectionLost is attached to connection-lost events.
	ErrConnectionLost = errors.New("heartbeat: connection lost")
	// ErrMaxReconnectAttemptsExceeded is returned by Run after the last reconnect attempt fails.
	ErrMaxReconnectAttemptsExceeded = errors.New("heartbeat: max reconnect attempts exceeded")
	// ErrAlreadyRunning is returned by Run when another Run is active.
	ErrAlreadyRunning = errors.New("heartbeat: already running")
)

// Transport delivers heartbeats to the hub.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	// Reconnect re-establishes the link. A nil error means the hub is reachable.
	Reconnect(ctx context.Context) error
}

// Config tunes a Service. Zero durations and counts take the defaults.
type Config struct {
	DeviceID string
	// Interval defaults to 3s.
	Interval time.Duration
	// ReconnectBackoff defaults to 5s.
	ReconnectBackoff time.Duration
	// MaxReconnectAttempts defaults to 10.
	MaxReconnectAttempts int
	// SendTimeout bounds one Send or Reconnect call. Defaults to 5s.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
	if c.MaxReconnectAttempts < 1 {
		c.MaxReconnectAttempts = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	return c
}

// EventType names a connection transition.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventConnectionLost  EventType = "connection_lost"
	EventReconnectFailed EventType = "reconnect_failed"
	EventGaveUp          EventType = "gave_up"
)

// Event is published on every connection transition.
type Event struct {
	Type    EventType
	Attempt int
	Err     error
	At      time.Time
}

// Status summarises the link.
type Status struct {
	DeviceID          string     `json:"device_id"`
	Connected         bool       `json:"connected"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastHeartbeatTime *time.Time `json:"last_heartbeat_time,omitempty"`
	Running           bool       `json:"running"`
	GaveUp            bool       `json:"gave_up"`
}

// Service sends heartbeats and drives the reconnect loop.
type Service struct {
	cfg       Config
	transport Transport
	metadata  MetadataProvider
	clock     clock.Clock
	emitter   telemetry.EventEmitter
	metrics   *telemetryotel.Metrics
	logger    *slog.Logger
	events    *pubsub.Broker[Event]
	wake      chan struct{}

	mu        sync.Mutex
	connected bool
	attempts  int
	lastBeat  time.Time
	running   bool
	gaveUp    bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithTelemetry sets the event emitter and metrics. Either may be nil.
func WithTelemetry(emitter telemetry.EventEmitter, metrics *telemetryotel.Metrics) Option {
	return func(s *Service) {
		s.emitter = emitter
		s.metrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService returns a disconnected Service. metadata may be nil.
func NewService(cfg Config, transport Transport, metadata MetadataProvider, opts ...Option) *Service {
	if metadata == nil {
		metadata = MetadataFunc(func(context.Context) Metadata { return Metadata{} })
	}
	s := &Service{
		cfg:       cfg.withDefaults(),
		transport: transport,
		metadata:  metadata,
		clock:     clock.Real(),
		logger:    slog.Default(),
		events:    pubsub.New[Event](),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", eventSource)
	return s
}

// Run connects and then heartbeats until ctx is done. It returns nil on cancellation
// and ErrMaxReconnectAttemptsExceeded when it gives up.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.gaveUp = false
	s.mu.Unlock()
	// Drop a wake-up left by a connection change made before Run.
	select {
	case <-s.wake:
	default:
	}
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	firstConnect := true
	for ctx.Err() == nil {
		if s.Connected() {
			if err := s.beat(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.markLost(err)
				continue
			}
			s.sleep(ctx, s.cfg.Interval)
			continue
		}

		if !firstConnect && !s.sleep(ctx, s.cfg.ReconnectBackoff) {
			return nil
		}
		firstConnect = false
		if s.Connected() {
			continue
		}
		if err := s.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.exhausted() {
				s.giveUp()
				return ErrMaxReconnectAttemptsExceeded
			}
		}
	}
	return nil
}

// sleep waits d or until woken by a connection change. It reports false if ctx ended.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-t.C:
		return true
	}
}

func (s *Service) beat(ctx context.Context) error {
	msg := Message{
		V:           MessageVersion,
		Type:        MessageTypeHeartbeat,
		DeviceID:    s.cfg.DeviceID,
		TimestampNs: s.clock.Monotonic(),
		Metadata:    s.metadata.HeartbeatMetadata(ctx),
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.transport.Send(sendCtx, msg); err != nil {
		s.metrics.HeartbeatFailure(ctx, "send")
		return err
	}
	s.mu.Lock()
	s.lastBeat = s.clock.Now().UTC()
	s.mu.Unlock()
	s.metrics.HeartbeatSent(ctx)
	return nil
}

func (s *Service) reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	rcCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	err := s.transport.Reconnect(rcCtx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("reconnect failed", "attempt", attempt, "max", s.cfg.MaxReconnectAttempts, "error", err)
			s.metrics.HeartbeatFailure(ctx, "reconnect")
			s.events.Publish(Event{Type: EventReconnectFailed, Attempt: attempt, Err: err, At: s.clock.Now()})
		}
		return err
	}
	s.markRestored()
	return nil
}

func (s *Service) exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts >= s.cfg.MaxReconnectAttempts
}

func (s *Service) giveUp() {
	s.mu.Lock()
	s.gaveUp = true
	attempts := s.attempts
	s.mu.Unlock()
	s.logger.Error("giving up on hub connection", "attempts", attempts)
	s.events.Publish(Event{Type: EventGaveUp, Attempt: attempts, Err: ErrMaxReconnectAttemptsExceeded, At: s.clock.Now()})
	s.emit(telemetrydomain.NewEvent(telemetrydomain.EventReconnectGaveUp, eventSource).
		With("attempts", strconv.Itoa(attempts)))
}

// MarkConnectionLost moves the link to DISCONNECTED. It is a no-op when already disconnected.
func (s *Service) MarkConnectionLost(cause error) {
	if s.markLost(cause) {
		s.poke()
	}
}

// MarkConnectionRestored moves the link to CONNECTED and resets the attempt counter.
// It is a no-op when already connected.
func (s *Service) MarkConnectionRestored() {
	if s.markRestored() {
		s.poke()
	}
}

func (s *Service) markLost(cause error) bool {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return false
	}
	s.connected = false
	s.mu.Unlock()

	err := ErrConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	s.logger.Warn("hub connection lost", "error", cause)
	s.events.Publish(Event{Type: EventConnectionLost, Err: err, At: s.clock.Now()})
	ev := telemetrydomain.NewEvent(telemetrydomain.EventConnectionLost, eventSource)
	if cause != nil {
		ev.With("error", cause.Error())
	}
	s.emit(ev)
	return true
}

func (s *Service) markRestored() bool {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return false
	}
	s.connected = true
	s.attempts = 0
	s.gaveUp = false
	s.mu.Unlock()

	s.logger.Info("hub connection established")
	s.events.Publish(Event{Type: EventConnected, At: s.clock.Now()})
	s.emit(telemetrydomain.NewEvent(telemetrydomain.EventConnectionRestored, eventSource))
	return true
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) emit(ev *telemetrydomain.Event) {
	ev.DeviceID = s.cfg.DeviceID
	telemetry.EmitAsync(s.emitter, ev)
}

// Connected reports whether the link is CONNECTED.
func (s *Service) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Status returns a snapshot of the link.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		DeviceID:          s.cfg.DeviceID,
		Connected:         s.connected,
		ReconnectAttempts: s.attempts,
		Running:           s.running,
		GaveUp:            s.gaveUp,
	}
	if !s.lastBeat.IsZero() {
		t := s.lastBeat
		st.LastHeartbeatTime = &t
	}
	return st
}

// Subscribe streams connection events until cancel is called.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}
