package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "gsr.session"

// Metrics holds the instruments recorded by the orchestrator, heartbeat and clock sync.
// A nil *Metrics records nothing.
type Metrics struct {
	sessionsStarted    metric.Int64Counter
	sessionStartFailed metric.Int64Counter
	sessionsStopped    metric.Int64Counter
	recorderErrors     metric.Int64Counter
	recorderRecoveries metric.Int64Counter
	crashedSessions    metric.Int64Counter
	heartbeatsSent     metric.Int64Counter
	heartbeatFailures  metric.Int64Counter
	clockSyncs         metric.Int64Counter
	clockRoundTrip     metric.Float64Histogram
}

// NewMetrics creates the instruments on provider. A nil provider uses a no-op meter.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	m := provider.Meter(meterName)
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	out := &Metrics{
		sessionsStarted:    counter("gsr.sessions.started", "Sessions that reached RECORDING"),
		sessionStartFailed: counter("gsr.sessions.start_failed", "Session starts that returned to IDLE"),
		sessionsStopped:    counter("gsr.sessions.stopped", "Sessions stopped, by terminal status"),
		recorderErrors:     counter("gsr.recorder.errors", "Recorder start or runtime failures"),
		recorderRecoveries: counter("gsr.recorder.recoveries", "Recorder recovery attempts, by outcome"),
		crashedSessions:    counter("gsr.recovery.crashed", "Sessions marked CRASHED by the recovery scan"),
		heartbeatsSent:     counter("gsr.heartbeat.sent", "Heartbeats delivered to the hub"),
		heartbeatFailures:  counter("gsr.heartbeat.failures", "Heartbeat sends or reconnects that failed"),
		clockSyncs:         counter("gsr.clocksync.refreshes", "Clock sync refreshes, by outcome"),
	}
	rt, err := m.Float64Histogram("gsr.clocksync.round_trip",
		metric.WithDescription("Best round trip of a clock sync refresh"), metric.WithUnit("ms"))
	errs = append(errs, err)
	out.clockRoundTrip = rt
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionStarted records a session that reached RECORDING.
func (m *Metrics) SessionStarted(ctx context.Context, partial bool) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("partial", partial)))
}

// SessionStartFailed records a start that returned to IDLE.
func (m *Metrics) SessionStartFailed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sessionStartFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SessionStopped records a terminal status.
func (m *Metrics) SessionStopped(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.sessionsStopped.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecorderError records a recorder failure.
func (m *Metrics) RecorderError(ctx context.Context, recorder string) {
	if m == nil {
		return
	}
	m.recorderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("recorder", recorder)))
}

// RecorderRecovery records a recovery attempt outcome.
func (m *Metrics) RecorderRecovery(ctx context.Context, recorder string, ok bool) {
	if m == nil {
		return
	}
	m.recorderRecoveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("recorder", recorder), attribute.Bool("success", ok)))
}

// CrashedSessions records sessions marked CRASHED by one scan.
func (m *Metrics) CrashedSessions(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.crashedSessions.Add(ctx, int64(n))
}

// HeartbeatSent records a delivered heartbeat.
func (m *Metrics) HeartbeatSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.heartbeatsSent.Add(ctx, 1)
}

// HeartbeatFailure records a failed send or reconnect.
func (m *Metrics) HeartbeatFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.heartbeatFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// ClockSync records a refresh outcome and, on success, its best round trip.
func (m *Metrics) ClockSync(ctx context.Context, ok bool, roundTripMs float64) {
	if m == nil {
		return
	}
	m.clockSyncs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
	if ok {
		m.clockRoundTrip.Record(ctx, roundTripMs)
	}
}
