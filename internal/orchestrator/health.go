package orchestrator

import (
	"context"
	"fmt"
	"time"

	telemetrydomain "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
)

// healthLoop retries failed optional recorders every HealthCheckInterval while RECORDING.
// A required recorder in ERROR ends the session.
func (o *Orchestrator) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if failed := o.checkHealth(ctx); failed != "" {
			o.logger.Error("required recorder failed while recording; stopping session", "recorder", failed)
			// StopSession waits for this loop to exit, so it must run on its own goroutine.
			go func() {
				if _, err := o.StopSession(context.Background()); err != nil {
					o.logger.Error("stop after required recorder failure", "error", err)
				}
			}()
			return
		}
	}
}

// checkHealth runs one pass. It returns the name of a failed required recorder, or "".
func (o *Orchestrator) checkHealth(ctx context.Context) string {
	o.mu.Lock()
	var candidates []*entry
	for _, e := range o.entries {
		if e.state != RecorderError {
			continue
		}
		if e.required {
			o.mu.Unlock()
			return e.name
		}
		if e.recoveryAttempts < o.cfg.MaxRecoveryAttempts {
			candidates = append(candidates, e)
		}
	}
	o.mu.Unlock()

	for _, e := range candidates {
		if ctx.Err() != nil {
			return ""
		}
		o.recover(ctx, e)
	}
	return ""
}

// recover restarts one optional recorder against its existing location.
func (o *Orchestrator) recover(ctx context.Context, e *entry) {
	o.mu.Lock()
	e.recoveryAttempts++
	attempt := e.recoveryAttempts
	o.mu.Unlock()
	o.setRecorderState(e, RecorderRecovering, nil)
	sessionID := o.ActiveSessionID()
	o.logger.Info("recovering recorder", "session_id", sessionID, "recorder", e.name, "attempt", attempt)

	if err := e.capability.Stop(ctx); err != nil {
		o.logger.Debug("stop before recovery failed", "recorder", e.name, "error", err)
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.cfg.RecoveryDelay):
	}

	if err := e.capability.Start(ctx, e.location); err != nil {
		err = &RecorderStartError{Name: e.name, Err: fmt.Errorf("recovery attempt %d: %w", attempt, err)}
		o.setRecorderState(e, RecorderError, err)
		o.metrics.RecorderRecovery(ctx, e.name, false)
		o.logger.Warn("recorder recovery failed", "session_id", sessionID, "recorder", e.name, "attempt", attempt, "error", err)
		return
	}
	o.setRecorderState(e, RecorderRecording, nil)
	o.metrics.RecorderRecovery(ctx, e.name, true)
	o.logger.Info("recorder recovered", "session_id", sessionID, "recorder", e.name, "attempt", attempt)
	o.emit(telemetrydomain.NewEvent(telemetrydomain.EventRecorderRecovered, eventSource).
		With("attempt", fmt.Sprint(attempt)), sessionID, e.name)
}

// ExitReporter returns a callback for recorder.ProcessCapability.OnExit that reports
// the named recorder's unexpected exit through ReportRecorderError.
func (o *Orchestrator) ExitReporter(name string) func(error) {
	return func(err error) {
		if rerr := o.ReportRecorderError(name, err); rerr != nil {
			o.logger.Debug("recorder exit not reported", "recorder", name, "error", rerr)
		}
	}
}

// ReportRecorderError moves a recording recorder to ERROR. It is how a recorder or its owner
// reports a runtime failure; the health loop then recovers it or, if required, stops the session.
func (o *Orchestrator) ReportRecorderError(name string, err error) error {
	o.mu.Lock()
	e, ok := o.byName[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRecorder, name)
	}
	if (o.state != StateRecording && o.state != StatePreparing) || e.state != RecorderRecording {
		o.mu.Unlock()
		return ErrInvalidState
	}
	sessionID := ""
	if o.session != nil {
		sessionID = o.session.ID
	}
	o.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("recorder %s reported failure", name)
	}
	o.setRecorderState(e, RecorderError, err)
	o.logger.Warn("recorder error", "session_id", sessionID, "recorder", name, "error", err)
	o.metrics.RecorderError(context.Background(), name)
	o.emit(telemetrydomain.NewEvent(telemetrydomain.EventRecorderError, eventSource).With("error", err.Error()), sessionID, name)
	return nil
}
