package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the current session state.
	ErrInvalidState = errors.New("orchestrator: operation not allowed in current state")
	// ErrNoRecordersStarted is returned when every recorder failed to start.
	ErrNoRecordersStarted = errors.New("orchestrator: no recorders started")
	// ErrUnknownRecorder is returned for a recorder name that was never registered.
	ErrUnknownRecorder = errors.New("orchestrator: unknown recorder")
	// ErrRecoveryInProgress is returned by StartSession while a crash scan runs.
	ErrRecoveryInProgress = errors.New("orchestrator: crash recovery scan in progress")
)

// PrerequisitesNotMetError lists the conditions that kept a session from starting.
type PrerequisitesNotMetError struct {
	Missing []string
}

func (e *PrerequisitesNotMetError) Error() string {
	return "orchestrator: prerequisites not met: " + strings.Join(e.Missing, ", ")
}

// DuplicateNameError is returned by Register for a name already in use.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("orchestrator: recorder %q already registered", e.Name)
}

// RecorderStartError wraps a recorder's Start failure.
type RecorderStartError struct {
	Name string
	Err  error
}

func (e *RecorderStartError) Error() string {
	return fmt.Sprintf("recorder %s: start: %v", e.Name, e.Err)
}

func (e *RecorderStartError) Unwrap() error { return e.Err }

// RecorderStopError wraps a recorder's Stop failure.
type RecorderStopError struct {
	Name string
	Err  error
}

func (e *RecorderStopError) Error() string {
	return fmt.Sprintf("recorder %s: stop: %v", e.Name, e.Err)
}

func (e *RecorderStopError) Unwrap() error { return e.Err }

// RequiredRecorderFailedError aborts a session start: a required recorder could not start.
type RequiredRecorderFailedError struct {
	Name string
	Err  error
}

func (e *RequiredRecorderFailedError) Error() string {
	return fmt.Sprintf("orchestrator: required recorder %s failed: %v", e.Name, e.Err)
}

func (e *RequiredRecorderFailedError) Unwrap() error { return e.Err }

// MetadataPersistenceError is a failed session record write or delete. It is logged, never returned.
type MetadataPersistenceError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *MetadataPersistenceError) Error() string {
	return fmt.Sprintf("orchestrator: %s session %s record: %v", e.Op, e.SessionID, e.Err)
}

func (e *MetadataPersistenceError) Unwrap() error { return e.Err }
