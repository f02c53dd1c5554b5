package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session lifecycle and liveness event types.
const (
	EventSessionStarted     = "session_started"
	EventSessionStartFailed = "session_start_failed"
	EventSessionStopped     = "session_stopped"
	EventRecorderError      = "recorder_error"
	EventRecorderRecovered  = "recorder_recovered"
	EventRecoveryScan       = "recovery_scan"
	EventConnectionLost     = "connection_lost"
	EventConnectionRestored = "connection_restored"
	EventReconnectGaveUp    = "reconnect_gave_up"
	EventGRPCRequest        = "grpc_request"
)

// Event is a device-scoped telemetry event (optional session and recorder).
type Event struct {
	ID         string            `json:"eventId"`
	EventType  string            `json:"eventType"`
	Source     string            `json:"source"`
	DeviceID   string            `json:"deviceId,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
	Recorder   string            `json:"recorder,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// NewEvent returns an event with a fresh id and the current UTC time.
func NewEvent(eventType, source string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
}

// With sets an attribute and returns the event for chaining.
func (e *Event) With(key, value string) *Event {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}
