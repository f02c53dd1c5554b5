package domain

import "time"

// RecordVersion is the schema version written into every session record.
const RecordVersion = 1

// Status is the lifecycle status of a persisted session record.
type Status string

const (
	StatusStarted             Status = "STARTED"
	StatusCompleted           Status = "COMPLETED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusCrashed             Status = "CRASHED"
)

// IsTerminal reports whether s is one of the final statuses. A terminal record is never rewritten.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusCrashed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusStarted || s.IsTerminal()
}

// Crash reasons written by the recovery scanner.
const (
	ReasonNoMetadata = "NO_METADATA"
	ReasonUnfinished = "session was still STARTED at process start; the recording process exited without stopping it"
)

// RecorderResult is the outcome of starting or stopping one recorder.
type RecorderResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Session is the durable record of one recording session.
type Session struct {
	Version              int                       `json:"version"`
	ID                   string                    `json:"id"`
	DeviceID             string                    `json:"device_id,omitempty"`
	Status               Status                    `json:"status"`
	StartTimeWall        time.Time                 `json:"start_time_wall"`
	StartTimeMonotonicNs int64                     `json:"start_time_monotonic_ns"`
	EndTimeWall          *time.Time                `json:"end_time_wall,omitempty"`
	EndTimeMonotonicNs   *int64                    `json:"end_time_monotonic_ns,omitempty"`
	DurationNs           *int64                    `json:"duration_ns,omitempty"`
	RegisteredRecorders  []string                  `json:"registered_recorders"`
	RecorderResults      map[string]RecorderResult `json:"recorder_results"`
	Location             string                    `json:"location,omitempty"`
	CrashReason          string                    `json:"crash_reason,omitempty"`
	RecoveredAt          *time.Time                `json:"recovered_at,omitempty"` // nil unless rewritten by the recovery scanner
	ClockOffsetNs        *int64                    `json:"clock_offset_ns,omitempty"`
	ClockSyncAccuracyMs  *float64                  `json:"clock_sync_accuracy_ms,omitempty"`
	ClockSyncAccurate    *bool                     `json:"clock_sync_accurate,omitempty"`
	Validation           *ValidationReport         `json:"validation,omitempty"`
}

// CrashedAt returns the time the session was classified as crashed, falling back to its start time.
func (s *Session) CrashedAt() time.Time {
	if s.RecoveredAt != nil {
		return *s.RecoveredAt
	}
	return s.StartTimeWall
}

// ValidationReport is the advisory result of checking a finished session's artifacts.
type ValidationReport struct {
	Checks      map[string]bool   `json:"checks"`
	Issues      []string          `json:"issues"`
	IsValid     bool              `json:"is_valid"`
	Checksums   map[string]string `json:"checksums,omitempty"` // relative path -> blake3 hex
	ValidatedAt time.Time         `json:"validated_at"`
}
