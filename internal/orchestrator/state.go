package orchestrator

// State is the session lifecycle state owned by the Orchestrator.
type State string

const (
	StateIdle      State = "IDLE"
	StatePreparing State = "PREPARING"
	StateRecording State = "RECORDING"
	StateStopping  State = "STOPPING"
)

// RecorderState is the per-recorder lifecycle state.
type RecorderState string

const (
	RecorderIdle       RecorderState = "IDLE"
	RecorderStarting   RecorderState = "STARTING"
	RecorderRecording  RecorderState = "RECORDING"
	RecorderStopping   RecorderState = "STOPPING"
	RecorderStopped    RecorderState = "STOPPED"
	RecorderError      RecorderState = "ERROR"
	RecorderRecovering RecorderState = "RECOVERING"
)

// Active reports whether the recorder is capturing or being brought back, i.e. must be stopped at session end.
func (s RecorderState) Active() bool {
	return s == RecorderRecording || s == RecorderRecovering
}
