package domain

// Missing condition names reported when a session may not start.
const (
	MissingStorage   = "insufficient_storage"
	MissingRecorders = "no_recorders"
	MissingRecovery  = "recovery_not_completed"
	// MissingPermissionPrefix is followed by the permission name, e.g. "permission:camera".
	MissingPermissionPrefix = "permission:"
)

// PrerequisiteInput is everything the prerequisite policy looks at before a session starts.
type PrerequisiteInput struct {
	AvailableStorageBytes uint64
	MinStorageBytes       uint64
	RecorderCount         int
	Permissions           map[string]bool
	RequiredPermissions   []string
	RecoveryCompleted     bool
}

// PrerequisiteResult lists unmet conditions. Empty Missing means the session may start.
type PrerequisiteResult struct {
	Missing []string
}

// OK reports whether every prerequisite holds.
func (r PrerequisiteResult) OK() bool {
	return len(r.Missing) == 0
}
