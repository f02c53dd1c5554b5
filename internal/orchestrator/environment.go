package orchestrator

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Environment supplies device facts the prerequisite check needs.
type Environment interface {
	// AvailableStorageBytes returns the free bytes available to an unprivileged writer under path.
	AvailableStorageBytes(path string) (uint64, error)
	// Permissions returns the granted permission flags.
	Permissions() map[string]bool
}

// HostEnvironment reads free space with statfs and reports a fixed permission set.
type HostEnvironment struct {
	Granted map[string]bool
}

// AvailableStorageBytes implements Environment. path is created if missing so a fresh root can be measured.
func (h HostEnvironment) AvailableStorageBytes(path string) (uint64, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return 0, fmt.Errorf("storage root %s: %w", path, err)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// Permissions implements Environment.
func (h HostEnvironment) Permissions() map[string]bool {
	out := make(map[string]bool, len(h.Granted))
	for k, v := range h.Granted {
		out[k] = v
	}
	return out
}
