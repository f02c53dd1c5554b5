package domain

import (
	"sort"
	"time"
)

// RecoveryResult summarises one crash-recovery scan. It is produced fresh on every scan and never persisted.
type RecoveryResult struct {
	ScannedCount int
	crashed      map[string]struct{}
	Errors       []string
}

// AddCrashed records id as crashed. Adding the same id twice is a no-op.
func (r *RecoveryResult) AddCrashed(id string) {
	if r.crashed == nil {
		r.crashed = make(map[string]struct{})
	}
	r.crashed[id] = struct{}{}
}

// CrashedSessionIDs returns the crashed ids in sorted order.
func (r *RecoveryResult) CrashedSessionIDs() []string {
	out := make([]string, 0, len(r.crashed))
	for id := range r.crashed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CrashedCount returns the number of distinct crashed ids.
func (r *RecoveryResult) CrashedCount() int { return len(r.crashed) }

// RecoveryMarker is the advisory summary written after each scan. It is never read back to alter behavior.
type RecoveryMarker struct {
	LastScanTime time.Time `json:"last_scan_time"`
	ScannedCount int       `json:"scanned_count"`
	CrashedCount int       `json:"crashed_count"`
}
