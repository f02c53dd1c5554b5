package repository

import (
	"context"
	"errors"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
)

// ErrTerminalRecord is returned by Write when the stored record is terminal and the new record differs in status.
var ErrTerminalRecord = errors.New("session record is terminal")

// Repository defines persistence for session records, addressed by session id.
// Concurrent writers to the same id are not supported.
type Repository interface {
	// Write stores rec under rec.ID, replacing any previous record.
	Write(ctx context.Context, rec *domain.Session) error
	// Read returns the record for id, or nil if no record exists.
	// It returns an error only for storage failures, not for missing records.
	Read(ctx context.Context, id string) (*domain.Session, error)
	// ListAll returns every known session id in ascending order, including ids
	// whose record is missing (e.g. a session directory without metadata).
	ListAll(ctx context.Context) ([]string, error)
	// Delete removes the session and everything stored under it.
	Delete(ctx context.Context, id string) error
	// WriteRecoveryMarker records the summary of the latest crash scan.
	WriteRecoveryMarker(ctx context.Context, m domain.RecoveryMarker) error
}

// guardTerminal rejects replacing a terminal record with a record of another status.
func guardTerminal(existing, next *domain.Session) error {
	if existing == nil || !existing.Status.IsTerminal() {
		return nil
	}
	if existing.Status != next.Status {
		return ErrTerminalRecord
	}
	return nil
}
