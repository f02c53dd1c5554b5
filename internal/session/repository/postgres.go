package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
)

// PostgresRepository stores session records in the sessions table (see internal/db/migrations).
// Artifacts stay on the filesystem; only the record lives in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const upsertSession = `
INSERT INTO sessions (id, status, record, start_time, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status, record = EXCLUDED.record, updated_at = now()
WHERE sessions.status = 'STARTED' OR sessions.status = EXCLUDED.status`

// Write upserts the record. A terminal row is only replaced by a record with the same status.
func (r *PostgresRepository) Write(ctx context.Context, rec *domain.Session) error {
	data, err := domain.EncodeSession(rec)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, upsertSession, rec.ID, string(rec.Status), data, rec.StartTimeWall)
	if err != nil {
		return fmt.Errorf("write session %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write session %s: %w", rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("write session %s: %w", rec.ID, ErrTerminalRecord)
	}
	return nil
}

// Read returns the record for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) Read(ctx context.Context, id string) (*domain.Session, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	rec, err := domain.DecodeSession(data)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return rec, nil
}

// ListAll returns every session id in ascending order.
func (r *PostgresRepository) ListAll(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes the row for id. Deleting a missing id is not an error.
// Artifact directories are not touched; callers remove them.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// WriteRecoveryMarker appends a row to recovery_scans.
func (r *PostgresRepository) WriteRecoveryMarker(ctx context.Context, m domain.RecoveryMarker) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recovery_scans (scanned_at, scanned_count, crashed_count) VALUES ($1, $2, $3)`,
		m.LastScanTime, m.ScannedCount, m.CrashedCount)
	if err != nil {
		return fmt.Errorf("write recovery marker: %w", err)
	}
	return nil
}
