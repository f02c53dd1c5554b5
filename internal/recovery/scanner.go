// Package recovery classifies sessions left unfinished by a previous process as CRASHED.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clock"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/repository"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry"
	telemetrydomain "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
	telemetryotel "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/otel"
)

const eventSource = "recovery"

// ActiveSession reports the id of the session a live orchestrator owns, or "".
type ActiveSession interface {
	ActiveSessionID() string
}

// locator is implemented by stores that map session ids to artifact directories.
type locator interface {
	Location(id string) string
}

// Scanner rewrites unfinished session records.
type Scanner struct {
	store    repository.Repository
	active   ActiveSession
	clock    clock.Clock
	deviceID string
	emitter  telemetry.EventEmitter
	metrics  *telemetryotel.Metrics
	logger   *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithActiveSession makes Scan skip the id the live orchestrator owns.
func WithActiveSession(a ActiveSession) Option { return func(s *Scanner) { s.active = a } }

// WithClock overrides the wall clock used for recovered_at and the marker.
func WithClock(c clock.Clock) Option { return func(s *Scanner) { s.clock = c } }

// WithTelemetry sets the event emitter and metrics. Either may be nil.
func WithTelemetry(deviceID string, emitter telemetry.EventEmitter, metrics *telemetryotel.Metrics) Option {
	return func(s *Scanner) {
		s.deviceID = deviceID
		s.emitter = emitter
		s.metrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scanner) { s.logger = l } }

// NewScanner returns a Scanner over store.
func NewScanner(store repository.Repository, opts ...Option) *Scanner {
	s := &Scanner{store: store, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan inspects every session in the store. Sessions with no record get a
// synthesized CRASHED record; STARTED sessions become CRASHED; terminal ones
// are left alone. I/O errors are collected on the result and the scan continues.
func (s *Scanner) Scan(ctx context.Context) (*domain.RecoveryResult, error) {
	ids, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list sessions: %w", err)
	}
	result := &domain.RecoveryResult{Errors: []string{}}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		// A session may start while the scan runs, so the active id is read per record.
		if s.active != nil && id == s.active.ActiveSessionID() {
			s.logger.Debug("skipping active session", "session_id", id)
			continue
		}
		result.ScannedCount++
		s.scanOne(ctx, id, result)
	}

	marker := domain.RecoveryMarker{
		LastScanTime: s.clock.Now().UTC(),
		ScannedCount: result.ScannedCount,
		CrashedCount: result.CrashedCount(),
	}
	if err := s.store.WriteRecoveryMarker(ctx, marker); err != nil {
		s.logger.Warn("recovery marker write failed", "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("recovery marker: %v", err))
	}

	s.logger.Info("recovery scan complete",
		"scanned", result.ScannedCount, "crashed", result.CrashedCount(), "errors", len(result.Errors))
	s.metrics.CrashedSessions(ctx, result.CrashedCount())
	ev := telemetrydomain.NewEvent(telemetrydomain.EventRecoveryScan, eventSource).
		With("scanned", strconv.Itoa(result.ScannedCount)).
		With("crashed", strconv.Itoa(result.CrashedCount()))
	ev.DeviceID = s.deviceID
	telemetry.EmitAsync(s.emitter, ev)
	return result, nil
}

func (s *Scanner) scanOne(ctx context.Context, id string, result *domain.RecoveryResult) {
	rec, err := s.store.Read(ctx, id)
	if err != nil {
		// A malformed record is reported but never overwritten.
		s.logger.Warn("session record unreadable", "session_id", id, "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", id, err))
		return
	}

	now := s.clock.Now().UTC()
	switch {
	case rec == nil:
		rec = &domain.Session{
			Version:             domain.RecordVersion,
			ID:                  id,
			DeviceID:            s.deviceID,
			Status:              domain.StatusCrashed,
			StartTimeWall:       now,
			RegisteredRecorders: []string{},
			RecorderResults:     map[string]domain.RecorderResult{},
			CrashReason:         domain.ReasonNoMetadata,
			RecoveredAt:         &now,
		}
		if l, ok := s.store.(locator); ok {
			rec.Location = l.Location(id)
		}
	case rec.Status == domain.StatusStarted:
		rec.Status = domain.StatusCrashed
		rec.CrashReason = domain.ReasonUnfinished
		rec.RecoveredAt = &now
	default:
		return
	}

	if err := s.store.Write(ctx, rec); err != nil {
		s.logger.Warn("crashed session write failed", "session_id", id, "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", id, err))
		return
	}
	s.logger.Info("session marked crashed", "session_id", id, "reason", rec.CrashReason)
	result.AddCrashed(id)
}

// CleanupOldCrashed deletes CRASHED sessions whose crash time is older than
// olderThanDays, together with the artifact directory the record points at.
// Failures are logged and skipped. It returns the number removed.
func (s *Scanner) CleanupOldCrashed(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("recovery: olderThanDays must not be negative, got %d", olderThanDays)
	}
	ids, err := s.store.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: list sessions: %w", err)
	}
	cutoff := s.clock.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		rec, err := s.store.Read(ctx, id)
		if err != nil || rec == nil || rec.Status != domain.StatusCrashed {
			continue
		}
		if !rec.CrashedAt().Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, id); err != nil {
			s.logger.Warn("crashed session cleanup failed", "session_id", id, "error", err)
			continue
		}
		s.removeArtifacts(rec)
		removed++
	}
	if removed > 0 {
		s.logger.Info("removed old crashed sessions", "count", removed, "older_than_days", olderThanDays)
	}
	return removed, nil
}

// removeArtifacts deletes rec.Location when it names the session's own directory.
// Stores that keep metadata outside the artifact tree leave it behind on Delete.
func (s *Scanner) removeArtifacts(rec *domain.Session) {
	if rec.Location == "" || filepath.Base(filepath.Clean(rec.Location)) != rec.ID {
		return
	}
	if err := os.RemoveAll(rec.Location); err != nil {
		s.logger.Warn("crashed session artifacts not removed", "session_id", rec.ID, "location", rec.Location, "error", err)
	}
}
