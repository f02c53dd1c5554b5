package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clock"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/repository"
)

var scanTime = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func record(id string, status domain.Status, start time.Time) *domain.Session {
	return &domain.Session{
		Version:             domain.RecordVersion,
		ID:                  id,
		Status:              status,
		StartTimeWall:       start,
		RegisteredRecorders: []string{"gsr"},
		RecorderResults:     map[string]domain.RecorderResult{"gsr": {Success: true}},
	}
}

func mustWrite(t *testing.T, repo repository.Repository, rec *domain.Session) {
	t.Helper()
	if err := repo.Write(context.Background(), rec); err != nil {
		t.Fatalf("Write(%s): %v", rec.ID, err)
	}
}

type fixedActive string

func (f fixedActive) ActiveSessionID() string { return string(f) }

// failingStore fails writes for selected ids.
type failingStore struct {
	repository.Repository
	mu        sync.Mutex
	failWrite map[string]bool
	failMark  bool
}

func (f *failingStore) Write(ctx context.Context, rec *domain.Session) error {
	f.mu.Lock()
	fail := f.failWrite[rec.ID]
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Repository.Write(ctx, rec)
}

func (f *failingStore) WriteRecoveryMarker(ctx context.Context, m domain.RecoveryMarker) error {
	if f.failMark {
		return errors.New("read-only")
	}
	return f.Repository.WriteRecoveryMarker(ctx, m)
}

func TestScan_ClassifiesSessions(t *testing.T) {
	repo := repository.NewMemoryRepository()
	mustWrite(t, repo, record("a-started", domain.StatusStarted, scanTime.Add(-time.Hour)))
	mustWrite(t, repo, record("b-done", domain.StatusCompleted, scanTime.Add(-2*time.Hour)))
	mustWrite(t, repo, record("c-crashed", domain.StatusCrashed, scanTime.Add(-3*time.Hour)))
	repo.AddOrphan("d-orphan")

	s := NewScanner(repo, WithClock(clock.Fake(scanTime)))
	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.ScannedCount != 4 {
		t.Errorf("ScannedCount = %d, want 4", res.ScannedCount)
	}
	if got, want := res.CrashedSessionIDs(), []string{"a-started", "d-orphan"}; !reflect.DeepEqual(got, want) {
		t.Errorf("CrashedSessionIDs = %v, want %v", got, want)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v", res.Errors)
	}

	started, _ := repo.Read(context.Background(), "a-started")
	if started.Status != domain.StatusCrashed || started.CrashReason != domain.ReasonUnfinished {
		t.Errorf("started record = %s/%q", started.Status, started.CrashReason)
	}
	if started.RecoveredAt == nil || !started.RecoveredAt.Equal(scanTime) {
		t.Errorf("RecoveredAt = %v, want %v", started.RecoveredAt, scanTime)
	}
	orphan, _ := repo.Read(context.Background(), "d-orphan")
	if orphan == nil || orphan.Status != domain.StatusCrashed || orphan.CrashReason != domain.ReasonNoMetadata {
		t.Fatalf("orphan record = %+v", orphan)
	}
	done, _ := repo.Read(context.Background(), "b-done")
	if done.Status != domain.StatusCompleted || done.RecoveredAt != nil {
		t.Errorf("completed record was modified: %+v", done)
	}

	m := repo.Marker()
	if m == nil || m.ScannedCount != 4 || m.CrashedCount != 2 || !m.LastScanTime.Equal(scanTime) {
		t.Errorf("marker = %+v", m)
	}
}

func TestScan_Idempotent(t *testing.T) {
	repo := repository.NewMemoryRepository()
	mustWrite(t, repo, record("s1", domain.StatusStarted, scanTime))
	repo.AddOrphan("s2")
	clk := clock.Fake(scanTime)
	s := NewScanner(repo, WithClock(clk))

	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	first, _ := repo.Read(context.Background(), "s1")

	clk.Advance(time.Hour)
	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if res.CrashedCount() != 0 {
		t.Errorf("second scan crashed = %v, want none", res.CrashedSessionIDs())
	}
	second, _ := repo.Read(context.Background(), "s1")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("record changed on rescan:\n%+v\n%+v", first, second)
	}
}

func TestScan_SkipsActiveSession(t *testing.T) {
	repo := repository.NewMemoryRepository()
	mustWrite(t, repo, record("live", domain.StatusStarted, scanTime))
	s := NewScanner(repo, WithActiveSession(fixedActive("live")))

	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.ScannedCount != 0 || res.CrashedCount() != 0 {
		t.Errorf("result = scanned %d crashed %d, want 0/0", res.ScannedCount, res.CrashedCount())
	}
	rec, _ := repo.Read(context.Background(), "live")
	if rec.Status != domain.StatusStarted {
		t.Errorf("active session status = %s", rec.Status)
	}
}

// startingActive reports no active session on its first call and id afterwards,
// like an orchestrator that enters PREPARING while a scan is under way.
type startingActive struct {
	mu    sync.Mutex
	calls int
	id    string
}

func (a *startingActive) ActiveSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls == 1 {
		return ""
	}
	return a.id
}

func TestScan_RechecksActiveSessionPerRecord(t *testing.T) {
	repo := repository.NewMemoryRepository()
	mustWrite(t, repo, record("a-stale", domain.StatusStarted, scanTime))
	mustWrite(t, repo, record("b-live", domain.StatusStarted, scanTime))
	active := &startingActive{id: "b-live"}

	res, err := NewScanner(repo, WithActiveSession(active)).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := res.CrashedSessionIDs(); !reflect.DeepEqual(got, []string{"a-stale"}) {
		t.Errorf("CrashedSessionIDs = %v, want [a-stale]", got)
	}
	rec, _ := repo.Read(context.Background(), "b-live")
	if rec.Status != domain.StatusStarted {
		t.Errorf("session started mid-scan has status %s, want STARTED", rec.Status)
	}
}

func TestScan_CollectsErrorsAndContinues(t *testing.T) {
	mem := repository.NewMemoryRepository()
	mustWrite(t, mem, record("bad", domain.StatusStarted, scanTime))
	mustWrite(t, mem, record("good", domain.StatusStarted, scanTime))
	store := &failingStore{Repository: mem, failWrite: map[string]bool{"bad": true}, failMark: true}

	res, err := NewScanner(store).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := res.CrashedSessionIDs(); !reflect.DeepEqual(got, []string{"good"}) {
		t.Errorf("CrashedSessionIDs = %v, want [good]", got)
	}
	if len(res.Errors) != 2 {
		t.Errorf("Errors = %v, want write and marker errors", res.Errors)
	}
}

func TestScan_MalformedRecordIsNotRewritten(t *testing.T) {
	repo, err := repository.NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	path := filepath.Join(repo.Location("broken"), repository.RecordFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(repo.Location("empty"), 0o750); err != nil {
		t.Fatal(err)
	}

	res, err := NewScanner(repo).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Errorf("Errors = %v, want one", res.Errors)
	}
	if got := res.CrashedSessionIDs(); !reflect.DeepEqual(got, []string{"empty"}) {
		t.Errorf("CrashedSessionIDs = %v, want [empty]", got)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "{not json" {
		t.Errorf("malformed record rewritten: %q", data)
	}
	synth, _ := repo.Read(context.Background(), "empty")
	if synth == nil || synth.Location != repo.Location("empty") {
		t.Errorf("synthesized record = %+v", synth)
	}
}

func TestCleanupOldCrashed(t *testing.T) {
	repo := repository.NewMemoryRepository()
	old := record("old", domain.StatusCrashed, scanTime.Add(-40*24*time.Hour))
	recovered := scanTime.Add(-2 * 24 * time.Hour)
	oldStartRecentCrash := record("recent", domain.StatusCrashed, scanTime.Add(-40*24*time.Hour))
	oldStartRecentCrash.RecoveredAt = &recovered
	mustWrite(t, repo, old)
	mustWrite(t, repo, oldStartRecentCrash)
	mustWrite(t, repo, record("completed", domain.StatusCompleted, scanTime.Add(-90*24*time.Hour)))

	s := NewScanner(repo, WithClock(clock.Fake(scanTime)))
	n, err := s.CleanupOldCrashed(context.Background(), 30)
	if err != nil {
		t.Fatalf("CleanupOldCrashed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	ids, _ := repo.ListAll(context.Background())
	if !reflect.DeepEqual(ids, []string{"completed", "recent"}) {
		t.Errorf("remaining = %v", ids)
	}

	if _, err := s.CleanupOldCrashed(context.Background(), -1); err == nil {
		t.Error("negative days should be rejected")
	}
}

func TestCleanupOldCrashed_RemovesArtifacts(t *testing.T) {
	root := t.TempDir()
	repo := repository.NewMemoryRepository()

	old := record("old", domain.StatusCrashed, scanTime.Add(-40*24*time.Hour))
	old.Location = filepath.Join(root, "old")
	mismatched := record("other", domain.StatusCrashed, scanTime.Add(-40*24*time.Hour))
	mismatched.Location = filepath.Join(root, "shared")
	for _, rec := range []*domain.Session{old, mismatched} {
		if err := os.MkdirAll(filepath.Join(rec.Location, "gsr"), 0o750); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		mustWrite(t, repo, rec)
	}

	n, err := NewScanner(repo, WithClock(clock.Fake(scanTime))).CleanupOldCrashed(context.Background(), 30)
	if err != nil {
		t.Fatalf("CleanupOldCrashed: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if _, err := os.Stat(old.Location); !os.IsNotExist(err) {
		t.Errorf("artifacts of old still present: %v", err)
	}
	if _, err := os.Stat(mismatched.Location); err != nil {
		t.Errorf("location not named after its session was removed: %v", err)
	}
}
