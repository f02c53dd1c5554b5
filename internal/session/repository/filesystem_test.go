package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
)

func newRecord(id string, status domain.Status) *domain.Session {
	return &domain.Session{
		Version:             domain.RecordVersion,
		ID:                  id,
		Status:              status,
		StartTimeWall:       time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		RegisteredRecorders: []string{"rgb"},
		RecorderResults:     map[string]domain.RecorderResult{},
	}
}

func TestFileRepository_WriteRead(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	ctx := context.Background()
	if err := repo.Write(ctx, newRecord("s1", domain.StatusStarted)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := repo.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got == nil || got.ID != "s1" || got.Status != domain.StatusStarted {
		t.Fatalf("Read = %+v, want s1 STARTED", got)
	}
	if _, err := os.Stat(filepath.Join(repo.Location("s1"), RecordFileName)); err != nil {
		t.Errorf("record file missing: %v", err)
	}
}

func TestFileRepository_ReadMissing(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	got, err := repo.Read(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Errorf("Read = %+v, want nil", got)
	}
}

func TestFileRepository_ListAllIncludesDirectoriesWithoutRecord(t *testing.T) {
	root := t.TempDir()
	repo, err := NewFileRepository(root)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	ctx := context.Background()
	if err := repo.Write(ctx, newRecord("b", domain.StatusCompleted)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "a"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := repo.WriteRecoveryMarker(ctx, domain.RecoveryMarker{LastScanTime: time.Now().UTC()}); err != nil {
		t.Fatalf("WriteRecoveryMarker: %v", err)
	}
	ids, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("ListAll = %v, want [a b]", ids)
	}
}

func TestFileRepository_TerminalRecordIsImmutable(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	ctx := context.Background()
	if err := repo.Write(ctx, newRecord("s1", domain.StatusCompleted)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err = repo.Write(ctx, newRecord("s1", domain.StatusCrashed))
	if !errors.Is(err, ErrTerminalRecord) {
		t.Fatalf("Write over terminal = %v, want ErrTerminalRecord", err)
	}
	got, _ := repo.Read(ctx, "s1")
	if got.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
}

func TestFileRepository_Delete(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	ctx := context.Background()
	if err := repo.Write(ctx, newRecord("s1", domain.StatusCrashed)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repo.Location("s1"), "gsr.csv"), []byte("timestamp_ns\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(repo.Location("s1")); !os.IsNotExist(err) {
		t.Errorf("session directory still present: %v", err)
	}
}

func TestFileRepository_RejectsPathIDs(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := repo.Read(context.Background(), id); err == nil {
			t.Errorf("Read(%q) should fail", id)
		}
	}
}

func TestFileRepository_MarkerContents(t *testing.T) {
	root := t.TempDir()
	repo, err := NewFileRepository(root)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	want := domain.RecoveryMarker{LastScanTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), ScannedCount: 4, CrashedCount: 2}
	if err := repo.WriteRecoveryMarker(context.Background(), want); err != nil {
		t.Fatalf("WriteRecoveryMarker: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, MarkerFileName))
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	var got domain.RecoveryMarker
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal marker: %v", err)
	}
	if got.CrashedCount != 2 || got.ScannedCount != 4 || !got.LastScanTime.Equal(want.LastScanTime) {
		t.Errorf("marker = %+v, want %+v", got, want)
	}
}

func TestMemoryRepository_OrphansAndTerminalGuard(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	repo.AddOrphan("a")
	if err := repo.Write(ctx, newRecord("b", domain.StatusCrashed)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ids, _ := repo.ListAll(ctx)
	if !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("ListAll = %v, want [a b]", ids)
	}
	if rec, _ := repo.Read(ctx, "a"); rec != nil {
		t.Errorf("orphan Read = %+v, want nil", rec)
	}
	if err := repo.Write(ctx, newRecord("b", domain.StatusStarted)); !errors.Is(err, ErrTerminalRecord) {
		t.Errorf("Write over terminal = %v, want ErrTerminalRecord", err)
	}
	if err := repo.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, _ = repo.ListAll(ctx)
	if !reflect.DeepEqual(ids, []string{"a"}) {
		t.Errorf("ListAll after delete = %v, want [a]", ids)
	}
}
