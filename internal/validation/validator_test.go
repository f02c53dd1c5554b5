package validation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/recorder"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/repository"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func completedRecord(id, location string) *domain.Session {
	end := time.Date(2026, 2, 1, 9, 5, 0, 0, time.UTC)
	endMono := int64(300_000_000_000)
	dur := endMono - 1000
	return &domain.Session{
		Version:              domain.RecordVersion,
		ID:                   id,
		Status:               domain.StatusCompleted,
		StartTimeWall:        time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		StartTimeMonotonicNs: 1000,
		EndTimeWall:          &end,
		EndTimeMonotonicNs:   &endMono,
		DurationNs:           &dur,
		RegisteredRecorders:  []string{"gsr", "thermal"},
		RecorderResults: map[string]domain.RecorderResult{
			"gsr":     {Success: true},
			"thermal": {Success: true},
		},
		Location: location,
	}
}

func setup(t *testing.T) (*Validator, *repository.FileRepository, string) {
	t.Helper()
	repo, err := repository.NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	v, err := New(repo, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v, repo, repo.Location("s1")
}

var expectations = []Expectation{
	{Name: "gsr", Kind: recorder.KindGSR},
	{Name: "thermal", Kind: recorder.KindThermal},
}

func TestValidate_HealthySession(t *testing.T) {
	v, repo, loc := setup(t)
	if err := repo.Write(context.Background(), completedRecord("s1", loc)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	writeFile(t, filepath.Join(loc, "gsr", "gsr.csv"), "timestamp_ns,gsr_microsiemens,ppg_raw\n1,2.5,300\n")
	writeFile(t, filepath.Join(loc, "thermal", "thermal.csv"), "timestamp_ns,image_filename,w,h\n1,f0.png,256,192\n")
	writeFile(t, filepath.Join(loc, "thermal", "f0.png"), "png")

	rep := v.Validate(context.Background(), "s1", loc, expectations)
	if !rep.IsValid {
		t.Fatalf("report invalid: %v", rep.Issues)
	}
	for _, c := range []string{CheckRecordPresent, CheckRecordSchema, CheckCSVTimestamps, CheckChecksums, "gsr:artifacts", "thermal:artifacts"} {
		if !rep.Checks[c] {
			t.Errorf("check %s = false", c)
		}
	}
	if len(rep.Checksums) != 3 {
		t.Errorf("checksums = %v, want 3 artifacts", rep.Checksums)
	}
	if _, ok := rep.Checksums[repository.RecordFileName]; ok {
		t.Error("record file should not be checksummed")
	}
	if sum := rep.Checksums["thermal/f0.png"]; len(sum) != 64 {
		t.Errorf("checksum = %q, want 64 hex chars", sum)
	}
}

func TestValidate_MissingRecordAndArtifacts(t *testing.T) {
	v, _, loc := setup(t)
	writeFile(t, filepath.Join(loc, "gsr", "gsr.csv"), "timestamp_ns,gsr_microsiemens\n")

	rep := v.Validate(context.Background(), "s1", loc, expectations)
	if rep.IsValid {
		t.Fatal("report should be invalid")
	}
	if rep.Checks[CheckRecordPresent] {
		t.Error("record_present should be false")
	}
	if rep.Checks["gsr:artifacts"] {
		t.Error("gsr:artifacts should fail on missing ppg_raw column")
	}
	if rep.Checks["thermal:artifacts"] {
		t.Error("thermal:artifacts should fail on missing directory")
	}
	joined := strings.Join(rep.Issues, "\n")
	for _, want := range []string{"record missing", "ppg_raw", "thermal: output directory missing"} {
		if !strings.Contains(joined, want) {
			t.Errorf("issues %q should mention %q", joined, want)
		}
	}
}

func TestValidate_CSVWithoutTimestampColumn(t *testing.T) {
	v, repo, loc := setup(t)
	if err := repo.Write(context.Background(), completedRecord("s1", loc)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	writeFile(t, filepath.Join(loc, "extra", "markers.csv"), "label,value\nx,1\n")
	writeFile(t, filepath.Join(loc, "extra", "alt.csv"), "ts_ns,value\n1,1\n")

	rep := v.Validate(context.Background(), "s1", loc, nil)
	if rep.Checks[CheckCSVTimestamps] {
		t.Error("csv_timestamps should fail")
	}
	if len(rep.Issues) != 1 || !strings.Contains(rep.Issues[0], "markers.csv") {
		t.Errorf("issues = %v, want one about markers.csv", rep.Issues)
	}
}

func TestValidate_OtherKindNeedsAnyArtifact(t *testing.T) {
	v, repo, loc := setup(t)
	if err := repo.Write(context.Background(), completedRecord("s1", loc)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(loc, "imu"), 0o750); err != nil {
		t.Fatal(err)
	}
	exp := []Expectation{{Name: "imu", Kind: recorder.KindOther}}
	if rep := v.Validate(context.Background(), "s1", loc, exp); rep.Checks["imu:artifacts"] {
		t.Error("empty directory should fail imu:artifacts")
	}
	writeFile(t, filepath.Join(loc, "imu", "imu.bin"), "x")
	if rep := v.Validate(context.Background(), "s1", loc, exp); !rep.Checks["imu:artifacts"] {
		t.Errorf("imu:artifacts should pass: %v", rep.Issues)
	}
}

func TestValidate_SchemaRejectsBadRecord(t *testing.T) {
	repo := repository.NewMemoryRepository()
	v, err := New(repo, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := completedRecord("s1", "")
	rec.RegisteredRecorders = []string{""}
	if err := repo.Write(context.Background(), rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rep := v.Validate(context.Background(), "s1", t.TempDir(), nil)
	if rep.Checks[CheckRecordSchema] {
		t.Error("record_schema should fail for an empty recorder name")
	}
}

func TestHasTimestampColumn(t *testing.T) {
	for _, c := range TimestampColumns {
		if !hasTimestampColumn([]string{"x", c}) {
			t.Errorf("%s should be accepted", c)
		}
	}
	if hasTimestampColumn([]string{"Time", "value"}) {
		t.Error("Time should not be accepted")
	}
}
