// Package validation checks a finished session's record and artifacts. Its report is advisory:
// it never changes the session's status.
package validation

import (
	"context"
	_ "embed"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/zeebo/blake3"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/recorder"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/repository"
)

//go:embed schema.json
var recordSchema []byte

// Check names in ValidationReport.Checks. Per-recorder checks are "<name>:artifacts".
const (
	CheckRecordPresent  = "record_present"
	CheckRecordSchema   = "record_schema"
	CheckCSVTimestamps  = "csv_timestamps"
	CheckChecksums      = "checksums"
	artifactCheckSuffix = ":artifacts"
)

// TimestampColumns are the accepted names of a CSV's timestamp column.
var TimestampColumns = []string{"timestamp_ns", "ts_ns", "timestamp", "time_ns"}

// Expectation names a recorder and the artifact kind it should have produced.
type Expectation struct {
	Name string
	Kind recorder.Kind
}

type artifactSpec struct {
	file    string
	columns []string
}

var kindArtifacts = map[recorder.Kind]artifactSpec{
	recorder.KindGSR:     {file: "gsr.csv", columns: []string{"timestamp_ns", "gsr_microsiemens", "ppg_raw"}},
	recorder.KindThermal: {file: "thermal.csv", columns: []string{"timestamp_ns", "image_filename", "w", "h"}},
	recorder.KindRGB:     {file: "rgb.csv", columns: []string{"timestamp_ns", "filename"}},
	recorder.KindAudio:   {file: "audio.csv", columns: []string{"timestamp_ns"}},
}

// Validator checks sessions against the record schema and per-kind artifact expectations.
type Validator struct {
	store  repository.Repository
	schema *jsonschema.Schema
	now    func() time.Time
	logger *slog.Logger
}

// New compiles the embedded record schema.
func New(store repository.Repository, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(recordSchema)
	if err != nil {
		return nil, fmt.Errorf("validation: compile record schema: %w", err)
	}
	return &Validator{store: store, schema: schema, now: time.Now, logger: logger}, nil
}

// Validate inspects the record for sessionID and the artifacts under location.
func (v *Validator) Validate(ctx context.Context, sessionID, location string, recorders []Expectation) *domain.ValidationReport {
	r := &report{ValidationReport: domain.ValidationReport{
		Checks:    make(map[string]bool),
		Issues:    []string{},
		Checksums: make(map[string]string),
	}}

	v.checkRecord(ctx, r, sessionID)
	for _, exp := range recorders {
		v.checkRecorder(r, location, exp)
	}
	v.checkCSVTimestamps(r, location)
	v.checkChecksums(r, location)

	r.IsValid = len(r.Issues) == 0
	r.ValidatedAt = v.now().UTC()
	return &r.ValidationReport
}

type report struct {
	domain.ValidationReport
}

func (r *report) set(check string, ok bool, issue string) {
	r.Checks[check] = ok
	if !ok && issue != "" {
		r.Issues = append(r.Issues, issue)
	}
}

func (v *Validator) checkRecord(ctx context.Context, r *report, sessionID string) {
	rec, err := v.store.Read(ctx, sessionID)
	if err != nil {
		r.set(CheckRecordPresent, false, fmt.Sprintf("session record unreadable: %v", err))
		return
	}
	if rec == nil {
		r.set(CheckRecordPresent, false, "session record missing")
		return
	}
	r.set(CheckRecordPresent, true, "")
	data, err := domain.EncodeSession(rec)
	if err != nil {
		r.set(CheckRecordSchema, false, fmt.Sprintf("session record not encodable: %v", err))
		return
	}
	result := v.schema.ValidateJSON(data)
	if result.IsValid() {
		r.set(CheckRecordSchema, true, "")
		return
	}
	fields := make([]string, 0, len(result.Errors))
	for field := range result.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	r.set(CheckRecordSchema, false, "session record fails schema: "+strings.Join(fields, ", "))
}

func (v *Validator) checkRecorder(r *report, location string, exp Expectation) {
	check := exp.Name + artifactCheckSuffix
	dir := filepath.Join(location, exp.Name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		r.set(check, false, fmt.Sprintf("%s: output directory missing", exp.Name))
		return
	}
	spec, known := kindArtifacts[exp.Kind]
	if !known {
		entries, err := os.ReadDir(dir)
		r.set(check, err == nil && len(entries) > 0, fmt.Sprintf("%s: no artifacts written", exp.Name))
		return
	}
	path := filepath.Join(dir, spec.file)
	header, err := readHeader(path)
	if err != nil {
		r.set(check, false, fmt.Sprintf("%s: %s: %v", exp.Name, spec.file, err))
		return
	}
	if missing := missingColumns(header, spec.columns); len(missing) > 0 {
		r.set(check, false, fmt.Sprintf("%s: %s missing columns %s", exp.Name, spec.file, strings.Join(missing, ",")))
		return
	}
	r.set(check, true, "")
}

func (v *Validator) checkCSVTimestamps(r *report, location string) {
	ok := true
	_ = filepath.WalkDir(location, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".csv") {
			return nil
		}
		rel, _ := filepath.Rel(location, path)
		header, err := readHeader(path)
		if err != nil {
			ok = false
			r.Issues = append(r.Issues, fmt.Sprintf("%s: %v", rel, err))
			return nil
		}
		if !hasTimestampColumn(header) {
			ok = false
			r.Issues = append(r.Issues, fmt.Sprintf("%s: no timestamp column", rel))
		}
		return nil
	})
	r.Checks[CheckCSVTimestamps] = ok
}

func (v *Validator) checkChecksums(r *report, location string) {
	ok := true
	err := filepath.WalkDir(location, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(location, path)
		if rel == repository.RecordFileName || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		sum, err := fileChecksum(path)
		if err != nil {
			ok = false
			r.Issues = append(r.Issues, fmt.Sprintf("%s: checksum: %v", rel, err))
			return nil
		}
		r.Checksums[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		ok = false
		r.Issues = append(r.Issues, fmt.Sprintf("artifact walk: %v", err))
	}
	r.Checks[CheckChecksums] = ok
}

// readHeader returns the first CSV record of path.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("file missing")
		}
		return nil, err
	}
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty file")
		}
		return nil, fmt.Errorf("header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return header, nil
}

func missingColumns(header, want []string) []string {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[h] = struct{}{}
	}
	var missing []string
	for _, w := range want {
		if _, ok := have[w]; !ok {
			missing = append(missing, w)
		}
	}
	return missing
}

func hasTimestampColumn(header []string) bool {
	for _, h := range header {
		for _, c := range TimestampColumns {
			if h == c {
				return true
			}
		}
	}
	return false
}

// fileChecksum returns the hex BLAKE3-256 digest of path.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
