package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
)

const (
	// RecordFileName is the name of the session record inside a session directory.
	RecordFileName = "metadata.json"
	// MarkerFileName is the recovery marker written at the store root.
	MarkerFileName = ".recovery_marker.json"
)

// FileRepository stores each session in <root>/<id>/metadata.json next to the
// session's artifacts. Every directory under root is a session id.
type FileRepository struct {
	root string
}

// NewFileRepository returns a repository rooted at root, creating it if needed.
func NewFileRepository(root string) (*FileRepository, error) {
	if root == "" {
		return nil, errors.New("session store: root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("session store: create root: %w", err)
	}
	return &FileRepository{root: abs}, nil
}

// Root returns the absolute store root.
func (r *FileRepository) Root() string { return r.root }

// Location returns the directory that holds the session's record and artifacts.
func (r *FileRepository) Location(id string) string {
	return filepath.Join(r.root, id)
}

// Write persists rec atomically (temp file + rename) under its session directory.
func (r *FileRepository) Write(ctx context.Context, rec *domain.Session) error {
	if err := validID(rec.ID); err != nil {
		return err
	}
	existing, err := r.Read(ctx, rec.ID)
	if err != nil && !errors.Is(err, domain.ErrMalformedRecord) {
		return err
	}
	if err := guardTerminal(existing, rec); err != nil {
		return fmt.Errorf("write session %s: %w", rec.ID, err)
	}
	data, err := domain.EncodeSession(rec)
	if err != nil {
		return err
	}
	dir := r.Location(rec.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("write session %s: %w", rec.ID, err)
	}
	return writeFileAtomic(filepath.Join(dir, RecordFileName), data)
}

// Read returns the record for id, or nil if the session has no record.
// A record that exists but cannot be decoded is reported as domain.ErrMalformedRecord.
func (r *FileRepository) Read(ctx context.Context, id string) (*domain.Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	// #nosec G304 -- id is validated to be a single path element under root.
	data, err := os.ReadFile(filepath.Join(r.Location(id), RecordFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
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

// ListAll returns the names of all session directories under root.
func (r *FileRepository) ListAll(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the session directory and all artifacts in it.
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(r.Location(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// WriteRecoveryMarker writes the scan summary to <root>/.recovery_marker.json.
func (r *FileRepository) WriteRecoveryMarker(ctx context.Context, m domain.RecoveryMarker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(r.root, MarkerFileName), data)
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
