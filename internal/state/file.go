package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps the watermark as a single RFC 3339 line.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (Watermark, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Watermark{}, nil
		}
		return Watermark{}, fmt.Errorf("failed to read watermark file: %w", err)
	}
	w, err := Parse(string(data))
	if err != nil {
		return Watermark{}, fmt.Errorf("failed to parse watermark file %s: %w", s.path, err)
	}
	return w, nil
}

// Save writes to a temp file in the same directory and renames it over the
// target, so readers never see a partial value.
func (s *FileStore) Save(ctx context.Context, w Watermark) error {
	if w.IsZero() {
		return fmt.Errorf("refusing to save an empty watermark")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".watermark-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(format(w.Time) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync watermark: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set watermark permissions: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace watermark file: %w", err)
	}
	return nil
}

// Reset implements Store.
func (s *FileStore) Reset(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove watermark file: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
