// Package blob stores binary artefacts (receipts, frozen report PDFs) outside
// the ledger database.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates the key holds no object.
var ErrNotFound = errors.New("platform/blob: object not found")

// ErrInvalidKey rejects keys that would escape the storage root.
var ErrInvalidKey = errors.New("platform/blob: invalid key")

// FS is a directory-backed object store. Keys are slash separated relative paths.
type FS struct {
	root string
}

// NewFS constructs an FS rooted at dir, falling back to a temp directory.
func NewFS(dir string) *FS {
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(os.TempDir(), "treasury-blobs")
	}
	return &FS{root: dir}
}

func (s *FS) path(key string) (string, error) {
	clean := path.Clean(strings.TrimSpace(key))
	if key == "" || clean == "." || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes data under key, replacing any previous object atomically.
func (s *FS) Put(_ context.Context, key string, data []byte) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("platform/blob: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("platform/blob: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("platform/blob: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("platform/blob: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("platform/blob: rename: %w", err)
	}
	return nil
}

// Get reads the object stored under key.
func (s *FS) Get(_ context.Context, key string) ([]byte, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("platform/blob: read: %w", err)
	}
	return data, nil
}

// Delete removes key. Missing objects are ignored.
func (s *FS) Delete(_ context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("platform/blob: delete: %w", err)
	}
	return nil
}
