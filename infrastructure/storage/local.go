// Package storage implements ports.StorageProvider against the local
// filesystem: existence/size checks, best-effort removal, scratch-file
// allocation, and the disk-space precondition probe the orchestrator
// runs before its first acquisition attempt.
package storage

import (
	"context"
	"os"
	"path/filepath"

	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
)

// LocalStorage implements ports.StorageProvider for the local filesystem.
type LocalStorage struct{}

// NewLocalStorage creates a new local storage provider.
func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

// Exists checks if a path exists.
func (s *LocalStorage) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Size returns file size in bytes.
func (s *LocalStorage) Size(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove deletes a single file.
func (s *LocalStorage) Remove(_ context.Context, path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemoveAll deletes a directory tree, used by the orchestrator's terminal
// cleanup to remove a half-populated model directory.
func (s *LocalStorage) RemoveAll(_ context.Context, path string) error {
	return os.RemoveAll(path)
}

// TempFile creates a temporary file and returns its absolute path.
func (s *LocalStorage) TempFile(_ context.Context, dir, pattern string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return filepath.Abs(f.Name())
}

// ProbeFreeSpace writes and removes a 1 KiB file in dir. The standard
// library has no cross-platform free-space query (syscall.Statfs is
// POSIX-only), so this write-and-remove probe is the only check used on
// every GOOS target, per the orchestrator's disk-space precondition.
func (s *LocalStorage) ProbeFreeSpace(_ context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.NewInsufficientSpaceError(dir, err)
	}
	f, err := os.CreateTemp(dir, ".space-probe-*")
	if err != nil {
		return pkgerrors.NewInsufficientSpaceError(dir, err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	probe := make([]byte, 1024)
	if _, err := f.Write(probe); err != nil {
		return pkgerrors.NewInsufficientSpaceError(dir, err)
	}
	return nil
}
