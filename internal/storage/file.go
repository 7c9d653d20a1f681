package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileBackend keeps one file per group under a data directory. Writes go
// through a temp file and rename so a crashed save never leaves a
// truncated snapshot behind.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) path(g Group) string {
	return filepath.Join(f.dir, g.String()+".bin")
}

func (f *FileBackend) Read(g Group) ([]byte, error) {
	b, err := os.ReadFile(f.path(g))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return b, err
}

func (f *FileBackend) Write(g Group, blob []byte) error {
	tmp := f.path(g) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(g))
}

func (f *FileBackend) Erase(g Group) error {
	err := os.Remove(f.path(g))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
