package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileDestination writes archive snapshots to a local directory. The default
// destination for devices without object storage credentials.
type FileDestination struct {
	dir string
}

// NewFileDestination creates the directory if needed.
func NewFileDestination(dir string) (*FileDestination, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileDestination{dir: dir}, nil
}

// Write stores one snapshot atomically via a temp file rename.
func (d *FileDestination) Write(_ context.Context, name string, data []byte) error {
	dest := filepath.Join(d.dir, name)
	tmp, err := os.CreateTemp(d.dir, ".archive-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
