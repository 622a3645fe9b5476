package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local writes archived bodies to the filesystem under a base directory.
type Local struct {
	baseDir string
}

// NewLocal validates the base directory and returns a filesystem archiver.
func NewLocal(baseDir string) (*Local, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("archive base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create archive directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat archive directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("archive path %s is not a directory", baseDir)
	}
	return &Local{baseDir: filepath.Clean(baseDir)}, nil
}

// Save writes the body via a temp file and rename, so readers never observe
// a partial object.
func (l *Local) Save(_ context.Context, ref Ref, _ string, data []byte) error {
	full := filepath.Join(l.baseDir, filepath.FromSlash(ref.ObjectName()))
	if !strings.HasPrefix(filepath.Clean(full), l.baseDir+string(filepath.Separator)) {
		return fmt.Errorf("archive object %q escapes base directory", ref.ObjectName())
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create archive subdirectory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".archive-*")
	if err != nil {
		return fmt.Errorf("create archive temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write archive temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close archive temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("publish archive object: %w", err)
	}
	return nil
}
