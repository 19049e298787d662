package fileutil

import (
	"fmt"
	"os"
)

// PrivateDirMode is the mode PostgreSQL requires for a data directory.
const PrivateDirMode os.FileMode = 0o700

// EnsureDir creates path and any missing parents with mode 0755.
// An existing directory is not an error.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// MkdirPrivate creates a single directory with PrivateDirMode and forces the
// mode afterwards so the process umask cannot widen it.
func MkdirPrivate(path string) error {
	if err := os.Mkdir(path, PrivateDirMode); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	if err := os.Chmod(path, PrivateDirMode); err != nil {
		return fmt.Errorf("chmod directory %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists. Errors other than not-exist are
// reported as existing so callers never delete what they could not inspect.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !os.IsNotExist(err)
}
