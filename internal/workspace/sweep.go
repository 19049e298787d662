package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// staleGrace is how old an unlockable-by-owner workspace must be before a
// sweeper treats it as orphaned even though its recorded pid is alive. It
// covers the short window between mkdir and taking the lock.
const staleGrace = time.Minute

// SweepResult lists what a sweep did.
type SweepResult struct {
	Removed []string
	Skipped []string
}

// ParsePID extracts the owner pid from a workspace directory name.
func ParsePID(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, Prefix)
	if !ok {
		return 0, false
	}
	pidStr, suffix, ok := strings.Cut(rest, "-")
	if !ok || len(suffix) != 8 {
		return 0, false
	}
	if _, err := strconv.ParseUint(suffix, 16, 32); err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Sweep removes orphaned workspaces under baseDir left behind by processes
// that crashed or were killed. Workspaces belonging to the calling process
// are never touched. A missing baseDir is not an error.
//
// A workspace is orphaned when its lock can be acquired and either its
// owner pid is gone or the workspace is older than staleGrace. A workspace
// without a lock file is orphaned only when its owner pid is gone.
func Sweep(ctx context.Context, baseDir string, logger *slog.Logger) (SweepResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res SweepResult

	entries, err := os.ReadDir(baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read base directory %s: %w", baseDir, err)
	}

	self := os.Getpid()
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !e.IsDir() {
			continue
		}
		pid, ok := ParsePID(e.Name())
		if !ok || pid == self {
			continue
		}
		root := filepath.Join(baseDir, e.Name())
		removed, err := sweepOne(root, pid)
		switch {
		case err != nil:
			errs = append(errs, err)
			res.Skipped = append(res.Skipped, root)
		case removed:
			logger.Info("removed orphaned workspace", "root", root, "owner_pid", pid)
			res.Removed = append(res.Removed, root)
		default:
			res.Skipped = append(res.Skipped, root)
		}
	}
	return res, errors.Join(errs...)
}

// sweepOne removes root if it is orphaned and reports whether it did.
func sweepOne(root string, pid int) (bool, error) {
	lockPath := filepath.Join(root, lockName)
	info, err := os.Stat(lockPath)
	if errors.Is(err, os.ErrNotExist) {
		if ProcessAlive(pid) {
			return false, nil
		}
		return true, removeTree(root)
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", lockPath, err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe lock %s: %w", lockPath, err)
	}
	if !locked {
		return false, nil
	}
	defer func() { _ = fl.Close() }()

	if ProcessAlive(pid) && time.Since(info.ModTime()) < staleGrace {
		return false, nil
	}
	return true, removeTree(root)
}

// SweepOwned removes every workspace under baseDir whose name records pid,
// regardless of locks. It is meant for a process cleaning up after itself
// once its servers are already stopped.
func SweepOwned(baseDir string, pid int) ([]string, error) {
	entries, err := os.ReadDir(baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read base directory %s: %w", baseDir, err)
	}

	var (
		removed []string
		errs    []error
	)
	for _, e := range entries {
		owner, ok := ParsePID(e.Name())
		if !ok || owner != pid {
			continue
		}
		root := filepath.Join(baseDir, e.Name())
		if err := removeTree(root); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, root)
	}
	return removed, errors.Join(errs...)
}

// Exists reports whether the workspace root still exists on disk.
func Exists(root string) bool {
	_, err := os.Stat(root)
	return err == nil
}

func removeTree(root string) error {
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove %s: %w", root, err)
	}
	return nil
}
