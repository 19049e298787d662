// Package workspace creates, owns and removes the per-instance directory tree
// that holds a cluster's data directory, socket directory and server log.
//
// Every workspace lives directly under a base directory and is named
// pgenv-<pid>-<random>. The owning process holds an exclusive file lock on
// the workspace's .lock file for the workspace's whole lifetime; a workspace
// whose lock can be taken by someone else is an orphan.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/giantswarm/pgenv/internal/fileutil"
	"github.com/giantswarm/pgenv/internal/sentinel"
)

// ErrCreationFailed is returned when a workspace directory could not be made.
const ErrCreationFailed = sentinel.Error("workspace creation failed")

// Prefix starts every workspace directory name.
const Prefix = "pgenv-"

// maxCreateAttempts bounds retries when a generated name already exists.
const maxCreateAttempts = 10

const (
	dataDirName = "data"
	sockDirName = "sock"
	logFileName = "server.log"
	lockName    = ".lock"
)

// Workspace is an exclusively owned directory tree for one instance.
// DataDir is not created here; initdb or the template copy creates it.
// Destroy is safe to call more than once and from multiple goroutines.
type Workspace struct {
	Root      string
	DataDir   string
	SocketDir string
	LogPath   string

	lock *flock.Flock
	log  *slog.Logger

	destroyOnce sync.Once
	destroyErr  error
}

// Name returns the directory name for a workspace owned by pid.
func Name(pid int, suffix uint32) string {
	return fmt.Sprintf("%s%d-%08x", Prefix, pid, suffix)
}

// Create makes a fresh workspace under baseDir, creating baseDir if needed.
// Name collisions are retried with a new random suffix; any other failure,
// or exhausting the retries, returns an error matching ErrCreationFailed and
// leaves nothing behind.
func Create(baseDir string, logger *slog.Logger) (*Workspace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if baseDir == "" {
		return nil, ErrCreationFailed.With("base directory must not be empty")
	}
	if err := fileutil.EnsureDir(baseDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreationFailed, err)
	}

	pid := os.Getpid()
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		root := filepath.Join(baseDir, Name(pid, rand.Uint32())) //nolint:gosec // G404: names need uniqueness, not secrecy
		err := fileutil.MkdirPrivate(root)
		if errors.Is(err, os.ErrExist) {
			logger.Debug("workspace name collision, retrying", "root", root, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCreationFailed, err)
		}

		ws, err := populate(root, logger)
		if err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("%w: %w", ErrCreationFailed, err)
		}
		return ws, nil
	}
	return nil, ErrCreationFailed.With("%d name collisions under %s", maxCreateAttempts, baseDir)
}

// populate takes the ownership lock and creates the fixed subdirectories.
func populate(root string, logger *slog.Logger) (*Workspace, error) {
	fl := flock.New(filepath.Join(root, lockName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock workspace: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock workspace %s: held by another process", root)
	}

	ws := &Workspace{
		Root:      root,
		DataDir:   filepath.Join(root, dataDirName),
		SocketDir: filepath.Join(root, sockDirName),
		LogPath:   filepath.Join(root, logFileName),
		lock:      fl,
		log:       logger.With("workspace", filepath.Base(root)),
	}
	if err := fileutil.MkdirPrivate(ws.SocketDir); err != nil {
		_ = fl.Close()
		return nil, err
	}
	return ws, nil
}

// Destroy removes the workspace tree and then releases the ownership lock.
// A tree that is already gone is not an error. Only the first call does any
// work; later calls return the first call's result.
func (w *Workspace) Destroy() error {
	w.destroyOnce.Do(func() {
		if err := os.RemoveAll(w.Root); err != nil {
			w.destroyErr = fmt.Errorf("remove workspace %s: %w", w.Root, err)
		}
		if w.lock != nil {
			if err := w.lock.Close(); err != nil {
				w.log.Debug("release workspace lock", "error", err)
			}
		}
		if w.destroyErr == nil {
			w.log.Debug("workspace removed")
		}
	})
	return w.destroyErr
}
