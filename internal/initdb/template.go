package initdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/giantswarm/pgenv/internal/fileutil"
	"github.com/giantswarm/pgenv/internal/pgbin"
)

// lockRetryInterval is the interval between template lock attempts.
const lockRetryInterval = 50 * time.Millisecond

// templatePrefix names template directories under the cache directory.
const templatePrefix = "template-"

// Prepare builds the template cluster if caching is enabled and the template
// does not exist yet. Concurrent callers in other processes wait on the
// template's file lock; exactly one of them runs initdb. Without a cache
// directory Prepare does nothing.
func (i *Initializer) Prepare(ctx context.Context) error {
	if i.cfg.CacheDir == "" {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.template != "" {
		return nil
	}

	key, err := i.templateKey(ctx)
	if err != nil {
		return err
	}
	path := filepath.Join(i.cfg.CacheDir, templatePrefix+key)

	if templateReady(path) {
		i.log.Debug("using cached template", "path", path)
		i.template = path
		return nil
	}

	if err := fileutil.EnsureDir(i.cfg.CacheDir); err != nil {
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}
	fl, err := acquireFileLock(ctx, path+".lock")
	if err != nil {
		return err
	}
	defer func() {
		if err := fl.Close(); err != nil {
			i.log.Debug("release template lock", "error", err)
		}
	}()

	// Another process may have finished while we waited for the lock.
	if templateReady(path) {
		i.template = path
		return nil
	}

	start := time.Now()
	if err := i.build(ctx, path); err != nil {
		return err
	}
	i.log.Info("built template cluster", "path", path, "duration", time.Since(start))
	i.template = path
	return nil
}

// Template returns the prepared template path, or "" if none.
func (i *Initializer) Template() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.template
}

// build runs initdb into a scratch directory and renames the result into
// place so readers never see a partial template.
func (i *Initializer) build(ctx context.Context, path string) error {
	scratch, err := os.MkdirTemp(i.cfg.CacheDir, ".template-build-*")
	if err != nil {
		return fmt.Errorf("%w: create scratch dir: %w", ErrInitFailed, err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	dataDir := filepath.Join(scratch, "data")
	if err := i.run(ctx, dataDir); err != nil {
		return err
	}
	if err := os.Rename(dataDir, path); err != nil {
		return fmt.Errorf("%w: install template: %w", ErrInitFailed, err)
	}
	return nil
}

// templateKey identifies a template by initdb binary, its reported version
// and the arguments that shape the cluster.
func (i *Initializer) templateKey(ctx context.Context) (string, error) {
	version, err := pgbin.Version(ctx, i.cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInitFailed, err)
	}
	h := sha256.New()
	for _, part := range append([]string{i.cfg.Binary, version}, i.Args("")...) {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

func templateReady(path string) bool {
	_, err := os.Stat(filepath.Join(path, versionFile))
	return err == nil
}

// acquireFileLock takes an exclusive lock on lockPath, retrying until ctx
// ends. The lock file stays on disk; removing it could split waiters
// across two different inodes.
func acquireFileLock(ctx context.Context, lockPath string) (*flock.Flock, error) {
	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	if !locked {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, ctx.Err())
		}
		return nil, fmt.Errorf("acquire lock %s: lock not acquired", lockPath)
	}
	return fl, nil
}
