// Package initdb creates fresh PostgreSQL data directories, optionally by
// copying a cached template cluster built once per binary version and
// argument set.
package initdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/giantswarm/pgenv/internal/fileutil"
	"github.com/giantswarm/pgenv/internal/sentinel"
)

// ErrInitFailed is the kind of every cluster initialization failure.
const ErrInitFailed = sentinel.Error("cluster initialization failed")

// versionFile must exist in every initialized data directory.
const versionFile = "PG_VERSION"

// maxOutput bounds how much initdb output an InitError carries.
const maxOutput = 8 << 10

// InitError reports a failed initdb run with its exit code and combined
// output. ExitCode is -1 when initdb could not be run at all.
type InitError struct {
	ExitCode int
	Output   string
}

func (e *InitError) Error() string {
	msg := fmt.Sprintf("%s: initdb exit code %d", ErrInitFailed, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Is makes errors.Is(err, ErrInitFailed) match.
func (e *InitError) Is(target error) bool {
	return target == ErrInitFailed
}

// Config configures an Initializer.
type Config struct {
	Binary    string   // path to initdb
	Superuser string   // bootstrap superuser name
	ExtraArgs []string // appended to the initdb command line

	// CacheDir enables the template cache when non-empty. Templates are
	// shared across processes through a file lock.
	CacheDir string

	Logger *slog.Logger
}

func (c Config) validate() error {
	var errs []error
	if c.Binary == "" {
		errs = append(errs, errors.New("initdb binary path must not be empty"))
	}
	if c.Superuser == "" {
		errs = append(errs, errors.New("superuser must not be empty"))
	}
	return errors.Join(errs...)
}

// Initializer populates data directories. It is safe for concurrent use.
type Initializer struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	template string // ready template path, empty until Prepare succeeds
}

// New returns an Initializer. It performs no I/O.
func New(cfg Config) (*Initializer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid initdb config: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Initializer{cfg: cfg, log: logger}, nil
}

// Args returns the initdb arguments for dataDir.
func (i *Initializer) Args(dataDir string) []string {
	args := []string{
		"-D", dataDir,
		"--username=" + i.cfg.Superuser,
		"--auth=trust",
		"--encoding=UTF8",
		"--no-locale",
		"--no-sync",
	}
	return append(args, i.cfg.ExtraArgs...)
}

// Initialize creates dataDir as a fresh cluster, from the template when one
// was prepared and by running initdb otherwise. dataDir must not exist or
// be empty. Failures match ErrInitFailed and are never retried here.
func (i *Initializer) Initialize(ctx context.Context, dataDir string) error {
	i.mu.Lock()
	template := i.template
	i.mu.Unlock()

	if template != "" {
		if err := fileutil.CopyDir(ctx, template, dataDir); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("copy template: %w", ctxErr)
			}
			return fmt.Errorf("%w: copy template %s: %w", ErrInitFailed, template, err)
		}
		return verify(dataDir)
	}
	return i.run(ctx, dataDir)
}

// run executes initdb for dataDir and verifies the result.
func (i *Initializer) run(ctx context.Context, dataDir string) error {
	cmd := exec.CommandContext(ctx, i.cfg.Binary, i.Args(dataDir)...) //nolint:gosec // G204: binary path comes from the resolver
	cmd.Env = append(os.Environ(), "LC_ALL=C", "TZ=UTC")

	i.log.Debug("running initdb", "data_dir", dataDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("initdb: %w", ctxErr)
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			out = append(out, []byte(err.Error())...)
		}
		return &InitError{ExitCode: code, Output: truncate(string(out))}
	}
	return verify(dataDir)
}

// verify checks that dataDir holds an initialized cluster.
func verify(dataDir string) error {
	if _, err := os.Stat(filepath.Join(dataDir, versionFile)); err != nil {
		return &InitError{Output: fmt.Sprintf("%s missing from %s after initialization", versionFile, dataDir)}
	}
	return nil
}

// truncate keeps the last maxOutput bytes, which carry the failure reason.
func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return "..." + s[len(s)-maxOutput:]
}
