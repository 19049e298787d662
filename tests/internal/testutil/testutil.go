//go:build integration

// Package testutil provides shared helpers for integration test packages.
package testutil

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/pgenv"
)

// nameCounter backs UniqueName.
var nameCounter atomic.Int64

// UniqueName returns an identifier that is unique across parallel tests and
// valid as an unquoted SQL name.
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, nameCounter.Add(1))
}

// TestParallel returns the effective -test.parallel value, falling back to
// GOMAXPROCS like the testing package does.
func TestParallel() int {
	f := flag.Lookup("test.parallel")
	if f == nil {
		return runtime.GOMAXPROCS(0)
	}
	n, err := strconv.Atoi(f.Value.String())
	if err != nil || n < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

// Connect opens a pgx connection to inst and closes it when t finishes.
func Connect(ctx context.Context, t *testing.T, inst pgenv.Instance) *pgx.Conn {
	t.Helper()

	conn, err := pgx.Connect(ctx, inst.DSN())
	if err != nil {
		t.Fatalf("connect to %s: %v", inst.ID(), err)
	}
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

// ShortTempDir returns a temporary directory short enough to hold unix
// sockets, removed when t finishes.
func ShortTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "pgit")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// SetupTestLogging configures slog from the PGENV_LOG_LEVEL environment
// variable.
func SetupTestLogging() {
	levelStr := os.Getenv("PGENV_LOG_LEVEL")
	if levelStr == "" {
		levelStr = "INFO"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	pgenv.SetLogger(slog.Default().With("component", "pgenv"))
}

// SetupAndRun handles the TestMain boilerplate: flag parsing, logging,
// a private base directory, provisioner creation and initialization, signal
// cleanup, test execution and shutdown. The provisioner is assigned to *p so
// tests can reference it. It calls os.Exit and never returns.
func SetupAndRun(m *testing.M, p *pgenv.Provisioner, prefix string, opts ...pgenv.Option) {
	flag.Parse()
	SetupTestLogging()

	tmpDir, err := os.MkdirTemp("", prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	baseOpts := []pgenv.Option{
		pgenv.WithBaseDir(tmpDir),
		pgenv.WithReadinessTimeout(time.Minute),
		pgenv.WithMaxConcurrentStarts(TestParallel()),
	}
	created := pgenv.NewProvisioner(append(baseOpts, opts...)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = created.Initialize(ctx)
	cancel()
	if errors.Is(err, pgenv.ErrBinaryNotFound) {
		fmt.Fprintf(os.Stderr, "%v\nInstall PostgreSQL or put its bin directory on PATH.\n", err)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Initialize failed: %v\n", err)
		os.Exit(1)
	}
	*p = created

	os.Exit(runTestMain(m, created, tmpDir))
}

func runTestMain(m *testing.M, p pgenv.Provisioner, tmpDir string) int {
	stop := pgenv.CleanupOnSignal(context.Background())
	code := m.Run()
	stop()

	if err := p.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
	}
	_ = os.RemoveAll(tmpDir)
	return code
}
