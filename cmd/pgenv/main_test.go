package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/pgenv/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.MaybeRunStub()
	os.Exit(m.Run())
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(ctx context.Context, out *syncBuffer, args ...string) error {
	root := newRootCommand()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func TestSweepCommand(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	orphan := filepath.Join(base, "pgenv-99999999-0000abcd")
	if err := os.MkdirAll(filepath.Join(orphan, "data"), 0o700); err != nil {
		t.Fatal(err)
	}

	var out syncBuffer
	if err := execute(context.Background(), &out, "sweep", "--base-dir", base); err != nil {
		t.Fatalf("sweep: %v\n%s", err, out.String())
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphan still present: %v", err)
	}
	if !strings.Contains(out.String(), "1 removed") {
		t.Errorf("output = %q, want a removal count", out.String())
	}
}

func TestConfigSources(t *testing.T) {
	tests := map[string]func(t *testing.T, base string) []string{
		"environment": func(t *testing.T, base string) []string {
			t.Setenv("PGENV_BASE_DIR", base)
			return []string{"sweep"}
		},
		"config file": func(t *testing.T, base string) []string {
			path := filepath.Join(t.TempDir(), "pgenv.yaml")
			if err := os.WriteFile(path, []byte("base-dir: "+base+"\n"), 0o600); err != nil {
				t.Fatal(err)
			}
			return []string{"sweep", "--config", path}
		},
	}
	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			base := t.TempDir()
			orphan := filepath.Join(base, "pgenv-99999998-0000beef")
			if err := os.Mkdir(orphan, 0o700); err != nil {
				t.Fatal(err)
			}

			var out syncBuffer
			if err := execute(context.Background(), &out, setup(t, base)...); err != nil {
				t.Fatalf("sweep: %v\n%s", err, out.String())
			}
			if _, err := os.Stat(orphan); !os.IsNotExist(err) {
				t.Errorf("orphan under configured base dir still present: %v", err)
			}
		})
	}
}

func TestInvalidFlags(t *testing.T) {
	t.Parallel()

	tests := map[string][]string{
		"log level":  {"ls", "--log-level", "loud"},
		"kind":       {"run", "--kind", "carrier-pigeon"},
		"setting":    {"run", "--set", "no-equals-sign"},
		"readiness":  {"run", "--readiness-timeout", "0s"},
		"extra args": {"sweep", "now"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var out syncBuffer
			args = append(args, "--base-dir", t.TempDir())
			if err := execute(context.Background(), &out, args...); err == nil {
				t.Fatalf("execute(%v) succeeded, want error", args)
			}
		})
	}
}

func TestRunAndLs(t *testing.T) {
	t.Parallel()

	dir := testutil.ShortTempDir(t)
	base := filepath.Join(dir, "base")
	bin := testutil.WriteBinaries(t, filepath.Join(dir, "bin"), testutil.ModeReady)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, &out, "run", "--base-dir", base, "--bin-dir", bin, "--log-file", filepath.Join(dir, "pgenv.log"))
	}()

	deadline := time.Now().Add(30 * time.Second)
	for !strings.Contains(out.String(), "DATABASE_URL=") {
		if time.Now().After(deadline) {
			t.Fatalf("run printed no environment:\n%s", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, key := range []string{"PGHOST=", "PGPORT=", "PGUSER=postgres", "PGDATABASE=postgres"} {
		if !strings.Contains(out.String(), key) {
			t.Errorf("output missing %s:\n%s", key, out.String())
		}
	}

	var ls syncBuffer
	if err := execute(context.Background(), &ls, "ls", "--base-dir", base); err != nil {
		t.Fatalf("ls: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(ls.String()), "\n"); len(lines) != 2 || !strings.Contains(lines[1], "alive") {
		t.Errorf("ls output = %q, want header and one alive row", ls.String())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	workspaces, _ := filepath.Glob(filepath.Join(base, "pgenv-*"))
	if len(workspaces) != 0 {
		t.Errorf("workspaces left after run: %v", workspaces)
	}
}

func TestRunServerExits(t *testing.T) {
	t.Parallel()

	dir := testutil.ShortTempDir(t)
	base := filepath.Join(dir, "base")
	bin := testutil.WriteBinaries(t, filepath.Join(dir, "bin"), testutil.ModeReady,
		testutil.EnvStubExitAfter+"=500ms")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out syncBuffer
	err := execute(ctx, &out, "run", "--base-dir", base, "--bin-dir", bin)
	if err == nil {
		t.Fatal("run returned nil after the server died")
	}
	if ctx.Err() != nil {
		t.Fatalf("run only returned when the context ended: %v", err)
	}
	if !strings.Contains(err.Error(), "exited unexpectedly") || !strings.Contains(err.Error(), "stub server terminated") {
		t.Errorf("error = %v, want unexpected exit with the server log tail", err)
	}
	workspaces, _ := filepath.Glob(filepath.Join(base, "pgenv-*"))
	if len(workspaces) != 0 {
		t.Errorf("workspaces left after run: %v", workspaces)
	}
}
