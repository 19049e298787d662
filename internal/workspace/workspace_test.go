package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gofrs/flock"

	"github.com/giantswarm/pgenv/internal/fileutil"
)

func TestCreate_Layout(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	ws, err := Create(base, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	t.Cleanup(func() { _ = ws.Destroy() })

	if filepath.Dir(ws.Root) != base {
		t.Errorf("Root %q not under base %q", ws.Root, base)
	}
	pid, ok := ParsePID(filepath.Base(ws.Root))
	if !ok || pid != os.Getpid() {
		t.Errorf("ParsePID(%q) = %d, %v; want %d, true", filepath.Base(ws.Root), pid, ok, os.Getpid())
	}

	for _, dir := range []string{ws.Root, ws.SocketDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if info.Mode().Perm() != fileutil.PrivateDirMode {
			t.Errorf("%s mode = %v, want %v", dir, info.Mode().Perm(), fileutil.PrivateDirMode)
		}
	}
	if fileutil.Exists(ws.DataDir) {
		t.Error("data directory should be left for the initializer to create")
	}
	if !strings.HasPrefix(ws.LogPath, ws.Root) || !strings.HasPrefix(ws.DataDir, ws.Root) {
		t.Errorf("paths escape root: %+v", ws)
	}
}

func TestCreate_HoldsLock(t *testing.T) {
	t.Parallel()

	ws, err := Create(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	other := flock.New(filepath.Join(ws.Root, lockName))
	locked, err := other.TryLock()
	if err != nil {
		t.Fatalf("TryLock() error: %v", err)
	}
	if locked {
		_ = other.Close()
		t.Fatal("workspace lock should be held by its owner")
	}

	if err := ws.Destroy(); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
}

func TestCreate_EmptyBase(t *testing.T) {
	t.Parallel()

	if _, err := Create("", nil); !errors.Is(err, ErrCreationFailed) {
		t.Errorf("Create(\"\") error = %v, want ErrCreationFailed", err)
	}
}

func TestCreate_UnwritableBase(t *testing.T) {
	t.Parallel()

	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	base := filepath.Join(t.TempDir(), "ro")
	if err := os.Mkdir(base, 0o500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := Create(base, nil); !errors.Is(err, ErrCreationFailed) {
		t.Errorf("Create() error = %v, want ErrCreationFailed", err)
	}
}

func TestCreate_ConcurrentDistinct(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	const n = 50

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		all  []*Workspace
		errs []error
	)
	for range n {
		wg.Go(func() {
			ws, err := Create(base, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			all = append(all, ws)
		})
	}
	wg.Wait()

	for _, err := range errs {
		t.Errorf("Create() error: %v", err)
	}
	seen := make(map[string]bool)
	for _, ws := range all {
		if seen[ws.Root] {
			t.Errorf("duplicate root %s", ws.Root)
		}
		seen[ws.Root] = true
		if err := ws.Destroy(); err != nil {
			t.Errorf("Destroy() error: %v", err)
		}
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatalf("read base: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("base not empty after destroy: %d entries", len(entries))
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	t.Parallel()

	ws, err := Create(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := os.WriteFile(ws.LogPath, []byte("log"), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	for i := range 3 {
		if err := ws.Destroy(); err != nil {
			t.Fatalf("Destroy() call %d error: %v", i+1, err)
		}
	}
	if Exists(ws.Root) {
		t.Error("workspace root still exists after Destroy")
	}
}

func TestDestroy_AlreadyRemoved(t *testing.T) {
	t.Parallel()

	ws, err := Create(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := ws.Destroy(); err != nil {
		t.Errorf("Destroy() on missing tree error: %v", err)
	}
}
