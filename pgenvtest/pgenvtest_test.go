package pgenvtest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/giantswarm/pgenv"
	"github.com/giantswarm/pgenv/internal/testutil"
	"github.com/giantswarm/pgenv/pgenvtest"
)

func TestMain(m *testing.M) {
	testutil.MaybeRunStub()
	os.Exit(m.Run())
}

func stubOptions(t *testing.T) []pgenv.Option {
	t.Helper()

	dir := testutil.ShortTempDir(t)
	return []pgenv.Option{
		pgenv.WithBaseDir(filepath.Join(dir, "base")),
		pgenv.WithBinDir(testutil.WriteBinaries(t, filepath.Join(dir, "bin"), testutil.ModeReady)),
		pgenv.WithReadinessTimeout(10 * time.Second),
		pgenv.WithStopTimeout(2 * time.Second),
	}
}

func TestProvision_ShutsDownOnCleanup(t *testing.T) {
	t.Parallel()

	p := pgenvtest.Provisioner(t, stubOptions(t)...)

	var inst pgenv.Instance
	t.Run("uses instance", func(t *testing.T) {
		inst = pgenvtest.Provision(t, p)
		if inst.State() != pgenv.StateReady {
			t.Fatalf("State() = %v, want ready", inst.State())
		}
	})

	if inst == nil {
		t.Fatal("subtest did not provision")
	}
	if inst.State() != pgenv.StateStopped {
		t.Errorf("State() after subtest = %v, want stopped", inst.State())
	}
	if _, err := os.Stat(inst.LogPath()); !os.IsNotExist(err) {
		t.Errorf("log file still present after cleanup: %v", err)
	}
}

func TestProvisioner_ShutsDownOnCleanup(t *testing.T) {
	t.Parallel()

	opts := stubOptions(t)
	var p pgenv.Provisioner
	t.Run("owns provisioner", func(t *testing.T) {
		p = pgenvtest.Provisioner(t, opts...)
	})

	if _, err := p.Provision(context.Background()); !errors.Is(err, pgenv.ErrShuttingDown) {
		t.Fatalf("Provision() after cleanup error = %v, want ErrShuttingDown", err)
	}
}
