package pgenv_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/giantswarm/pgenv"
	"github.com/giantswarm/pgenv/internal/testutil"
)

// newStubProvisioner returns an initialized Provisioner whose binaries are
// stub servers running in mode.
func newStubProvisioner(t *testing.T, mode string, opts ...pgenv.Option) pgenv.Provisioner {
	t.Helper()

	dir := testutil.ShortTempDir(t)
	base := []pgenv.Option{
		pgenv.WithBaseDir(filepath.Join(dir, "base")),
		pgenv.WithBinDir(testutil.WriteBinaries(t, filepath.Join(dir, "bin"), mode)),
		pgenv.WithReadinessTimeout(10 * time.Second),
		pgenv.WithStopTimeout(2 * time.Second),
	}
	p := pgenv.NewProvisioner(append(base, opts...)...)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func connect(ctx context.Context, inst pgenv.Instance) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := pgconn.Connect(ctx, inst.DSN())
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

func TestProvisioner_Lifecycle(t *testing.T) {
	t.Parallel()

	tests := map[string]pgenv.EndpointKind{
		"tcp":  pgenv.EndpointTCP,
		"unix": pgenv.EndpointUnix,
	}
	for name, kind := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			p := newStubProvisioner(t, testutil.ModeReady, pgenv.WithEndpointKind(kind))

			inst, err := p.Provision(ctx)
			if err != nil {
				t.Fatalf("Provision() error: %v", err)
			}
			if inst.State() != pgenv.StateReady {
				t.Errorf("State() = %v, want ready", inst.State())
			}
			if inst.Params().Kind != kind {
				t.Errorf("Params().Kind = %v, want %v", inst.Params().Kind, kind)
			}
			if inst.LogPath() == "" {
				t.Error("LogPath() is empty")
			}
			if err := connect(ctx, inst); err != nil {
				t.Fatalf("connect: %v", err)
			}

			if err := inst.Shutdown(); err != nil {
				t.Fatalf("Shutdown() error: %v", err)
			}
			if err := inst.Shutdown(); err != nil {
				t.Fatalf("second Shutdown() error: %v", err)
			}
			if inst.State() != pgenv.StateStopped {
				t.Errorf("State() after Shutdown = %v, want stopped", inst.State())
			}
			select {
			case <-inst.Exited():
			default:
				t.Error("Exited() not closed after Shutdown")
			}
			if err := connect(ctx, inst); err == nil {
				t.Error("connect after Shutdown succeeded, want error")
			}
		})
	}
}

func TestProvisioner_NotInitialized(t *testing.T) {
	t.Parallel()

	p := pgenv.NewProvisioner(pgenv.WithBaseDir(t.TempDir()))
	if _, err := p.Provision(context.Background()); !errors.Is(err, pgenv.ErrNotInitialized) {
		t.Fatalf("Provision() error = %v, want ErrNotInitialized", err)
	}
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestProvisioner_StartupFailure(t *testing.T) {
	t.Parallel()

	p := newStubProvisioner(t, testutil.ModeCrash)
	_, err := p.Provision(context.Background())
	if !errors.Is(err, pgenv.ErrStartupFailed) {
		t.Fatalf("Provision() error = %v, want ErrStartupFailed", err)
	}
	var pe *pgenv.ProvisionError
	if !errors.As(err, &pe) || pe.Stage != pgenv.StageReadiness {
		t.Fatalf("Provision() error = %v, want *ProvisionError at readiness", err)
	}
	var se *pgenv.StartupError
	if !errors.As(err, &se) || se.Output == "" {
		t.Errorf("StartupError missing or without output: %v", err)
	}
}

func TestProvisioner_ShutdownStopsInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newStubProvisioner(t, testutil.ModeReady)

	var insts []pgenv.Instance
	for range 3 {
		inst, err := p.Provision(ctx)
		if err != nil {
			t.Fatalf("Provision() error: %v", err)
		}
		insts = append(insts, inst)
	}
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	for _, inst := range insts {
		if inst.State() != pgenv.StateStopped {
			t.Errorf("%s State() = %v, want stopped", inst.ID(), inst.State())
		}
	}
	if _, err := p.Provision(ctx); !errors.Is(err, pgenv.ErrShuttingDown) {
		t.Fatalf("Provision() after Shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestProvisioner_ProvisionAsync(t *testing.T) {
	t.Parallel()

	p := newStubProvisioner(t, testutil.ModeReady)

	res, ok := <-p.ProvisionAsync(context.Background())
	if !ok {
		t.Fatal("channel closed without a result")
	}
	if res.Err != nil {
		t.Fatalf("result error: %v", res.Err)
	}
	t.Cleanup(func() { _ = res.Instance.Shutdown() })
	if err := connect(context.Background(), res.Instance); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestProvisioner_ProvisionAsyncAbandoned(t *testing.T) {
	t.Parallel()

	p := newStubProvisioner(t, testutil.ModeReady)
	ctx, cancel := context.WithCancel(context.Background())

	ch := p.ProvisionAsync(ctx)
	cancel()

	select {
	case res, ok := <-ch:
		if ok && res.Err == nil {
			t.Fatalf("got instance %s after cancellation", res.Instance.ID())
		}
	case <-time.After(30 * time.Second):
		t.Fatal("channel not closed after cancellation")
	}
}

func TestInstance_ReclaimedWhenDropped(t *testing.T) {
	t.Parallel()

	p := newStubProvisioner(t, testutil.ModeReady)

	// Only the workspace path escapes; the handle is unreachable on return.
	provision := func() string {
		inst, err := p.Provision(context.Background())
		if err != nil {
			t.Fatalf("Provision() error: %v", err)
		}
		return filepath.Dir(inst.LogPath())
	}
	root := provision()

	deadline := time.Now().Add(30 * time.Second)
	for {
		runtime.GC()
		if _, err := os.Stat(root); os.IsNotExist(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("workspace %s still present after the handle was collected", root)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestCleanupOnSignal is not parallel: the handler shuts down every instance
// in the process.
func TestCleanupOnSignal(t *testing.T) {
	p := newStubProvisioner(t, testutil.ModeReady)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	got := make(chan os.Signal, 1)
	restore := pgenv.SetTerminateForTesting(func(sig os.Signal) { got <- sig })
	defer restore()

	stop := pgenv.CleanupOnSignal(context.Background())
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("send SIGTERM: %v", err)
	}

	select {
	case sig := <-got:
		if sig != syscall.SIGTERM {
			t.Errorf("terminate called with %v, want SIGTERM", sig)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("signal handler did not run")
	}
	if inst.State() != pgenv.StateStopped {
		t.Errorf("State() = %v, want stopped", inst.State())
	}
	if _, err := os.Stat(filepath.Dir(inst.LogPath())); !os.IsNotExist(err) {
		t.Errorf("workspace still present: %v", err)
	}
}

// Collectors are process-wide, so this is the only test that registers them.
func TestRegisterMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if err := pgenv.RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics() error: %v", err)
	}

	p := newStubProvisioner(t, testutil.ModeReady)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if err := inst.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"pgenv_provisions_total", "pgenv_teardowns_total"} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
