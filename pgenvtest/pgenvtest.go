// Package pgenvtest ties pgenv instances to the lifetime of a test.
package pgenvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/pgenv"
)

// Provision provisions an instance from p and shuts it down when t and its
// subtests finish. A failed provision fails the test immediately.
//
// Teardown warnings are logged with t.Logf and never fail the test: by the
// time they happen the test has already produced its result.
func Provision(t testing.TB, p pgenv.Provisioner) pgenv.Instance {
	t.Helper()

	inst, err := p.Provision(t.Context())
	if err != nil {
		t.Fatalf("pgenvtest: provision: %v", err)
	}
	t.Cleanup(func() {
		if err := inst.Shutdown(); err != nil {
			t.Logf("pgenvtest: shut down instance %s: %v", inst.ID(), err)
		}
	})
	return inst
}

// Provisioner returns an initialized Provisioner configured by opts that is
// shut down when t finishes. It is meant for tests that want their own
// settings; suites sharing one Provisioner should create it in TestMain.
func Provisioner(t testing.TB, opts ...pgenv.Option) pgenv.Provisioner {
	t.Helper()

	p := pgenv.NewProvisioner(opts...)
	if err := p.Initialize(t.Context()); err != nil {
		t.Fatalf("pgenvtest: initialize: %v", err)
	}
	t.Cleanup(func() {
		if err := p.Shutdown(); err != nil {
			t.Logf("pgenvtest: shut down provisioner: %v", err)
		}
	})
	return p
}

// RunMain is a TestMain body: it initializes p, installs the signal
// cleanup, runs the tests and shuts p down. It returns the exit code for
// os.Exit.
//
//	func TestMain(m *testing.M) {
//		os.Exit(pgenvtest.RunMain(m, provisioner))
//	}
func RunMain(m *testing.M, p pgenv.Provisioner) int {
	ctx := context.Background()
	stop := pgenv.CleanupOnSignal(ctx)
	defer stop()

	if err := p.Initialize(ctx); err != nil {
		if errors.Is(err, pgenv.ErrBinaryNotFound) {
			pgenv.Logger().Error("postgresql binaries not found; install PostgreSQL or set a bin dir", "error", err)
		} else {
			pgenv.Logger().Error("initialize provisioner", "error", err)
		}
		return 1
	}
	code := m.Run()
	if err := p.Shutdown(); err != nil {
		pgenv.Logger().Warn("shut down provisioner", "error", err)
	}
	return code
}
