// Package pgenv provides throwaway PostgreSQL servers for tests.
//
// Each instance is a real postgres process with its own data directory in a
// private temporary workspace, listening on a fresh loopback port or a unix
// socket. Shutting an instance down stops the server and removes every file
// it created.
//
// # Basic Usage
//
//	import "github.com/giantswarm/pgenv"
//
//	ctx := context.Background()
//
//	p := pgenv.NewProvisioner()
//	if err := p.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Shutdown()
//
//	inst, err := p.Provision(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Shutdown()
//
//	conn, err := pgx.Connect(ctx, inst.DSN())
//
// # Tests
//
// Share one Provisioner per test binary and tie instances to tests with
// pgenvtest:
//
//	var provisioner = pgenv.NewProvisioner()
//
//	func TestMain(m *testing.M) {
//	    os.Exit(pgenvtest.RunMain(m, provisioner))
//	}
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    inst := pgenvtest.Provision(t, provisioner)
//	    // connect with inst.DSN() or inst.URL()
//	}
//
// Initialize runs initdb once and caches the resulting cluster under the
// base directory; every instance starts from a copy. The cached template is
// keyed by the initdb version and arguments.
//
// # Failures
//
// Provision either returns a ready instance or cleans up everything it
// created and returns a *ProvisionError naming the failed stage. The
// underlying kind survives the tagging:
//
//	var perr *pgenv.ProvisionError
//	switch {
//	case errors.Is(err, pgenv.ErrReadinessTimeout):
//	case errors.As(err, &perr) && perr.Stage == pgenv.StageInit:
//	}
//
// Instance.Shutdown never leaves a half-running instance. If the server
// refuses to die or the workspace cannot be removed it returns an error
// matching ErrTeardownIncomplete, which callers should log rather than fail
// on.
//
// # Crashes and Leaks
//
// Workspaces are locked by their owning process. Initialize removes
// workspaces whose owner is gone, so a killed test run is cleaned up by the
// next one. CleanupOnSignal tears down every instance when the process is
// interrupted, and an instance dropped without Shutdown is shut down when
// the garbage collector reclaims it.
//
// # Logging
//
// pgenv logs through log/slog with a "component" attribute; see SetLogger.
package pgenv
