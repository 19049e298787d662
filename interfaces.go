package pgenv

import (
	"context"

	"github.com/giantswarm/pgenv/internal/core"
	"github.com/giantswarm/pgenv/internal/netutil"
	"github.com/giantswarm/pgenv/internal/postgres"
)

// Provisioner creates throwaway PostgreSQL instances.
//
// Callers must follow this lifecycle ordering:
//
//	NewProvisioner → Initialize → Provision (repeatable) → Shutdown
//
// Shutdown is safe to call at any point, including before Initialize.
type Provisioner interface {
	// Initialize resolves the PostgreSQL binaries, removes orphaned
	// workspaces and prepares the initdb template. After a success later
	// calls return nil immediately; after a failure they retry.
	Initialize(ctx context.Context) error

	// Provision creates a workspace, initializes a cluster, starts a server
	// on a fresh endpoint and waits until it accepts connections. On error
	// nothing is left behind and the error is a *ProvisionError naming the
	// failed stage.
	//
	// Returns ErrNotInitialized before Initialize and ErrShuttingDown after
	// Shutdown has started.
	Provision(ctx context.Context) (Instance, error)

	// ProvisionAsync runs Provision on its own goroutine. The channel yields
	// one result and is closed. If ctx ends before the result is received,
	// the instance is shut down and the channel is closed empty.
	ProvisionAsync(ctx context.Context) <-chan ProvisionResult

	// Shutdown waits for in-flight Provision calls and shuts down every
	// instance this Provisioner created. It returns the joined teardown
	// warnings; repeated calls return the first result.
	Shutdown() error
}

// Instance is one running PostgreSQL server owned by the caller.
type Instance interface {
	// ID returns a unique identifier for this instance.
	ID() string

	// Params returns the connection parameters.
	Params() ConnParams

	// DSN returns the parameters as a keyword/value connection string.
	DSN() string

	// URL returns the parameters as a postgres:// URL.
	URL() string

	// State returns the current lifecycle state.
	State() ClusterState

	// LogPath returns the server log file, useful when a test fails.
	LogPath() string

	// Exited is closed once the server process has exited, whether through
	// Shutdown or because it died.
	Exited() <-chan struct{}

	// Shutdown stops the server and removes the workspace. The first call
	// returns nil or an error matching ErrTeardownIncomplete; later calls
	// return nil. Teardown problems are warnings and never leave the
	// instance half-running from the caller's point of view.
	Shutdown() error
}

// ProvisionResult is the value delivered by ProvisionAsync.
type ProvisionResult struct {
	Instance Instance
	Err      error
}

// ConnParams describes how to reach an instance.
type ConnParams = postgres.ConnParams

// EndpointKind selects how clients reach an instance.
type EndpointKind = netutil.EndpointKind

// Endpoint kinds.
const (
	EndpointTCP  = netutil.TCP
	EndpointUnix = netutil.Unix
)

// ParseEndpointKind converts "tcp" or "unix" into an EndpointKind.
func ParseEndpointKind(s string) (EndpointKind, error) {
	return netutil.ParseEndpointKind(s)
}

// ClusterState is the lifecycle position of one instance.
type ClusterState = core.ClusterState

// Instance lifecycle states.
const (
	StateUninitialized = core.StateUninitialized
	StateInitialized   = core.StateInitialized
	StateStarting      = core.StateStarting
	StateReady         = core.StateReady
	StateStopping      = core.StateStopping
	StateStopped       = core.StateStopped
	StateFailed        = core.StateFailed
)
