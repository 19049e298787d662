package pgenv

import (
	"github.com/giantswarm/pgenv/internal/core"
	"github.com/giantswarm/pgenv/internal/initdb"
	"github.com/giantswarm/pgenv/internal/postgres"
)

// Sentinel errors for inspection with errors.Is. They are immutable
// constants and survive any amount of wrapping, including stage tagging by
// ProvisionError.
const (
	// ErrShuttingDown is returned by Provision once Shutdown has started.
	ErrShuttingDown = core.ErrShuttingDown

	// ErrNotInitialized is returned by Provision before a successful
	// Initialize.
	ErrNotInitialized = core.ErrNotInitialized

	// ErrBinaryNotFound is returned by Initialize when initdb or postgres
	// cannot be located.
	ErrBinaryNotFound = core.ErrBinaryNotFound

	// ErrWorkspaceCreationFailed means the instance directory tree could not
	// be created or locked.
	ErrWorkspaceCreationFailed = core.ErrWorkspaceCreationFailed

	// ErrInitFailed means initdb failed or its template could not be copied.
	// The chain usually holds an *InitError with the exit code and output.
	ErrInitFailed = core.ErrInitFailed

	// ErrNoEndpointAvailable means no free port could be obtained.
	ErrNoEndpointAvailable = core.ErrNoEndpointAvailable

	// ErrSpawnFailed means the postgres process could not be started.
	ErrSpawnFailed = core.ErrSpawnFailed

	// ErrReadinessTimeout means the server never accepted a connection
	// within the readiness timeout.
	ErrReadinessTimeout = core.ErrReadinessTimeout

	// ErrStartupFailed means the server exited or logged a fatal error
	// before becoming ready. The chain holds a *StartupError.
	ErrStartupFailed = core.ErrStartupFailed

	// ErrTeardownIncomplete is a warning from Shutdown: the server did not
	// exit after the forced kill, or the workspace could not be removed.
	ErrTeardownIncomplete = core.ErrTeardownIncomplete
)

// ProvisionError tags a Provision failure with the stage that failed.
type ProvisionError = core.ProvisionError

// InitError carries the exit code and combined output of a failed initdb.
type InitError = initdb.InitError

// StartupError carries the reason and the tail of the server log when the
// server dies before becoming ready.
type StartupError = postgres.StartupError

// Stage names one step of Provision.
type Stage = core.Stage

// Provision stages, in the order they run.
const (
	StageWorkspace = core.StageWorkspace
	StageInit      = core.StageInit
	StageEndpoint  = core.StageEndpoint
	StageSpawn     = core.StageSpawn
	StageReadiness = core.StageReadiness
	StageBootstrap = core.StageBootstrap
)
