package core

import (
	"fmt"

	"github.com/giantswarm/pgenv/internal/initdb"
	"github.com/giantswarm/pgenv/internal/netutil"
	"github.com/giantswarm/pgenv/internal/pgbin"
	"github.com/giantswarm/pgenv/internal/process"
	"github.com/giantswarm/pgenv/internal/sentinel"
	"github.com/giantswarm/pgenv/internal/workspace"
)

const (
	// ErrShuttingDown is returned by Provision once Shutdown has been called.
	ErrShuttingDown = sentinel.Error("provisioner is shutting down")

	// ErrNotInitialized is returned by Provision before a successful
	// Initialize.
	ErrNotInitialized = sentinel.Error("provisioner not initialized")

	// ErrInvalidTransition is returned when an instance is asked to move to
	// a state that does not follow its current one.
	ErrInvalidTransition = sentinel.Error("invalid state transition")

	ErrWorkspaceCreationFailed = workspace.ErrCreationFailed
	ErrInitFailed              = initdb.ErrInitFailed
	ErrNoEndpointAvailable     = netutil.ErrNoEndpointAvailable
	ErrSpawnFailed             = process.ErrSpawnFailed
	ErrReadinessTimeout        = process.ErrReadinessTimeout
	ErrStartupFailed           = process.ErrStartupFailed
	ErrTeardownIncomplete      = process.ErrTeardownIncomplete
	ErrBinaryNotFound          = pgbin.ErrNotFound
)

// Stage names one step of Provision.
type Stage string

const (
	StageWorkspace Stage = "workspace"
	StageInit      Stage = "init"
	StageEndpoint  Stage = "endpoint"
	StageSpawn     Stage = "spawn"
	StageReadiness Stage = "readiness"
	StageBootstrap Stage = "bootstrap"
)

// ProvisionError tags a Provision failure with the stage that failed.
// Err keeps its own identity, so errors.Is(err, ErrInitFailed) still holds.
type ProvisionError struct {
	Stage      Stage
	InstanceID string
	Err        error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.InstanceID, e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
