package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/pgenv/internal/metrics"
	"github.com/giantswarm/pgenv/internal/netutil"
	"github.com/giantswarm/pgenv/internal/postgres"
	"github.com/giantswarm/pgenv/internal/workspace"
)

// ledgerTimeout bounds ledger writes, which must never hold up a caller.
const ledgerTimeout = 5 * time.Second

// Instance is one PostgreSQL server owned by a Provisioner. Connection
// details are fixed once the instance is ready. Shutdown tears everything
// down exactly once.
type Instance struct {
	id        string
	owner     *Provisioner
	log       *slog.Logger
	createdAt time.Time
	state     stateMachine

	// Filled in by the provisioning stages, in order.
	ws       *workspace.Workspace
	port     int // reserved TCP port; 0 for unix endpoints
	endpoint netutil.Endpoint
	server   *postgres.Server
	params   postgres.ConnParams

	registered bool

	shutdownOnce sync.Once
	shutdownErr  error
}

func newInstance(owner *Provisioner, id string) *Instance {
	return &Instance{
		id:        id,
		owner:     owner,
		log:       instanceLogger(id),
		createdAt: time.Now(),
	}
}

// ID returns the instance's unique identifier.
func (i *Instance) ID() string { return i.id }

// Params returns the connection parameters for the configured user and
// database.
func (i *Instance) Params() postgres.ConnParams { return i.params }

// DSN returns a keyword/value connection string.
func (i *Instance) DSN() string { return i.params.DSN() }

// URL returns a postgres:// connection URL.
func (i *Instance) URL() string { return i.params.URL() }

// Endpoint returns where the server listens.
func (i *Instance) Endpoint() netutil.Endpoint { return i.endpoint }

// State returns the current lifecycle state.
func (i *Instance) State() ClusterState {
	s, _ := i.state.get()
	return s
}

// Err returns the failure reason once the instance is StateFailed.
func (i *Instance) Err() error {
	_, err := i.state.get()
	return err
}

// LogPath returns the server log file. It is removed with the workspace.
func (i *Instance) LogPath() string {
	if i.ws == nil {
		return ""
	}
	return i.ws.LogPath
}

// Root returns the workspace directory.
func (i *Instance) Root() string {
	if i.ws == nil {
		return ""
	}
	return i.ws.Root
}

// Pid returns the server's process id, or 0 when no server was started.
func (i *Instance) Pid() int {
	if i.server == nil {
		return 0
	}
	return i.server.Pid()
}

// Exited is closed once the server process has exited, whether through
// Shutdown or on its own. It is nil when no server was started.
func (i *Instance) Exited() <-chan struct{} {
	if i.server == nil {
		return nil
	}
	return i.server.Exited()
}

// Shutdown stops the server, deletes the workspace and deregisters the
// instance, in that order. Every step runs even when an earlier one failed.
// Only the first call does any work. Its error, if any, matches
// ErrTeardownIncomplete and is a warning: nothing the caller can do will
// complete the teardown. Later calls return nil.
func (i *Instance) Shutdown() error {
	first := false
	i.shutdownOnce.Do(func() {
		first = true
		i.shutdownErr = i.teardown()
	})
	if !first {
		return nil
	}
	return i.shutdownErr
}

// teardown releases whatever the provisioning stages acquired. It is also
// the rollback path for a failed Provision, where most fields may be nil.
func (i *Instance) teardown() error {
	wasReady := i.State() == StateReady
	if wasReady {
		if err := i.state.advance(StateStopping); err != nil {
			i.log.Debug("teardown transition", "error", err)
		}
	}

	var errs []error
	if i.server != nil {
		cfg := i.owner.cfg
		if err := i.server.Stop(cfg.StopTimeout, cfg.KillTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	// The port goes back only once nothing can be listening on it.
	if i.port != 0 && len(errs) == 0 {
		i.owner.ports.Release(i.port)
	}
	if i.ws != nil {
		if err := i.ws.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrTeardownIncomplete, err))
		}
	}
	if i.registered {
		i.owner.registry.remove(i.id)
		i.forgetLedger()
		metrics.InstanceDown()
	}

	err := errors.Join(errs...)
	if err != nil {
		i.log.Warn("teardown incomplete", "error", err)
		i.state.fail(err)
	} else if wasReady {
		if advErr := i.state.advance(StateStopped); advErr != nil {
			i.log.Debug("teardown transition", "error", advErr)
		}
	}
	if wasReady {
		metrics.ObserveTeardown(err)
		i.log.Debug("instance shut down")
	}
	return err
}

func (i *Instance) recordLedger() {
	l := i.owner.ledger
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	err := l.Record(ctx, ledgerEntry(i))
	if err != nil {
		i.log.Warn("record instance in ledger", "error", err)
	}
}

func (i *Instance) forgetLedger() {
	l := i.owner.ledger
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := l.Forget(ctx, i.id); err != nil {
		i.log.Warn("remove instance from ledger", "error", err)
	}
}
