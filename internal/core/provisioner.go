package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/giantswarm/pgenv/internal/fileutil"
	"github.com/giantswarm/pgenv/internal/initdb"
	"github.com/giantswarm/pgenv/internal/ledger"
	"github.com/giantswarm/pgenv/internal/metrics"
	"github.com/giantswarm/pgenv/internal/netutil"
	"github.com/giantswarm/pgenv/internal/pgbin"
	"github.com/giantswarm/pgenv/internal/postgres"
	"github.com/giantswarm/pgenv/internal/workspace"
)

// maxBindAttempts is how many endpoints a TCP instance tries when the
// server loses its port to another process between verify and bind.
const maxBindAttempts = 3

// bindConflictMarkers identify a lost port in a startup failure.
var bindConflictMarkers = []string{
	"could not bind",
	"could not create any TCP/IP sockets",
	"Address already in use",
}

type provisionerState uint32

const (
	provisionerCreated provisionerState = iota
	provisionerReady
	provisionerShuttingDown
)

// ProvisionResult is delivered by ProvisionAsync.
type ProvisionResult struct {
	Instance *Instance
	Err      error
}

// Provisioner creates instances. It must be initialized before use.
type Provisioner struct {
	cfg      ProvisionerConfig
	ports    *netutil.PortRegistry
	sem      *semaphore.Weighted
	registry *Registry

	// initMu serializes Initialize. lifeMu guards state and the inflight
	// counter so Shutdown cannot miss a Provision that already started.
	initMu   sync.Mutex
	lifeMu   sync.RWMutex
	state    provisionerState
	inflight sync.WaitGroup

	// Set by Initialize, read-only afterwards.
	bins   pgbin.Paths
	initdb *initdb.Initializer
	ledger *ledger.Ledger

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewProvisioner returns a Provisioner for cfg. It panics on an invalid
// config, since options are validated as they are applied and an invalid
// config here is a programmer error.
func NewProvisioner(cfg ProvisionerConfig) *Provisioner {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("pgenv: invalid provisioner config: %v", err))
	}
	return &Provisioner{
		cfg:      cfg,
		ports:    netutil.NewPortRegistryWithBackoff(Logger(), cfg.PortRetry),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentStarts)),
		registry: processRegistry,
	}
}

// Config returns the provisioner's configuration.
func (p *Provisioner) Config() ProvisionerConfig { return p.cfg }

// Initialize sweeps orphaned workspaces, locates the PostgreSQL binaries
// and prepares the initdb template. It is safe to call more than once:
// after success it returns nil immediately, and after a failure the next
// call retries.
func (p *Provisioner) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.lifeMu.RLock()
	state := p.state
	p.lifeMu.RUnlock()
	switch state {
	case provisionerReady:
		return nil
	case provisionerShuttingDown:
		return ErrShuttingDown
	case provisionerCreated:
	}

	if err := p.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	res, err := p.doInitialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.state == provisionerShuttingDown {
		closeLedger(res.ledger)
		return ErrShuttingDown
	}
	p.bins = res.bins
	p.initdb = res.initdb
	p.ledger = res.ledger
	p.state = provisionerReady
	return nil
}

// initResult is what doInitialize prepares. Initialize publishes it under
// lifeMu together with the ready state.
type initResult struct {
	bins   pgbin.Paths
	initdb *initdb.Initializer
	ledger *ledger.Ledger
}

func (p *Provisioner) doInitialize(ctx context.Context) (initResult, error) {
	log := Logger()
	if err := fileutil.EnsureDir(p.cfg.BaseDir); err != nil {
		return initResult{}, fmt.Errorf("create base dir: %w", err)
	}
	p.registry.trackBaseDir(p.cfg.BaseDir)

	if p.cfg.SweepOnInitialize {
		if _, err := Sweep(ctx, p.cfg.BaseDir); err != nil {
			log.Warn("orphan sweep failed", "base_dir", p.cfg.BaseDir, "error", err)
		}
	}

	bins, err := pgbin.Resolver{BinDir: p.cfg.BinDir}.Resolve(ctx)
	if err != nil {
		return initResult{}, err
	}

	cacheDir := ""
	if p.cfg.TemplateCache {
		cacheDir = p.cfg.BaseDir
	}
	in, err := initdb.New(initdb.Config{
		Binary:    bins.Initdb,
		Superuser: postgres.DefaultSuperuser,
		ExtraArgs: p.cfg.InitArgs,
		CacheDir:  cacheDir,
		Logger:    log,
	})
	if err != nil {
		return initResult{}, err
	}
	if err := in.Prepare(ctx); err != nil {
		return initResult{}, fmt.Errorf("prepare initdb template: %w", err)
	}

	var l *ledger.Ledger
	if p.cfg.Ledger {
		l, err = ledger.Open(ctx, filepath.Join(p.cfg.BaseDir, ledger.FileName))
		if err != nil {
			log.Warn("instance ledger unavailable", "error", err)
			l = nil
		}
	}

	log.Debug("provisioner initialized", "initdb", bins.Initdb, "postgres", bins.Postgres, "template", in.Template())
	return initResult{bins: bins, initdb: in, ledger: l}, nil
}

// enter registers an in-flight Provision. The caller must call
// p.inflight.Done when it returns nil.
func (p *Provisioner) enter() error {
	p.lifeMu.RLock()
	defer p.lifeMu.RUnlock()
	switch p.state {
	case provisionerShuttingDown:
		return ErrShuttingDown
	case provisionerCreated:
		return ErrNotInitialized
	case provisionerReady:
	}
	p.inflight.Add(1)
	return nil
}

// Provision creates, starts and returns a ready instance. On failure every
// resource acquired by earlier stages is released before it returns, and
// the error is a *ProvisionError naming the failed stage. Cancelling ctx
// takes the same rollback path.
func (p *Provisioner) Provision(ctx context.Context) (inst *Instance, retErr error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.inflight.Done()

	started := time.Now()
	i := newInstance(p, uuid.NewString())
	defer func() {
		if retErr == nil {
			metrics.ObserveProvision("", nil, time.Since(started))
			return
		}
		var stage Stage
		var pe *ProvisionError
		if errors.As(retErr, &pe) {
			stage = pe.Stage
		}
		metrics.ObserveProvision(string(stage), retErr, time.Since(started))
		i.state.fail(retErr)
		if err := i.teardown(); err != nil {
			i.log.Warn("rollback incomplete", "stage", stage, "error", err)
		}
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, &ProvisionError{Stage: StageWorkspace, InstanceID: i.id, Err: fmt.Errorf("wait for start slot: %w", err)}
	}
	defer p.sem.Release(1)

	if err := p.stage(ctx, i, StageWorkspace, p.createWorkspace); err != nil {
		return nil, err
	}
	if err := p.stage(ctx, i, StageInit, p.initCluster); err != nil {
		return nil, err
	}
	if err := p.startServer(ctx, i); err != nil {
		return nil, err
	}
	if err := p.stage(ctx, i, StageBootstrap, p.bootstrap); err != nil {
		return nil, err
	}

	if err := i.state.advance(StateReady); err != nil {
		return nil, &ProvisionError{Stage: StageBootstrap, InstanceID: i.id, Err: err}
	}
	p.registry.add(i)
	i.registered = true
	i.recordLedger()
	metrics.InstanceUp()
	i.log.Debug("instance ready", "endpoint", i.endpoint.String(), "elapsed", time.Since(started))
	return i, nil
}

// stage runs fn and tags a failure with name. Context cancellation between
// stages is reported against the stage that was about to run.
func (p *Provisioner) stage(ctx context.Context, i *Instance, name Stage, fn func(context.Context, *Instance) error) error {
	if err := ctx.Err(); err != nil {
		return &ProvisionError{Stage: name, InstanceID: i.id, Err: err}
	}
	t := time.Now()
	if err := fn(ctx, i); err != nil {
		var pe *ProvisionError
		if errors.As(err, &pe) {
			return err
		}
		return &ProvisionError{Stage: name, InstanceID: i.id, Err: err}
	}
	metrics.ObserveStage(string(name), time.Since(t))
	return nil
}

func (p *Provisioner) createWorkspace(_ context.Context, i *Instance) error {
	ws, err := workspace.Create(p.cfg.BaseDir, i.log)
	if err != nil {
		return err
	}
	i.ws = ws
	return nil
}

func (p *Provisioner) initCluster(ctx context.Context, i *Instance) error {
	if err := p.initdb.Initialize(ctx, i.ws.DataDir); err != nil {
		return err
	}
	return i.state.advance(StateInitialized)
}

// startServer runs the endpoint, spawn and readiness stages. A TCP server
// that lost its port to another process is retried on a fresh port.
func (p *Provisioner) startServer(ctx context.Context, i *Instance) error {
	if err := i.state.advance(StateStarting); err != nil {
		return &ProvisionError{Stage: StageSpawn, InstanceID: i.id, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= maxBindAttempts; attempt++ {
		if err := p.stage(ctx, i, StageEndpoint, p.allocateEndpoint); err != nil {
			return err
		}
		if err := p.stage(ctx, i, StageSpawn, p.spawn); err != nil {
			return err
		}
		err := p.stage(ctx, i, StageReadiness, p.awaitReady)
		if err == nil {
			return nil
		}
		if i.endpoint.Kind != netutil.TCP || !isBindConflict(err) {
			return err
		}

		lastErr = err
		i.log.Warn("server lost its port, retrying on a new one",
			"port", i.port, "attempt", attempt, "max_attempts", maxBindAttempts)
		if stopErr := p.resetServer(i); stopErr != nil {
			return &ProvisionError{Stage: StageSpawn, InstanceID: i.id, Err: stopErr}
		}
	}
	return lastErr
}

func (p *Provisioner) allocateEndpoint(ctx context.Context, i *Instance) error {
	if p.cfg.EndpointKind == netutil.Unix {
		ep, err := netutil.UnixEndpoint(i.ws.SocketDir)
		if err != nil {
			return err
		}
		i.endpoint = ep
		return nil
	}
	port, err := p.ports.Allocate(ctx)
	if err != nil {
		return err
	}
	i.port = port
	i.endpoint = netutil.TCPEndpoint(port, i.ws.SocketDir)
	return i.endpoint.CheckSocketPath()
}

func (p *Provisioner) spawn(ctx context.Context, i *Instance) error {
	if i.port != 0 {
		if err := p.ports.Verify(i.port); err != nil {
			return &ProvisionError{Stage: StageEndpoint, InstanceID: i.id, Err: err}
		}
	}
	srv, err := postgres.New(postgres.Config{
		Binary:    p.bins.Postgres,
		DataDir:   i.ws.DataDir,
		Endpoint:  i.endpoint,
		LogPath:   i.ws.LogPath,
		Superuser: postgres.DefaultSuperuser,
		Settings:  p.cfg.Settings,
		ExtraArgs: p.cfg.ServerArgs,
		Logger:    i.log,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	i.server = srv
	return nil
}

func (p *Provisioner) awaitReady(ctx context.Context, i *Instance) error {
	return i.server.WaitReady(ctx, p.cfg.ReadinessTimeout)
}

// resetServer stops a server that failed to bind and discards its port and
// log so the next attempt starts clean.
func (p *Provisioner) resetServer(i *Instance) error {
	if err := i.server.Stop(p.cfg.StopTimeout, p.cfg.KillTimeout); err != nil {
		return err
	}
	i.server = nil
	p.ports.Release(i.port)
	i.port = 0
	if err := os.Remove(i.ws.LogPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset server log: %w", err)
	}
	// A crashed postmaster can leave its pid file behind.
	_ = os.Remove(filepath.Join(i.ws.DataDir, "postmaster.pid"))
	return nil
}

func (p *Provisioner) bootstrap(ctx context.Context, i *Instance) error {
	admin := postgres.NewConnParams(i.endpoint, postgres.DefaultSuperuser, postgres.DefaultDatabase)
	if err := postgres.Bootstrap(ctx, admin, p.cfg.User, p.cfg.Database); err != nil {
		return err
	}
	i.params = admin.WithUser(p.cfg.User, p.cfg.Database)
	return nil
}

func isBindConflict(err error) bool {
	var startupErr *postgres.StartupError
	if !errors.As(err, &startupErr) {
		return false
	}
	text := startupErr.Reason + "\n" + startupErr.Output
	for _, m := range bindConflictMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ProvisionAsync runs Provision on its own goroutine. The channel yields
// exactly one result and is then closed. If ctx ends before the result is
// received, the goroutine shuts the instance down itself and the channel is
// closed without a value.
func (p *Provisioner) ProvisionAsync(ctx context.Context) <-chan ProvisionResult {
	ch := make(chan ProvisionResult)
	go func() {
		defer close(ch)
		inst, err := p.Provision(ctx)
		select {
		case ch <- ProvisionResult{Instance: inst, Err: err}:
		case <-ctx.Done():
			if inst == nil {
				return
			}
			inst.log.Debug("provision result abandoned, shutting instance down")
			if err := inst.Shutdown(); err != nil {
				inst.log.Warn("shut down abandoned instance", "error", err)
			}
		}
	}()
	return ch
}

// Live returns this provisioner's live instances.
func (p *Provisioner) Live() []*Instance {
	var owned []*Instance
	for _, inst := range p.registry.Live() {
		if inst.owner == p {
			owned = append(owned, inst)
		}
	}
	return owned
}

// Shutdown waits for in-flight Provision calls and then shuts down every
// instance this provisioner created, in parallel. Subsequent Provision
// calls return ErrShuttingDown. It is safe to call before Initialize and
// more than once; later calls return the first call's result.
func (p *Provisioner) Shutdown() error {
	p.shutdownOnce.Do(func() {
		p.lifeMu.Lock()
		p.state = provisionerShuttingDown
		l := p.ledger
		p.lifeMu.Unlock()

		p.inflight.Wait()

		live := p.Live()
		errs := make([]error, len(live))
		var g errgroup.Group
		for idx, inst := range live {
			g.Go(func() error {
				errs[idx] = inst.Shutdown()
				return nil
			})
		}
		_ = g.Wait()

		closeLedger(l)
		p.shutdownErr = errors.Join(errs...)
	})
	return p.shutdownErr
}

func closeLedger(l *ledger.Ledger) {
	if l == nil {
		return
	}
	if err := l.Close(); err != nil {
		Logger().Debug("close ledger", "error", err)
	}
}
