package pgenv

import (
	"context"
	"runtime"

	"github.com/giantswarm/pgenv/internal/core"
)

// Compile-time interface satisfaction checks.
var (
	_ Provisioner = (*provisionerWrapper)(nil)
	_ Instance    = (*instanceWrapper)(nil)
)

// provisionerWrapper adapts core.Provisioner to the Provisioner interface.
// The core value is a named field rather than embedded so that type
// assertions cannot reach methods outside the public interface.
type provisionerWrapper struct {
	p *core.Provisioner
}

// NewProvisioner returns a Provisioner configured by opts. It performs no
// I/O; call Initialize before Provision.
//
// Each call returns an independent Provisioner. Suites that share a base
// directory share its template and ledger but only shut down their own
// instances.
//
// Panics if any option receives an invalid value. See the individual With*
// functions for constraints.
//
//nolint:ireturn // Callers substitute fakes for the interface.
func NewProvisioner(opts ...Option) Provisioner {
	cfg := defaultProvisionerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &provisionerWrapper{p: core.NewProvisioner(cfg.toCoreConfig())}
}

func (w *provisionerWrapper) Initialize(ctx context.Context) error {
	return w.p.Initialize(ctx)
}

//nolint:ireturn // Callers substitute fakes for the interface.
func (w *provisionerWrapper) Provision(ctx context.Context) (Instance, error) {
	inst, err := w.p.Provision(ctx)
	if err != nil {
		return nil, err
	}
	return wrapInstance(inst), nil
}

func (w *provisionerWrapper) ProvisionAsync(ctx context.Context) <-chan ProvisionResult {
	in := w.p.ProvisionAsync(ctx)
	out := make(chan ProvisionResult)
	go func() {
		defer close(out)
		res, ok := <-in
		if !ok {
			return
		}
		var r ProvisionResult
		r.Err = res.Err
		if res.Instance != nil {
			r.Instance = wrapInstance(res.Instance)
		}
		select {
		case out <- r:
		case <-ctx.Done():
			if r.Instance != nil {
				if err := r.Instance.Shutdown(); err != nil {
					core.Logger().Warn("shut down abandoned instance", "id", r.Instance.ID(), "error", err)
				}
			}
		}
	}()
	return out
}

func (w *provisionerWrapper) Shutdown() error {
	return w.p.Shutdown()
}

// instanceWrapper adapts core.Instance to the Instance interface.
//
// A cleanup attached to the wrapper shuts the instance down if the caller
// drops every reference without calling Shutdown. This is a safety net for
// leaks, not a substitute for Shutdown: it runs only when the garbage
// collector gets to it, if ever.
type instanceWrapper struct {
	inst    *core.Instance
	cleanup runtime.Cleanup
}

func wrapInstance(inst *core.Instance) *instanceWrapper {
	w := &instanceWrapper{inst: inst}
	w.cleanup = runtime.AddCleanup(w, reclaim, inst)
	return w
}

// reclaim runs on the runtime's cleanup goroutine, so the blocking teardown
// moves to its own goroutine.
func reclaim(inst *core.Instance) {
	if inst.State().Terminal() {
		return
	}
	core.Logger().Warn("instance garbage collected without Shutdown", "id", inst.ID())
	go func() {
		if err := inst.Shutdown(); err != nil {
			core.Logger().Warn("shut down leaked instance", "id", inst.ID(), "error", err)
		}
	}()
}

func (w *instanceWrapper) ID() string          { return w.inst.ID() }
func (w *instanceWrapper) Params() ConnParams  { return w.inst.Params() }
func (w *instanceWrapper) DSN() string         { return w.inst.DSN() }
func (w *instanceWrapper) URL() string         { return w.inst.URL() }
func (w *instanceWrapper) State() ClusterState { return w.inst.State() }
func (w *instanceWrapper) LogPath() string     { return w.inst.LogPath() }

func (w *instanceWrapper) Exited() <-chan struct{} { return w.inst.Exited() }

func (w *instanceWrapper) Shutdown() error {
	w.cleanup.Stop()
	return w.inst.Shutdown()
}
