package core

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"weak"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/pgenv/internal/workspace"
)

// processRegistry tracks every ready instance in this process.
var processRegistry = NewRegistry()

// Registry maps instance ids to weak references. It never keeps an instance
// alive; its only consumers are Provisioner.Shutdown and EmergencyCleanup.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]weak.Pointer[Instance]
	baseDirs map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]weak.Pointer[Instance]),
		baseDirs: make(map[string]struct{}),
	}
}

func (r *Registry) add(i *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[i.id] = weak.Make(i)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *Registry) trackBaseDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseDirs[dir] = struct{}{}
}

// Live returns the registered instances that are still reachable, sorted
// by id. Collected entries are dropped.
func (r *Registry) Live() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]*Instance, 0, len(r.entries))
	for id, wp := range r.entries {
		if inst := wp.Value(); inst != nil {
			live = append(live, inst)
			continue
		}
		delete(r.entries, id)
	}
	slices.SortFunc(live, func(a, b *Instance) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return live
}

// Len returns the number of registered entries, reachable or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EmergencyCleanup shuts down every live instance in parallel and then
// removes any workspace this process still owns under the tracked base
// directories, including ones from provisions still in flight.
func (r *Registry) EmergencyCleanup() error {
	live := r.Live()
	errs := make([]error, len(live))
	var g errgroup.Group
	for idx, inst := range live {
		g.Go(func() error {
			errs[idx] = inst.Shutdown()
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	dirs := make([]string, 0, len(r.baseDirs))
	for d := range r.baseDirs {
		dirs = append(dirs, d)
	}
	r.mu.Unlock()

	for _, dir := range dirs {
		removed, err := workspace.SweepOwned(dir, os.Getpid())
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", dir, err))
		}
		if len(removed) > 0 {
			Logger().Warn("emergency cleanup removed leftover workspaces", "base_dir", dir, "count", len(removed))
		}
	}
	return errors.Join(errs...)
}

// EmergencyCleanup runs Registry.EmergencyCleanup on the process-wide
// registry.
func EmergencyCleanup() error {
	return processRegistry.EmergencyCleanup()
}
