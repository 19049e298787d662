package core

import (
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/giantswarm/pgenv/internal/netutil"
)

// ProvisionerConfig holds configuration for a Provisioner.
//
// All fields are immutable after NewProvisioner; instance goroutines read
// them without synchronization.
type ProvisionerConfig struct {
	// BaseDir holds instance workspaces, the initdb template and the
	// ledger.
	BaseDir string
	// BinDir, if set, is searched first for initdb and postgres.
	BinDir string

	EndpointKind netutil.EndpointKind
	// User and Database are what ConnParams hand out. Anything other than
	// the initdb defaults is created by the bootstrap stage.
	User     string
	Database string

	// ReadinessTimeout bounds one spawn-to-ready wait.
	ReadinessTimeout time.Duration
	// StopTimeout is the grace period after the interrupt; KillTimeout is
	// how long to wait for the exit after the forced kill.
	StopTimeout time.Duration
	KillTimeout time.Duration

	InitArgs   []string
	ServerArgs []string
	Settings   map[string]string

	TemplateCache     bool
	SweepOnInitialize bool
	Ledger            bool

	// MaxConcurrentStarts bounds how many instances initialize, spawn and
	// wait for readiness at the same time.
	MaxConcurrentStarts int

	// PortRetry paces retries of TCP port allocation.
	PortRetry wait.Backoff
}

// Validate checks all ProvisionerConfig invariants and reports every
// violation at once.
func (c ProvisionerConfig) Validate() error {
	var errs []error

	if c.BaseDir == "" {
		errs = append(errs, errors.New("base directory must not be empty"))
	}
	if !c.EndpointKind.IsValid() {
		errs = append(errs, fmt.Errorf("invalid endpoint kind: %v", c.EndpointKind))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user must not be empty"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database must not be empty"))
	}
	if c.ReadinessTimeout <= 0 {
		errs = append(errs, fmt.Errorf("readiness timeout must be greater than 0, got %s", c.ReadinessTimeout))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop timeout must be greater than 0, got %s", c.StopTimeout))
	}
	if c.KillTimeout <= 0 {
		errs = append(errs, fmt.Errorf("kill timeout must be greater than 0, got %s", c.KillTimeout))
	}
	if c.MaxConcurrentStarts <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent starts must be greater than 0, got %d", c.MaxConcurrentStarts))
	}
	if c.PortRetry.Steps <= 0 {
		errs = append(errs, fmt.Errorf("port retry steps must be greater than 0, got %d", c.PortRetry.Steps))
	}
	if c.PortRetry.Duration <= 0 {
		errs = append(errs, fmt.Errorf("port retry interval must be greater than 0, got %s", c.PortRetry.Duration))
	}

	return errors.Join(errs...)
}
