package pgenv

import (
	"os"
	"time"
)

// ConfigSnapshot holds a copy of provisionerConfig fields for test
// assertions without exposing internal types.
type ConfigSnapshot struct {
	BaseDir             string
	BinDir              string
	EndpointKind        EndpointKind
	User                string
	Database            string
	ReadinessTimeout    time.Duration
	StopTimeout         time.Duration
	KillTimeout         time.Duration
	InitArgs            []string
	ServerArgs          []string
	Settings            map[string]string
	TemplateCache       bool
	SweepOnInitialize   bool
	Ledger              bool
	MaxConcurrentStarts int
	PortRetrySteps      int
	PortRetryInterval   time.Duration
}

// ApplyOptionsForTesting creates a default provisionerConfig, applies opts
// and returns a snapshot of the result.
func ApplyOptionsForTesting(opts ...Option) ConfigSnapshot {
	cfg := defaultProvisionerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return ConfigSnapshot{
		BaseDir:             cfg.BaseDir,
		BinDir:              cfg.BinDir,
		EndpointKind:        cfg.EndpointKind,
		User:                cfg.User,
		Database:            cfg.Database,
		ReadinessTimeout:    cfg.ReadinessTimeout,
		StopTimeout:         cfg.StopTimeout,
		KillTimeout:         cfg.KillTimeout,
		InitArgs:            cfg.InitArgs,
		ServerArgs:          cfg.ServerArgs,
		Settings:            cfg.Settings,
		TemplateCache:       cfg.TemplateCache,
		SweepOnInitialize:   cfg.SweepOnInitialize,
		Ledger:              cfg.Ledger,
		MaxConcurrentStarts: cfg.MaxConcurrentStarts,
		PortRetrySteps:      cfg.PortRetry.Steps,
		PortRetryInterval:   cfg.PortRetry.Duration,
	}
}

// DefaultConfigValidForTesting reports the validation result of the
// default configuration.
func DefaultConfigValidForTesting() error {
	return defaultProvisionerConfig().Validate()
}

// SetTerminateForTesting replaces the function that ends the process after
// a handled signal and returns a func restoring the original.
func SetTerminateForTesting(fn func(os.Signal)) (restore func()) {
	orig := terminate
	terminate = fn
	return func() { terminate = orig }
}
