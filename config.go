package pgenv

import (
	"os"
	"path/filepath"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/giantswarm/pgenv/internal/core"
)

// provisionerConfig wraps core.ProvisionerConfig so that internal types stay
// out of the public option signatures.
type provisionerConfig struct {
	core.ProvisionerConfig
}

func (c provisionerConfig) toCoreConfig() core.ProvisionerConfig {
	return c.ProvisionerConfig
}

// defaultProvisionerConfig returns a provisionerConfig populated with every
// default value.
func defaultProvisionerConfig() provisionerConfig {
	return provisionerConfig{core.ProvisionerConfig{
		BaseDir:             filepath.Join(os.TempDir(), DefaultBaseDirName),
		EndpointKind:        DefaultEndpointKind,
		User:                DefaultUser,
		Database:            DefaultDatabase,
		ReadinessTimeout:    DefaultReadinessTimeout,
		StopTimeout:         DefaultStopTimeout,
		KillTimeout:         DefaultKillTimeout,
		TemplateCache:       true,
		SweepOnInitialize:   true,
		Ledger:              true,
		MaxConcurrentStarts: DefaultMaxConcurrentStarts,
		PortRetry: wait.Backoff{
			Duration: DefaultPortRetryInterval,
			Factor:   2,
			Jitter:   0.1,
			Steps:    DefaultPortRetrySteps,
		},
	}}
}
