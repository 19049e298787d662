package pgenv

import "time"

// Default configuration values for NewProvisioner.
const (
	// DefaultBaseDirName is the directory under os.TempDir() that holds
	// workspaces, the initdb template and the ledger.
	DefaultBaseDirName = "pgenv"

	// DefaultEndpointKind is loopback TCP on an OS-assigned port.
	DefaultEndpointKind = EndpointTCP

	// DefaultUser and DefaultDatabase are the initdb superuser and its
	// maintenance database. Choosing anything else adds a bootstrap stage.
	DefaultUser     = "postgres"
	DefaultDatabase = "postgres"

	// DefaultReadinessTimeout bounds one spawn-to-ready wait.
	DefaultReadinessTimeout = 30 * time.Second

	// DefaultStopTimeout is the grace period between the interrupt and the
	// forced kill.
	DefaultStopTimeout = 10 * time.Second

	// DefaultKillTimeout is how long Shutdown waits for the exit after the
	// forced kill before reporting ErrTeardownIncomplete.
	DefaultKillTimeout = 5 * time.Second

	// DefaultMaxConcurrentStarts bounds how many instances run initdb and
	// start up at the same time.
	DefaultMaxConcurrentStarts = 8

	// DefaultPortRetrySteps and DefaultPortRetryInterval pace retries when
	// a freshly assigned port collides with one already handed out.
	DefaultPortRetrySteps    = 5
	DefaultPortRetryInterval = 10 * time.Millisecond
)
