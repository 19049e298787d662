package pgenv

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// requirePositive panics if v <= 0 with a descriptive message.
func requirePositive[T int | time.Duration](name string, v T) {
	if v <= 0 {
		panic(fmt.Sprintf("pgenv: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("pgenv: %s must not be empty", name))
	}
}

// Option configures a Provisioner during construction via NewProvisioner.
//
// Several With* functions panic on invalid input (empty names, non-positive
// durations). Option values are almost always constants, so an invalid one
// is a programmer error and fails at construction like [regexp.MustCompile].
type Option func(*provisionerConfig)

// WithBaseDir sets the directory holding instance workspaces, the initdb
// template and the ledger. Separate base directories isolate suites that
// share a machine, including from each other's orphan sweep.
//
// Default: filepath.Join(os.TempDir(), DefaultBaseDirName).
//
// Panics if dir is empty.
func WithBaseDir(dir string) Option {
	requireNonEmpty("base directory", dir)
	return func(c *provisionerConfig) {
		c.BaseDir = dir
	}
}

// WithBinDir sets a directory searched before pg_config, PATH and the
// well-known install locations when looking for initdb and postgres.
//
// Panics if dir is empty.
func WithBinDir(dir string) Option {
	requireNonEmpty("bin directory", dir)
	return func(c *provisionerConfig) {
		c.BinDir = dir
	}
}

// WithEndpointKind selects loopback TCP or a unix socket inside the
// workspace.
//
// Default: EndpointTCP.
//
// Panics if kind is not a known EndpointKind.
func WithEndpointKind(kind EndpointKind) Option {
	if !kind.IsValid() {
		panic(fmt.Sprintf("pgenv: invalid endpoint kind %v", kind))
	}
	return func(c *provisionerConfig) {
		c.EndpointKind = kind
	}
}

// WithUser sets the role handed out in ConnParams. A role other than
// DefaultUser is created as a superuser after the server is ready.
//
// Panics if user is empty.
func WithUser(user string) Option {
	requireNonEmpty("user", user)
	return func(c *provisionerConfig) {
		c.User = user
	}
}

// WithDatabase sets the database handed out in ConnParams. A database other
// than DefaultDatabase is created, owned by the configured user, after the
// server is ready.
//
// Panics if name is empty.
func WithDatabase(name string) Option {
	requireNonEmpty("database", name)
	return func(c *provisionerConfig) {
		c.Database = name
	}
}

// WithReadinessTimeout bounds how long Provision waits for a spawned server
// to accept connections.
//
// Default: 30s.
//
// Panics if d <= 0.
func WithReadinessTimeout(d time.Duration) Option {
	requirePositive("readiness timeout", d)
	return func(c *provisionerConfig) {
		c.ReadinessTimeout = d
	}
}

// WithStopTimeout sets the grace period between the interrupt signal and
// the forced kill during Shutdown.
//
// Default: 10s.
//
// Panics if d <= 0.
func WithStopTimeout(d time.Duration) Option {
	requirePositive("stop timeout", d)
	return func(c *provisionerConfig) {
		c.StopTimeout = d
	}
}

// WithKillTimeout sets how long Shutdown waits after the forced kill before
// giving up with ErrTeardownIncomplete.
//
// Default: 5s.
//
// Panics if d <= 0.
func WithKillTimeout(d time.Duration) Option {
	requirePositive("kill timeout", d)
	return func(c *provisionerConfig) {
		c.KillTimeout = d
	}
}

// WithInitArgs appends extra arguments to every initdb invocation, for
// example "--locale=C". Repeated calls accumulate.
func WithInitArgs(args ...string) Option {
	return func(c *provisionerConfig) {
		c.InitArgs = append(c.InitArgs, args...)
	}
}

// WithServerArgs appends extra command-line arguments to every postgres
// invocation. They come after the generated flags, so they win on conflict.
// Repeated calls accumulate.
func WithServerArgs(args ...string) Option {
	return func(c *provisionerConfig) {
		c.ServerArgs = append(c.ServerArgs, args...)
	}
}

// WithSetting sets one server configuration parameter, passed as
// "-c name=value". It overrides the built-in test-speed settings of the same
// name.
//
// Panics if name is empty or contains '='.
func WithSetting(name, value string) Option {
	requireNonEmpty("setting name", name)
	if strings.Contains(name, "=") {
		panic(fmt.Sprintf("pgenv: setting name must not contain '=', got %q", name))
	}
	return func(c *provisionerConfig) {
		settings := make(map[string]string, len(c.Settings)+1)
		maps.Copy(settings, c.Settings)
		settings[name] = value
		c.Settings = settings
	}
}

// WithTemplateCache controls whether initdb runs once per base directory
// and instances copy the result. With the cache off every instance runs
// initdb itself.
//
// Default: true.
func WithTemplateCache(enabled bool) Option {
	return func(c *provisionerConfig) {
		c.TemplateCache = enabled
	}
}

// WithSweepOnInitialize controls whether Initialize removes workspaces left
// under the base directory by processes that no longer run.
//
// Default: true.
func WithSweepOnInitialize(enabled bool) Option {
	return func(c *provisionerConfig) {
		c.SweepOnInitialize = enabled
	}
}

// WithLedger controls whether ready instances are recorded in the SQLite
// ledger under the base directory, which `pgenv ls` reads.
//
// Default: true.
func WithLedger(enabled bool) Option {
	return func(c *provisionerConfig) {
		c.Ledger = enabled
	}
}

// WithMaxConcurrentStarts bounds how many instances initialize and start up
// at the same time. Provision calls beyond the limit wait their turn.
//
// Default: 8.
//
// Panics if n <= 0.
func WithMaxConcurrentStarts(n int) Option {
	requirePositive("max concurrent starts", n)
	return func(c *provisionerConfig) {
		c.MaxConcurrentStarts = n
	}
}

// WithPortRetry sets how many times TCP port allocation retries after
// drawing a port already handed out, and the first delay between attempts.
// Delays double from there.
//
// Default: 5 steps starting at 10ms.
//
// Panics if steps <= 0 or initial <= 0.
func WithPortRetry(steps int, initial time.Duration) Option {
	requirePositive("port retry steps", steps)
	requirePositive("port retry interval", initial)
	return func(c *provisionerConfig) {
		c.PortRetry.Steps = steps
		c.PortRetry.Duration = initial
	}
}
