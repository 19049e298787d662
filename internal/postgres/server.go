package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/giantswarm/pgenv/internal/netutil"
	"github.com/giantswarm/pgenv/internal/process"
)

// readinessPollInterval is the interval between readiness attempts. Each
// attempt scans the server log and then tries a startup handshake.
const readinessPollInterval = 25 * time.Millisecond

// probeTimeout bounds one handshake attempt. Refused connections return
// immediately, so it only matters for a wedged listener.
const probeTimeout = time.Second

// startupOutputBytes caps the server log carried by a StartupError.
const startupOutputBytes = 8 << 10

// ErrAlreadyStarted is returned by Start when called twice on one Server.
var ErrAlreadyStarted = errors.New("server already started")

// fatalMarkers are log fragments after which the server will never accept
// connections.
var fatalMarkers = []string{
	"PANIC:",
	"could not create any TCP/IP sockets",
	"could not create any Unix-domain sockets",
	"could not bind",
	"FATAL:  lock file",
	"FATAL:  data directory",
	"FATAL:  could not",
}

// ignoreMarkers are FATAL lines logged for our own early probes.
var ignoreMarkers = []string{
	"the database system is starting up",
}

// fastSettings trade durability for speed. The data never outlives a test.
var fastSettings = map[string]string{
	"fsync":              "off",
	"synchronous_commit": "off",
	"full_page_writes":   "off",
	"shared_buffers":     "12MB",
}

// StartupError reports a server that exited or logged a terminal failure
// before it became ready. It matches process.ErrStartupFailed.
type StartupError struct {
	Reason string
	Output string // tail of the server log
}

func (e *StartupError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %s", process.ErrStartupFailed, e.Reason)
	}
	return fmt.Sprintf("%s: %s\n%s", process.ErrStartupFailed, e.Reason, e.Output)
}

// Is reports whether target is process.ErrStartupFailed.
func (e *StartupError) Is(target error) bool {
	return target == process.ErrStartupFailed
}

// Config holds the configuration for one server.
type Config struct {
	Binary    string
	DataDir   string
	Endpoint  netutil.Endpoint
	LogPath   string
	Superuser string // role used by the readiness probe

	// Settings are passed as -c key=value after the built-in ones and
	// override them.
	Settings  map[string]string
	ExtraArgs []string
	Env       []string // appended to the parent environment

	Logger *slog.Logger
}

func (c Config) validate() error {
	var errs []error
	if c.Binary == "" {
		errs = append(errs, errors.New("binary path must not be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir must not be empty"))
	}
	if c.LogPath == "" {
		errs = append(errs, errors.New("log path must not be empty"))
	}
	if c.Superuser == "" {
		errs = append(errs, errors.New("superuser must not be empty"))
	}
	if !c.Endpoint.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("invalid endpoint kind %d", c.Endpoint.Kind))
	}
	if c.Endpoint.Port <= 0 {
		errs = append(errs, errors.New("endpoint port must be positive"))
	}
	if c.Endpoint.SocketDir == "" {
		errs = append(errs, errors.New("socket dir must not be empty"))
	}
	return errors.Join(errs...)
}

// Server manages one postgres process.
type Server struct {
	cfg Config
	log *slog.Logger
	sup *process.Supervisor
}

// New validates cfg. It performs no I/O.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log.With("endpoint", cfg.Endpoint.String())}, nil
}

// Args returns the postgres command line without the binary.
func (s *Server) Args() []string {
	settings := maps.Clone(fastSettings)
	settings["listen_addresses"] = s.cfg.Endpoint.ListenAddresses()
	maps.Copy(settings, s.cfg.Settings)

	args := []string{
		"-D", s.cfg.DataDir,
		"-p", strconv.Itoa(s.cfg.Endpoint.Port),
		"-k", s.cfg.Endpoint.SocketDir,
	}
	for _, k := range slices.Sorted(maps.Keys(settings)) {
		args = append(args, "-c", k+"="+settings[k])
	}
	return append(args, s.cfg.ExtraArgs...)
}

// Start launches the server. The process is not bound to ctx: it lives
// until Stop. Launch failures match process.ErrSpawnFailed.
func (s *Server) Start(ctx context.Context) error {
	if s.sup != nil {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start postgres: %w", err)
	}

	cmd := exec.Command(s.cfg.Binary, s.Args()...) //nolint:gosec // G204: binary comes from the resolver
	cmd.Dir = s.cfg.DataDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	sup, err := process.Start("postgres", cmd, s.cfg.LogPath, s.log)
	if err != nil {
		return err
	}
	s.sup = sup
	s.log.Debug("postgres started", "pid", sup.Pid())
	return nil
}

// WaitReady blocks until the server completes a startup handshake.
// The error matches process.ErrStartupFailed when the server exited or
// logged a terminal failure, process.ErrReadinessTimeout after timeout,
// and the context error when ctx ends first.
func (s *Server) WaitReady(ctx context.Context, timeout time.Duration) error {
	if s.sup == nil {
		return errors.New("wait ready: server not started")
	}

	watcher := process.NewLogWatcher(s.cfg.LogPath, fatalMarkers, ignoreMarkers)
	probeDSN := NewConnParams(s.cfg.Endpoint, s.cfg.Superuser, DefaultDatabase).DSN()

	err := process.WaitReady(ctx, process.WaitReadyConfig{
		Interval:      readinessPollInterval,
		Timeout:       timeout,
		Name:          "postgres",
		Target:        s.cfg.Endpoint.String(),
		Logger:        s.log,
		ProcessExited: s.sup.Exited(),
		Failure: func() error {
			line, found, err := watcher.Scan()
			if err != nil {
				s.log.Debug("scan server log", "error", err)
				return nil
			}
			if found {
				return &StartupError{Reason: line, Output: watcher.Tail()}
			}
			return nil
		},
	}, func(checkCtx context.Context, attempt int) (bool, error) {
		if err := probe(checkCtx, probeDSN); err != nil {
			s.log.Debug("readiness probe", "attempt", attempt, "error", err)
			return false, nil
		}
		return true, nil
	})
	if err == nil {
		return nil
	}

	var startupErr *StartupError
	if errors.As(err, &startupErr) {
		return err
	}
	if errors.Is(err, process.ErrStartupFailed) {
		reason := "server exited before becoming ready"
		if exitErr, _ := s.sup.ExitStatus(); exitErr != nil {
			reason = fmt.Sprintf("server exited before becoming ready: %v", exitErr)
		}
		return &StartupError{Reason: reason, Output: process.TailFile(s.cfg.LogPath, startupOutputBytes)}
	}
	return err
}

// probe performs one startup handshake and closes the connection.
func probe(ctx context.Context, dsn string) error {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse probe dsn: %w", err)
	}
	cfg.ConnectTimeout = probeTimeout

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()
	return conn.Close(closeCtx)
}

// Stop shuts the server down; see process.Supervisor.Stop. Stopping a
// server that was never started is a no-op.
func (s *Server) Stop(grace, killWait time.Duration) error {
	if s.sup == nil {
		return nil
	}
	return s.sup.Stop(grace, killWait)
}

// Pid returns the server's process id, or 0 before Start.
func (s *Server) Pid() int {
	if s.sup == nil {
		return 0
	}
	return s.sup.Pid()
}

// Exited is closed once the server process has been reaped. It is nil
// before Start.
func (s *Server) Exited() <-chan struct{} {
	if s.sup == nil {
		return nil
	}
	return s.sup.Exited()
}

// Endpoint returns the endpoint the server listens on.
func (s *Server) Endpoint() netutil.Endpoint {
	return s.cfg.Endpoint
}
