package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrNilCmd is returned when Start is called with a nil *exec.Cmd.
var ErrNilCmd = errors.New("cmd must not be nil")

// ErrEmptyCmdPath is returned when Start is called with an empty cmd.Path.
var ErrEmptyCmdPath = errors.New("cmd.Path must not be empty")

// StopState is the position of a supervised process in its shutdown
// sequence. States only move forward, except that a Stop retried after
// StateAbandoned goes back to StateForceSignaled.
type StopState int32

const (
	StateRunning StopState = iota
	StateSignaled
	StateForceSignaled
	StateReaped
	StateAbandoned
)

// String returns the state name used in logs.
func (s StopState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSignaled:
		return "signaled"
	case StateForceSignaled:
		return "force-signaled"
	case StateReaped:
		return "reaped"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("StopState(%d)", int32(s))
	}
}

// Controller is the operating-system side of a supervised process.
// ExitErr is only meaningful after Exited is closed.
type Controller interface {
	Pid() int
	Interrupt() error
	ForceKill() error
	Exited() <-chan struct{}
	ExitErr() error
}

// Supervisor owns one child process and drives its shutdown. All methods
// are safe for concurrent use; concurrent Stop calls are serialized.
type Supervisor struct {
	name  string
	ctrl  Controller
	log   *slog.Logger
	state atomic.Int32
	stop  sync.Mutex
}

// NewSupervisor wraps an already running process. If logger is nil,
// slog.Default() is used. Panics if name is empty or ctrl is nil.
func NewSupervisor(name string, ctrl Controller, logger *slog.Logger) *Supervisor {
	if name == "" {
		panic("pgenv: process name must not be empty")
	}
	if ctrl == nil {
		panic("pgenv: process controller must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		name: name,
		ctrl: ctrl,
		log:  logger.With("process", name, "pid", ctrl.Pid()),
	}
}

// Start launches cmd with stdout and stderr appended to logPath and returns
// its supervisor. The child runs in its own process group and, on Linux,
// is signaled when the parent dies. Launch failures match ErrSpawnFailed.
func Start(name string, cmd *exec.Cmd, logPath string, logger *slog.Logger) (*Supervisor, error) {
	if cmd == nil {
		return nil, ErrNilCmd
	}
	if cmd.Path == "" {
		return nil, ErrEmptyCmdPath
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: path is inside the instance workspace
	if err != nil {
		return nil, fmt.Errorf("%w: open log %s: %w", ErrSpawnFailed, logPath, err)
	}
	// The child inherits its own copy of the descriptor.
	defer func() { _ = logFile.Close() }()

	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrSpawnFailed, name, err)
	}
	return NewSupervisor(name, newExecController(cmd), logger), nil
}

// Pid returns the child's process id.
func (s *Supervisor) Pid() int {
	return s.ctrl.Pid()
}

// State returns the current shutdown state.
func (s *Supervisor) State() StopState {
	return StopState(s.state.Load())
}

// Exited is closed once the child has been reaped, whoever stopped it.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.ctrl.Exited()
}

// ExitStatus returns the child's wait error and whether it has exited.
// Once exited is true the returned error never changes.
func (s *Supervisor) ExitStatus() (exitErr error, exited bool) {
	select {
	case <-s.ctrl.Exited():
		return s.ctrl.ExitErr(), true
	default:
		return nil, false
	}
}

// Stop drives the child to StateReaped: an interrupt, then up to grace for
// it to exit, then a kill of the whole process group, then up to killWait
// for the exit to be observed. A child that already exited is not
// signaled. If the exit is never observed the state becomes
// StateAbandoned and the error matches ErrTeardownIncomplete. Stop after
// StateReaped returns nil without doing anything.
func (s *Supervisor) Stop(grace, killWait time.Duration) error {
	s.stop.Lock()
	defer s.stop.Unlock()

	if s.State() == StateReaped {
		return nil
	}
	if s.exitedWithin(0) {
		s.reaped("exited before stop")
		return nil
	}

	if s.State() != StateAbandoned {
		if err := s.ctrl.Interrupt(); err != nil {
			s.log.Debug("interrupt failed", "error", err)
		}
		s.setState(StateSignaled)
		if s.exitedWithin(grace) {
			s.reaped("graceful")
			return nil
		}
		s.log.Warn("process did not exit after interrupt; killing process group", "grace", grace)
	}

	if err := s.ctrl.ForceKill(); err != nil {
		s.log.Debug("kill failed", "error", err)
	}
	s.setState(StateForceSignaled)
	if s.exitedWithin(killWait) {
		s.reaped("killed")
		return nil
	}

	s.setState(StateAbandoned)
	s.log.Warn("process still not reaped after kill; it may be orphaned")
	return ErrTeardownIncomplete.With("%s (pid %d) not reaped within %s of kill", s.name, s.ctrl.Pid(), killWait)
}

func (s *Supervisor) setState(st StopState) {
	s.state.Store(int32(st))
}

func (s *Supervisor) reaped(how string) {
	s.setState(StateReaped)
	if err := expectSignalExit(s.ctrl.ExitErr(), s.name); err != nil {
		s.log.Debug("process reaped", "how", how, "exit", err)
		return
	}
	s.log.Debug("process reaped", "how", how)
}

// exitedWithin waits up to d for the child to exit. A zero d only polls.
func (s *Supervisor) exitedWithin(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.ctrl.Exited():
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctrl.Exited():
		return true
	case <-t.C:
		return false
	}
}

// expectSignalExit interprets a wait error after a stop request. A clean
// exit or death by one of the stop signals is expected.
func expectSignalExit(err error, name string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			switch status.Signal() {
			case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGKILL:
				return nil
			}
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}

// execController adapts a started *exec.Cmd. Exactly one goroutine calls
// cmd.Wait; its result is published before exited is closed.
type execController struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

func newExecController(cmd *exec.Cmd) *execController {
	c := &execController{cmd: cmd, exited: make(chan struct{})}
	go func() {
		c.exitErr = cmd.Wait()
		close(c.exited)
	}()
	return c
}

func (c *execController) Pid() int                { return c.cmd.Process.Pid }
func (c *execController) Exited() <-chan struct{} { return c.exited }
func (c *execController) ExitErr() error          { return c.exitErr }

func (c *execController) Interrupt() error {
	return c.cmd.Process.Signal(os.Interrupt)
}

func (c *execController) ForceKill() error {
	return killGroup(c.cmd.Process)
}
