package process

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// fakeController is a scripted Controller. exitOn selects which call makes
// the process exit: "interrupt", "kill", or "" for never.
type fakeController struct {
	exitOn     string
	interrupts atomic.Int32
	kills      atomic.Int32
	exited     chan struct{}
	once       sync.Once
}

func newFakeController(exitOn string) *fakeController {
	return &fakeController{exitOn: exitOn, exited: make(chan struct{})}
}

func (f *fakeController) Pid() int                { return 4242 }
func (f *fakeController) Exited() <-chan struct{} { return f.exited }
func (f *fakeController) ExitErr() error          { return nil }

func (f *fakeController) exit() { f.once.Do(func() { close(f.exited) }) }

func (f *fakeController) Interrupt() error {
	f.interrupts.Add(1)
	if f.exitOn == "interrupt" {
		f.exit()
	}
	return nil
}

func (f *fakeController) ForceKill() error {
	f.kills.Add(1)
	if f.exitOn == "kill" {
		f.exit()
	}
	return nil
}

func TestSupervisor_Stop(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		exitOn         string
		preExited      bool
		wantErr        error
		wantState      StopState
		wantInterrupts int32
		wantKills      int32
	}{
		"graceful interrupt": {
			exitOn:         "interrupt",
			wantState:      StateReaped,
			wantInterrupts: 1,
		},
		"needs force kill": {
			exitOn:         "kill",
			wantState:      StateReaped,
			wantInterrupts: 1,
			wantKills:      1,
		},
		"never reaped": {
			exitOn:         "",
			wantErr:        ErrTeardownIncomplete,
			wantState:      StateAbandoned,
			wantInterrupts: 1,
			wantKills:      1,
		},
		"already exited": {
			preExited: true,
			wantState: StateReaped,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctrl := newFakeController(tc.exitOn)
			if tc.preExited {
				ctrl.exit()
			}
			s := NewSupervisor("postgres", ctrl, nil)

			err := s.Stop(20*time.Millisecond, 20*time.Millisecond)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("Stop() error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("Stop() error = %v, want %v", err, tc.wantErr)
			}
			if got := s.State(); got != tc.wantState {
				t.Errorf("State() = %v, want %v", got, tc.wantState)
			}
			if got := ctrl.interrupts.Load(); got != tc.wantInterrupts {
				t.Errorf("interrupts = %d, want %d", got, tc.wantInterrupts)
			}
			if got := ctrl.kills.Load(); got != tc.wantKills {
				t.Errorf("kills = %d, want %d", got, tc.wantKills)
			}
		})
	}
}

func TestSupervisor_StopIdempotent(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController("interrupt")
	s := NewSupervisor("postgres", ctrl, nil)

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			if err := s.Stop(time.Second, time.Second); err != nil {
				t.Errorf("Stop() error: %v", err)
			}
		})
	}
	wg.Wait()

	if got := ctrl.interrupts.Load(); got != 1 {
		t.Errorf("interrupts = %d, want 1", got)
	}
}

func TestSupervisor_RetryAfterAbandoned(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController("")
	s := NewSupervisor("postgres", ctrl, nil)

	if err := s.Stop(time.Millisecond, time.Millisecond); !errors.Is(err, ErrTeardownIncomplete) {
		t.Fatalf("first Stop() error = %v, want ErrTeardownIncomplete", err)
	}

	ctrl.exitOn = "kill"
	if err := s.Stop(time.Millisecond, time.Second); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	if got := ctrl.interrupts.Load(); got != 1 {
		t.Errorf("interrupts = %d, want 1 (retry goes straight to kill)", got)
	}
	if s.State() != StateReaped {
		t.Errorf("State() = %v, want reaped", s.State())
	}
}

func TestNewSupervisor_Panics(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		name string
		ctrl Controller
		want string
	}{
		"empty name": {ctrl: newFakeController(""), want: "pgenv: process name must not be empty"},
		"nil ctrl":   {name: "postgres", want: "pgenv: process controller must not be nil"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				r := recover()
				if r == nil {
					t.Fatal("expected panic")
				}
				if msg, _ := r.(string); msg != tc.want {
					t.Errorf("panic = %v, want %q", r, tc.want)
				}
			}()
			NewSupervisor(tc.name, tc.ctrl, nil)
		})
	}
}

func TestStart_Validation(t *testing.T) {
	t.Parallel()

	if _, err := Start("postgres", nil, "", nil); !errors.Is(err, ErrNilCmd) {
		t.Errorf("nil cmd error = %v", err)
	}
	if _, err := Start("postgres", &exec.Cmd{}, "", nil); !errors.Is(err, ErrEmptyCmdPath) {
		t.Errorf("empty path error = %v", err)
	}
}

func TestStart_SpawnFailed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cmd := exec.Command(filepath.Join(dir, "does-not-exist"))
	if _, err := Start("postgres", cmd, filepath.Join(dir, "server.log"), nil); !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("Start() error = %v, want ErrSpawnFailed", err)
	}
}

func TestStart_RealProcessGraceful(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "server.log")
	s, err := Start("sleep", exec.Command("sleep", "60"), logPath, nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, exited := s.ExitStatus(); exited {
		t.Fatal("process should still be running")
	}

	if err := s.Stop(5*time.Second, 5*time.Second); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	exitErr, exited := s.ExitStatus()
	if !exited {
		t.Fatal("ExitStatus() should report exited after Stop")
	}
	if err := expectSignalExit(exitErr, "sleep"); err != nil {
		t.Errorf("unexpected exit status: %v", err)
	}
	again, _ := s.ExitStatus()
	if again != exitErr {
		t.Error("exit status changed between calls")
	}
}

func TestStart_RealProcessIgnoresInterrupt(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "server.log")
	cmd := exec.Command("sh", "-c", `trap "" INT; echo started; sleep 60`)
	s, err := Start("stubborn", cmd, logPath, nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// The trap must be installed before the interrupt arrives.
	err = wait.PollUntilContextTimeout(t.Context(), 10*time.Millisecond, 5*time.Second, true,
		func(context.Context) (bool, error) {
			return strings.Contains(TailFile(logPath, 1024), "started"), nil
		})
	if err != nil {
		_ = s.Stop(time.Millisecond, 5*time.Second)
		t.Fatalf("child never reported started: %v", err)
	}

	if err := s.Stop(100*time.Millisecond, 5*time.Second); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if s.State() != StateReaped {
		t.Errorf("State() = %v, want reaped", s.State())
	}

	exitErr, exited := s.ExitStatus()
	if !exited {
		t.Fatal("ExitStatus() should report exited after Stop")
	}
	var ee *exec.ExitError
	if !errors.As(exitErr, &ee) {
		t.Fatalf("exit error = %v, want *exec.ExitError", exitErr)
	}
	status, ok := ee.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() || status.Signal() != syscall.SIGKILL {
		t.Errorf("exit status = %v, want killed by SIGKILL", exitErr)
	}
}

func TestExpectSignalExit(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err     error
		signal  syscall.Signal
		wantErr bool
	}{
		"nil error":           {},
		"SIGINT is expected":  {signal: syscall.SIGINT},
		"SIGTERM is expected": {signal: syscall.SIGTERM},
		"SIGKILL is expected": {signal: syscall.SIGKILL},
		"SIGUSR1 unexpected":  {signal: syscall.SIGUSR1, wantErr: true},
		"plain error":         {err: errors.New("boom"), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tc.err
			if in == nil && tc.signal != 0 {
				in = makeSignalExitError(t, tc.signal)
			}
			got := expectSignalExit(in, "postgres")
			if tc.wantErr != (got != nil) {
				t.Errorf("expectSignalExit() = %v, wantErr %v", got, tc.wantErr)
			}
		})
	}
}

// makeSignalExitError returns the *exec.ExitError of a real process killed
// by sig.
func makeSignalExitError(tb testing.TB, sig syscall.Signal) *exec.ExitError {
	tb.Helper()

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		tb.Fatalf("test setup: start sleep: %v", err)
	}
	if err := cmd.Process.Signal(sig); err != nil {
		_ = cmd.Process.Kill()
		tb.Fatalf("test setup: signal process with %v: %v", sig, err)
	}
	err := cmd.Wait()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		tb.Fatalf("test setup: expected *exec.ExitError from signaled process, got %v", err)
	}
	return exitErr
}
