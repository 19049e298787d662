package pgenv

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/giantswarm/pgenv/internal/core"
)

// EmergencyCleanup shuts down every live instance in this process,
// regardless of which Provisioner created it, and removes any workspace the
// process still owns. It is meant for paths where normal teardown will not
// run, such as a signal handler or TestMain after a panic.
func EmergencyCleanup() error {
	return core.EmergencyCleanup()
}

// terminate re-delivers sig with its default disposition so the process
// exits the way it would have without the handler. Tests replace it.
var terminate = func(sig os.Signal) {
	signal.Reset(sig)
	if p, err := os.FindProcess(os.Getpid()); err == nil {
		_ = p.Signal(sig)
	}
	// Not every platform delivers a self-sent signal synchronously.
	os.Exit(128 + signalNumber(sig))
}

func signalNumber(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 1
}

// CleanupOnSignal runs EmergencyCleanup when the process receives SIGINT
// or SIGTERM, then lets the signal terminate the process. The handler stays
// installed until ctx is done or stop is called.
//
// Typical use is in TestMain:
//
//	stop := pgenv.CleanupOnSignal(context.Background())
//	code := m.Run()
//	stop()
//	os.Exit(code)
func CleanupOnSignal(ctx context.Context) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(done) }) }

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			core.Logger().Warn("received signal, cleaning up instances", "signal", sig.String())
			if err := core.EmergencyCleanup(); err != nil {
				core.Logger().Warn("emergency cleanup incomplete", "error", err)
			}
			terminate(sig)
		case <-ctx.Done():
		case <-done:
		}
	}()
	return stop
}
