package process

import "github.com/giantswarm/pgenv/internal/sentinel"

const (
	// ErrSpawnFailed is returned when the operating system refused to start
	// the server executable.
	ErrSpawnFailed = sentinel.Error("spawn failed")

	// ErrStartupFailed is returned when the server exited or logged a
	// terminal error before becoming ready.
	ErrStartupFailed = sentinel.Error("startup failed")

	// ErrReadinessTimeout is returned when the server neither became ready
	// nor failed within the readiness timeout.
	ErrReadinessTimeout = sentinel.Error("readiness timeout")

	// ErrTeardownIncomplete is returned when a process could not be
	// confirmed reaped after the forced kill.
	ErrTeardownIncomplete = sentinel.Error("teardown incomplete")
)
