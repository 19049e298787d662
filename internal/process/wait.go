package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Configuration errors returned by WaitReady.
var (
	ErrIntervalNotPositive = errors.New("interval must be positive")
	ErrTimeoutNotPositive  = errors.New("timeout must be positive")
)

// ReadinessCheck reports whether the process is ready. attempt is 1-based.
// A non-nil error aborts polling and is returned wrapped.
type ReadinessCheck func(ctx context.Context, attempt int) (ready bool, err error)

// WaitReadyConfig configures WaitReady.
type WaitReadyConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Name     string
	Target   string // endpoint, for logs
	Logger   *slog.Logger

	// ProcessExited, if set, aborts the wait with ErrStartupFailed once
	// closed.
	ProcessExited <-chan struct{}

	// Failure, if set, runs before every check. A non-nil result aborts the
	// wait and is returned wrapped, so it should already match
	// ErrStartupFailed.
	Failure func() error
}

// WaitReady polls check until it reports ready. Each attempt first looks
// for an exited process and then for a terminal failure, so a server that
// dies early is reported within one interval instead of after Timeout.
//
// The error matches ErrReadinessTimeout when Timeout elapses, ErrStartupFailed
// when the process exited, and is the caller's context error when ctx ends
// first.
func WaitReady(ctx context.Context, cfg WaitReadyConfig, check ReadinessCheck) error {
	if cfg.Name == "" {
		return errors.New("wait ready: name must not be empty")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("wait for %s: %w", cfg.Name, ErrIntervalNotPositive)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("wait for %s: %w", cfg.Name, ErrTimeoutNotPositive)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	// PollUntilContextTimeout never runs the condition concurrently with
	// itself.
	attempt := 0
	err := wait.PollUntilContextTimeout(ctx, cfg.Interval, cfg.Timeout, true,
		func(pollCtx context.Context) (bool, error) {
			if cfg.ProcessExited != nil {
				select {
				case <-cfg.ProcessExited:
					return false, fmt.Errorf("%w: %s exited before becoming ready", ErrStartupFailed, cfg.Name)
				default:
				}
			}
			if cfg.Failure != nil {
				if err := cfg.Failure(); err != nil {
					return false, err
				}
			}

			attempt++
			ready, err := check(pollCtx, attempt)
			if err != nil {
				return false, err
			}
			if ready {
				log.Debug("wait succeeded", "name", cfg.Name, "target", cfg.Target, "attempt", attempt)
			}
			return ready, nil
		})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("wait for %s: %w", cfg.Name, ctxErr)
	}
	if wait.Interrupted(err) {
		return fmt.Errorf("%w: %s not ready on %s after %s (%d attempts)",
			ErrReadinessTimeout, cfg.Name, cfg.Target, cfg.Timeout, attempt)
	}
	return fmt.Errorf("wait for %s on %s: %w", cfg.Name, cfg.Target, err)
}
