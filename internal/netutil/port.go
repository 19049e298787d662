package netutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/giantswarm/pgenv/internal/sentinel"
)

// ErrNoEndpointAvailable is returned when no usable port or socket path could
// be obtained within the configured retry budget.
const ErrNoEndpointAvailable = sentinel.Error("no endpoint available")

// maxRegistryCollisions bounds how many kernel-assigned ports may collide with
// the registry within a single allocation attempt.
const maxRegistryCollisions = 20

// loopbackHost is the only interface instances ever listen on over TCP.
const loopbackHost = "127.0.0.1"

// DefaultBackoff is the retry schedule for Allocate when binding or
// re-verifying a candidate port fails.
var DefaultBackoff = wait.Backoff{
	Duration: 10 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    5,
}

var errRegistryExhausted = errors.New("kernel kept returning reserved ports")

// PortRegistry tracks loopback ports handed out by this process so two
// concurrent allocations never receive the same port, even though each
// candidate listener is closed before the server binds it.
//
// The mutex guards only the map; it is never held across a bind.
type PortRegistry struct {
	mu      sync.Mutex
	ports   map[int]struct{}
	backoff wait.Backoff
	log     *slog.Logger
}

// NewPortRegistry returns an empty registry using DefaultBackoff.
// If logger is nil, slog.Default() is used.
func NewPortRegistry(logger *slog.Logger) *PortRegistry {
	return NewPortRegistryWithBackoff(logger, DefaultBackoff)
}

// NewPortRegistryWithBackoff returns an empty registry that retries failed
// allocation attempts according to b. A non-positive b.Steps is treated as 1.
func NewPortRegistryWithBackoff(logger *slog.Logger, b wait.Backoff) *PortRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if b.Steps <= 0 {
		b.Steps = 1
	}
	return &PortRegistry{
		ports:   make(map[int]struct{}),
		backoff: b,
		log:     logger,
	}
}

// reserve registers port and reports whether it was free in the registry.
func (r *PortRegistry) reserve(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ports[port]; ok {
		return false
	}
	r.ports[port] = struct{}{}
	return true
}

// Release returns port to the pool. Releasing an unknown port is a no-op.
func (r *PortRegistry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, port)
}

// Len reports how many ports are currently reserved.
func (r *PortRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports)
}

// Allocate returns a loopback port that the kernel assigned, that no other
// live allocation in this process holds, and that could be bound again after
// the probe listener was closed. Failed attempts are retried with the
// registry's backoff; exhaustion yields ErrNoEndpointAvailable. The caller owns
// the port until Release.
func (r *PortRegistry) Allocate(ctx context.Context) (int, error) {
	var (
		port    int
		lastErr error
		attempt int
	)
	err := wait.ExponentialBackoffWithContext(ctx, r.backoff, func(context.Context) (bool, error) {
		attempt++
		p, err := r.tryAllocate()
		if err != nil {
			lastErr = err
			r.log.Debug("port allocation attempt failed", "attempt", attempt, "error", err)
			return false, nil
		}
		port = p
		return true, nil
	})
	if err == nil {
		return port, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, fmt.Errorf("allocate port: %w", ctxErr)
	}
	return 0, ErrNoEndpointAvailable.With("exhausted %d attempts: %v", attempt, lastErr)
}

// tryAllocate performs one allocation attempt.
func (r *PortRegistry) tryAllocate() (int, error) {
	l, port, err := r.getFreePortFromKernel()
	if err != nil {
		return 0, err
	}
	if closeErr := l.Close(); closeErr != nil {
		r.log.Warn("close probe listener", "port", port, "error", closeErr)
	}
	if err := probeBind(port); err != nil {
		r.Release(port)
		return 0, err
	}
	return port, nil
}

// getFreePortFromKernel binds 127.0.0.1:0 until the kernel hands out a port
// that is not in the registry, reserves it and returns the still-open
// listener.
func (r *PortRegistry) getFreePortFromKernel() (*net.TCPListener, int, error) {
	addr := &net.TCPAddr{IP: net.ParseIP(loopbackHost)}
	for range maxRegistryCollisions {
		l, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return nil, 0, fmt.Errorf("listen on %s: %w", addr, err)
		}
		tcpAddr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			_ = l.Close()
			return nil, 0, fmt.Errorf("unexpected address type: %T", l.Addr())
		}
		if r.reserve(tcpAddr.Port) {
			return l, tcpAddr.Port, nil
		}
		r.log.Debug("port already in registry, retrying", "port", tcpAddr.Port)
		_ = l.Close()
	}
	return nil, 0, errRegistryExhausted
}

// Verify re-validates a reserved port immediately before a server binds it.
// It returns ErrNoEndpointAvailable if something else has taken the port.
func (r *PortRegistry) Verify(port int) error {
	if err := probeBind(port); err != nil {
		return ErrNoEndpointAvailable.With("%v", err)
	}
	return nil
}

// probeBind binds and immediately closes 127.0.0.1:port.
func probeBind(port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("port %d not bindable: %w", port, err)
	}
	return l.Close()
}
