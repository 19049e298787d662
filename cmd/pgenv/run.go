package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/giantswarm/pgenv"
	"github.com/giantswarm/pgenv/internal/metrics"
	"github.com/giantswarm/pgenv/internal/process"
)

const (
	metricsShutdownTimeout = 5 * time.Second
	serverLogTail          = 2048
)

func newRunCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start one instance and keep it running until interrupted",
		Long: `Start one PostgreSQL instance, print its connection environment
(PGHOST, PGPORT, PGUSER, PGDATABASE, DATABASE_URL) and block until SIGINT or
SIGTERM. If the server dies first, run fails with the tail of its log. The
instance and its workspace are removed on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := c.runOptions()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.String(keyKind, pgenv.DefaultEndpointKind.String(), "endpoint kind: tcp or unix")
	f.String(keyUser, pgenv.DefaultUser, "role to connect as, created if not the superuser")
	f.String(keyDatabase, pgenv.DefaultDatabase, "database to connect to, created if missing")
	f.Duration(keyReadinessTimeout, pgenv.DefaultReadinessTimeout, "how long to wait for the server to accept connections")
	f.Duration(keyStopTimeout, pgenv.DefaultStopTimeout, "grace period before the server is killed on exit")
	f.StringSlice(keySetting, nil, "server setting as name=value, repeatable")
	return cmd
}

func (c *cli) runOptions() ([]pgenv.Option, error) {
	kind, err := pgenv.ParseEndpointKind(c.v.GetString(keyKind))
	if err != nil {
		return nil, err
	}
	readiness := c.v.GetDuration(keyReadinessTimeout)
	stop := c.v.GetDuration(keyStopTimeout)
	if readiness <= 0 || stop <= 0 {
		return nil, fmt.Errorf("timeouts must be greater than 0, got readiness %s and stop %s", readiness, stop)
	}
	user, database := c.v.GetString(keyUser), c.v.GetString(keyDatabase)
	if user == "" || database == "" {
		return nil, errors.New("user and database must not be empty")
	}

	opts := append(c.baseOptions(),
		pgenv.WithEndpointKind(kind),
		pgenv.WithUser(user),
		pgenv.WithDatabase(database),
		pgenv.WithReadinessTimeout(readiness),
		pgenv.WithStopTimeout(stop),
	)
	for _, kv := range c.v.GetStringSlice(keySetting) {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid setting %q, want name=value", kv)
		}
		opts = append(opts, pgenv.WithSetting(name, value))
	}
	return opts, nil
}

func (c *cli) run(ctx context.Context, opts []pgenv.Option) error {
	log := pgenv.Logger()

	if addr := c.v.GetString(keyMetricsAddr); addr != "" {
		srv, err := serveMetrics(addr)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	p := pgenv.NewProvisioner(opts...)
	defer func() {
		if err := p.Shutdown(); err != nil {
			log.Warn("shutdown incomplete", "error", err)
		}
	}()

	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	inst, err := p.Provision(ctx)
	if err != nil {
		return err
	}

	for _, kv := range inst.Params().Env() {
		_, _ = fmt.Fprintln(c.out, kv)
	}
	log.Info("instance ready", "id", inst.ID(), "log", inst.LogPath())

	select {
	case <-ctx.Done():
		log.Info("shutting down", "id", inst.ID())
		return nil
	case <-inst.Exited():
		return fmt.Errorf("instance %s: server exited unexpectedly:\n%s",
			inst.ID(), process.TailFile(inst.LogPath(), serverLogTail))
	}
}

func serveMetrics(addr string) (*http.Server, error) {
	if err := pgenv.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pgenv.Logger().Warn("metrics server stopped", "error", err)
		}
	}()
	pgenv.Logger().Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}
