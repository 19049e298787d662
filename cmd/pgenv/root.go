package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/giantswarm/pgenv"
)

// Log file rotation, in lumberjack units.
const (
	logMaxSizeMB  = 10
	logMaxBackups = 3
	logMaxAgeDays = 7
)

// Configuration keys. Each is also a flag name and, upper-cased with an
// PGENV_ prefix and '-' replaced by '_', an environment variable.
const (
	keyConfig           = "config"
	keyBaseDir          = "base-dir"
	keyBinDir           = "bin-dir"
	keyLogLevel         = "log-level"
	keyLogFile          = "log-file"
	keyMetricsAddr      = "metrics-addr"
	keyKind             = "kind"
	keyUser             = "user"
	keyDatabase         = "database"
	keyReadinessTimeout = "readiness-timeout"
	keyStopTimeout      = "stop-timeout"
	keySetting          = "set"
)

// cli carries state shared by all subcommands.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	closer io.Closer
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "pgenv",
		Short: "Throwaway PostgreSQL instances for tests",
		Long: `pgenv starts disposable PostgreSQL servers in private temporary
directories and removes every trace of them on shutdown.

Examples:
  pgenv run                         # start one instance, print its env, wait for Ctrl-C
  pgenv run --kind unix --database app
  pgenv ls                          # instances recorded under the base dir
  pgenv sweep                       # remove workspaces left by dead processes`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.closer != nil {
				_ = c.closer.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String(keyConfig, "", "path to a YAML or TOML config file")
	pf.String(keyBaseDir, filepath.Join(os.TempDir(), pgenv.DefaultBaseDirName), "directory holding instance workspaces")
	pf.String(keyBinDir, "", "directory containing initdb and postgres")
	pf.String(keyLogLevel, "info", "log level: debug, info, warn or error")
	pf.String(keyLogFile, "", "write logs to this file, rotated, instead of stderr")
	pf.String(keyMetricsAddr, "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newRunCommand(c),
		newSweepCommand(c),
		newLsCommand(c),
	)
	return root
}

// setup loads configuration in order of precedence flag, environment,
// config file, default, and installs the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	c.out = cmd.OutOrStdout()
	c.v.SetEnvPrefix("PGENV")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	if err := c.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if path := c.v.GetString(keyConfig); path != "" {
		c.v.SetConfigFile(path)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return c.setupLogger(cmd.ErrOrStderr())
}

func (c *cli) setupLogger(stderr io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.v.GetString(keyLogLevel))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.v.GetString(keyLogLevel), err)
	}

	w := stderr
	if path := c.v.GetString(keyLogFile); path != "" {
		lw := &lj.Logger{
			Filename:   path,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
		}
		c.closer = lw
		w = lw
	}

	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	pgenv.SetLogger(l.With("component", "pgenv"))
	return nil
}

// baseOptions returns the provisioner options shared by every subcommand.
func (c *cli) baseOptions() []pgenv.Option {
	opts := []pgenv.Option{pgenv.WithBaseDir(c.v.GetString(keyBaseDir))}
	if dir := c.v.GetString(keyBinDir); dir != "" {
		opts = append(opts, pgenv.WithBinDir(dir))
	}
	return opts
}
