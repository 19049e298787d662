// Package pgbin locates the PostgreSQL server binaries on the local machine.
package pgbin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/giantswarm/pgenv/internal/sentinel"
)

// ErrNotFound is returned when a required binary cannot be located.
const ErrNotFound = sentinel.Error("postgresql binary not found")

// Names of the binaries an instance needs.
const (
	Initdb   = "initdb"
	Postgres = "postgres"
	PgConfig = "pg_config"
)

// wellKnownGlobs are searched last, newest major version first.
var wellKnownGlobs = []string{
	"/usr/lib/postgresql/*/bin",
	"/usr/pgsql-*/bin",
	"/usr/local/pgsql/bin",
	"/opt/homebrew/opt/postgresql@*/bin",
	"/opt/homebrew/bin",
	"/usr/local/bin",
}

// Paths holds resolved absolute binary paths.
type Paths struct {
	Initdb   string
	Postgres string
}

// Resolver finds binaries. Fields are optional; zero values search the
// standard places.
type Resolver struct {
	// BinDir, when set, is the only directory searched.
	BinDir string

	// lookPath and globs are replaced in tests.
	lookPath func(string) (string, error)
	globs    []string
}

// Resolve returns the initdb and postgres binaries from the same directory.
// Lookup order: BinDir, pg_config --bindir, PATH, then well-known install
// locations.
func (r Resolver) Resolve(ctx context.Context) (Paths, error) {
	if r.BinDir != "" {
		return fromDir(r.BinDir)
	}

	lookPath := r.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	if pgConfig, err := lookPath(PgConfig); err == nil {
		if dir, err := bindirFromPgConfig(ctx, pgConfig); err == nil {
			if p, err := fromDir(dir); err == nil {
				return p, nil
			}
		}
	}

	if initdb, err := lookPath(Initdb); err == nil {
		if p, err := fromDir(filepath.Dir(initdb)); err == nil {
			return p, nil
		}
	}

	globs := r.globs
	if globs == nil {
		globs = wellKnownGlobs
	}
	for _, pattern := range globs {
		matches, _ := filepath.Glob(pattern)
		sortByVersionDesc(matches)
		for _, dir := range matches {
			if p, err := fromDir(dir); err == nil {
				return p, nil
			}
		}
	}
	return Paths{}, ErrNotFound.With("%s and %s not found in PATH or standard locations; set a bin directory", Initdb, Postgres)
}

// fromDir returns both binaries from dir or ErrNotFound naming the first
// missing one.
func fromDir(dir string) (Paths, error) {
	p := Paths{
		Initdb:   filepath.Join(dir, Initdb),
		Postgres: filepath.Join(dir, Postgres),
	}
	for _, bin := range []string{p.Initdb, p.Postgres} {
		if err := isExecutable(bin); err != nil {
			return Paths{}, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	}
	return p, nil
}

func isExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not an executable file", path)
	}
	return nil
}

func bindirFromPgConfig(ctx context.Context, pgConfig string) (string, error) {
	out, err := exec.CommandContext(ctx, pgConfig, "--bindir").Output()
	if err != nil {
		return "", fmt.Errorf("run %s --bindir: %w", pgConfig, err)
	}
	dir := string(bytes.TrimSpace(out))
	if dir == "" {
		return "", errors.New("pg_config printed an empty bindir")
	}
	return dir, nil
}

// Version runs "<bin> --version" and returns the trimmed output.
func Version(ctx context.Context, bin string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("run %s --version: %w", bin, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// sortByVersionDesc orders directories so the one whose path carries the
// highest numeric component comes first.
func sortByVersionDesc(dirs []string) {
	slices.SortStableFunc(dirs, func(a, b string) int {
		return versionOf(b) - versionOf(a)
	})
}

// versionOf returns the last all-digit path element, or the digits that
// follow an "@" or "-" in it, or 0. Elements are scanned from the end so a
// numbered parent directory does not mask the version.
func versionOf(dir string) int {
	parts := strings.Split(filepath.ToSlash(dir), "/")
	for _, part := range slices.Backward(parts) {
		if n, err := strconv.Atoi(part); err == nil {
			return n
		}
		for _, sep := range []string{"@", "-"} {
			if _, after, ok := strings.Cut(part, sep); ok {
				if n, err := strconv.Atoi(after); err == nil {
					return n
				}
			}
		}
	}
	return 0
}
