package core

import "github.com/giantswarm/pgenv/internal/postgres"

func startupErr(reason, output string) error {
	return &postgres.StartupError{Reason: reason, Output: output}
}
