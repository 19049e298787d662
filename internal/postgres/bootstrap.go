package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Bootstrap creates user and database on a ready server, connecting as the
// superuser described by admin. Objects matching the initdb defaults are
// left alone, so Bootstrap is a no-op for the default configuration.
func Bootstrap(ctx context.Context, admin ConnParams, user, database string) error {
	if user == admin.User && database == DefaultDatabase {
		return nil
	}

	conn, err := pgx.Connect(ctx, admin.DSN())
	if err != nil {
		return fmt.Errorf("bootstrap connect: %w", err)
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	if user != admin.User {
		stmt := "CREATE ROLE " + pgx.Identifier{user}.Sanitize() + " SUPERUSER LOGIN"
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create role %q: %w", user, err)
		}
	}
	if database != DefaultDatabase {
		stmt := "CREATE DATABASE " + pgx.Identifier{database}.Sanitize() +
			" OWNER " + pgx.Identifier{user}.Sanitize()
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create database %q: %w", database, err)
		}
	}
	return nil
}
