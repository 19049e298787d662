// Package postgres runs a single PostgreSQL server on top of an initialized
// data directory.
//
// Server builds the postgres command line for an endpoint, launches it under
// a process.Supervisor and waits for readiness by combining a log scan for
// terminal startup failures with a startup-handshake probe. ConnParams
// describes how clients reach the server, and Bootstrap creates the
// configured role and database once the server accepts connections.
package postgres
