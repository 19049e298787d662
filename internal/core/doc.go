// Package core provides the internal implementation of pgenv.
// It contains the Provisioner (two-phase initialization, staged provisioning
// with rollback, bounded concurrent starts and parallel shutdown), Instance
// (one ready PostgreSQL server with an exactly-once teardown) and the
// process-wide Registry consulted by the emergency cleanup pass.
package core
