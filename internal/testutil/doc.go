// Package testutil provides fake PostgreSQL executables for unit tests.
//
// The postgres fake is the test binary itself: a package calls
// MaybeRunStub from its TestMain, and WriteBinaries installs shell wrappers
// that re-exec the test binary in stub mode. The stub speaks only the
// startup handshake and acknowledges simple queries, which is enough for
// readiness probes and bootstrap statements.
package testutil
