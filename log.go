package pgenv

import (
	"log/slog"

	"github.com/giantswarm/pgenv/internal/core"
)

// SetLogger replaces the package-level logger used by pgenv. The logger
// should already carry any attributes the caller wants; pgenv adds "id" to
// per-instance records and nothing else.
//
// If l is nil, the logger resets to slog.Default() with a "component"
// attribute, re-derived on the next use. Call SetLogger(nil) after
// slog.SetDefault to pick up the change.
//
// SetLogger is safe for concurrent use, but a provision already in flight
// may keep logging to the previous logger.
func SetLogger(l *slog.Logger) {
	core.SetLogger(l)
}

// Logger returns the logger pgenv writes to. It never returns nil.
func Logger() *slog.Logger {
	return core.Logger()
}
