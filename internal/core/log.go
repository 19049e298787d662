package core

import (
	"log/slog"
	"sync/atomic"
)

// componentName is the value of the "component" attribute on every record
// logged through Logger.
const componentName = "pgenv"

// logger holds a caller-supplied logger. Nil means "derive from
// slog.Default()".
var logger atomic.Pointer[slog.Logger]

// derived caches slog.Default() plus the component attribute. It is cleared
// by SetLogger so that a later slog.SetDefault can take effect.
var derived atomic.Pointer[slog.Logger]

// Logger returns the package-level logger. It never returns nil and is safe
// for concurrent use.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := derived.Load(); l != nil {
		return l
	}
	l := slog.Default().With("component", componentName)
	if derived.CompareAndSwap(nil, l) {
		return l
	}
	// Lost the race; prefer the winner, but a concurrent SetLogger may have
	// cleared it again.
	if winner := derived.Load(); winner != nil {
		return winner
	}
	return l
}

// SetLogger replaces the package-level logger. A nil l restores the
// default, re-derived from slog.Default() on the next Logger call.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	derived.Store(nil)
}

// instanceLogger returns the logger for one instance.
func instanceLogger(id string) *slog.Logger {
	return Logger().With("id", id)
}
