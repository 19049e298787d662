package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/giantswarm/pgenv/internal/ledger"
	"github.com/giantswarm/pgenv/internal/workspace"
)

// SweepReport summarizes one orphan sweep.
type SweepReport struct {
	workspace.SweepResult
	LedgerPruned int
}

// Sweep removes workspaces under baseDir left behind by processes that no
// longer hold them, then drops ledger rows whose workspace is gone. A
// missing or unreadable ledger is logged and skipped.
func Sweep(ctx context.Context, baseDir string) (SweepReport, error) {
	log := Logger()
	res, err := workspace.Sweep(ctx, baseDir, log)
	report := SweepReport{SweepResult: res}
	if err != nil {
		return report, err
	}
	if len(res.Removed) > 0 {
		log.Info("removed orphaned workspaces", "base_dir", baseDir, "count", len(res.Removed))
	}

	path := filepath.Join(baseDir, ledger.FileName)
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return report, nil
	}
	l, err := ledger.Open(ctx, path)
	if err != nil {
		log.Warn("open ledger for pruning", "error", err)
		return report, nil
	}
	defer func() { _ = l.Close() }()

	pruned, err := l.Prune(ctx, func(e ledger.Entry) bool { return workspace.Exists(e.Root) })
	if err != nil {
		log.Warn("prune ledger", "error", err)
		return report, nil
	}
	report.LedgerPruned = pruned
	return report, nil
}

// ListLedger returns the ledger rows under baseDir. A base directory
// without a ledger yields no rows.
func ListLedger(ctx context.Context, baseDir string) ([]ledger.Entry, error) {
	path := filepath.Join(baseDir, ledger.FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	l, err := ledger.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Close() }()
	entries, err := l.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	return entries, nil
}

func ledgerEntry(i *Instance) ledger.Entry {
	return ledger.Entry{
		ID:        i.id,
		PID:       os.Getpid(),
		Root:      i.Root(),
		Endpoint:  i.endpoint.String(),
		CreatedAt: i.createdAt,
	}
}
