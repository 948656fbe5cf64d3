/*
merge.go - Duplicate-row detection and merging

PURPOSE:
  The same human can end up with multiple ledger rows despite the
  canonical-form gate: historical rows created from payment addresses or
  hex forms, or parallel registration paths. The resolver detects them
  and folds their time-accrued balances into one surviving row.

DETECTION:
  1. Identical AccountID across rows - structurally impossible with a
     unique key, but checked defensively.
  2. Fingerprint heuristic: matching (assetCount, totalRate) across
     distinct account IDs marks suspected aliases of one human account.
  3. Suffix grouping: stake addresses sharing a trailing fragment, for
     the administrative merge-by-suffix path.

MERGE RULES:
  - Balances are summed UNCAPPED via the accrual calculator, never from
    stale stored values. Merges must not destroy gold.
  - Canonical row: earliest creation time; ownership data is taken from
    whichever candidate has the most complete asset snapshot.
  - Losers are deleted after the canonical commit succeeds.

NOT CONCURRENCY-IDEMPOTENT:
  Running two merges over overlapping candidate sets concurrently can
  double-count. Callers serialize merge runs per fingerprint group; the
  algorithm does not guarantee this internally.
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Resolver finds and merges duplicate ledger rows.
type Resolver struct {
	Rows   RowStore
	Audit  AuditLog
	Logger *zap.Logger
	Now    func() time.Time
}

func NewResolver(rows RowStore, audit AuditLog, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{Rows: rows, Audit: audit, Logger: logger, Now: time.Now}
}

// Group is a set of rows suspected to be one logical account.
type Group struct {
	Fingerprint string
	Rows        []*Row
}

// FindDuplicates scans all rows and returns suspected duplicate groups.
// Zero-asset, zero-rate rows are excluded: an empty fingerprint matches
// every other empty wallet and means nothing.
func (r *Resolver) FindDuplicates(ctx context.Context) ([]Group, error) {
	rows, err := r.Rows.List(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[AccountID][]*Row)
	byPrint := make(map[string][]*Row)
	for _, row := range rows {
		byID[row.AccountID] = append(byID[row.AccountID], row)
		if row.AssetCount() > 0 {
			byPrint[row.Fingerprint()] = append(byPrint[row.Fingerprint()], row)
		}
	}

	var groups []Group
	for id, dup := range byID {
		if len(dup) > 1 {
			r.Logger.Error("structurally impossible: multiple rows share an account id",
				zap.String("account", id.Short()), zap.Int("count", len(dup)))
			groups = append(groups, Group{Fingerprint: "id:" + string(id), Rows: dup})
		}
	}
	for print, dup := range byPrint {
		if len(dup) > 1 {
			groups = append(groups, Group{Fingerprint: print, Rows: dup})
		}
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Fingerprint < groups[j].Fingerprint })
	return groups, nil
}

// MergeGroup folds the candidate rows into one canonical row and deletes
// the rest. Returns the surviving row.
func (r *Resolver) MergeGroup(ctx context.Context, rows []*Row) (*Row, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("merge needs at least two rows, got %d", len(rows))
	}

	now := r.Now()

	// Fold elapsed-time accrual into working copies first, uncapped.
	// Summing stale stored balances would silently drop accrued gold.
	work := make([]*Row, len(rows))
	for i, row := range rows {
		w := row.Clone()
		if _, err := ApplyEarnUncapped(w, AccruedSince(w, now)); err != nil {
			return nil, fmt.Errorf("anchor %s before merge: %w", w.AccountID.Short(), err)
		}
		work[i] = w
	}

	canonical := work[0]
	for _, w := range work[1:] {
		if w.CreatedAt.Before(canonical.CreatedAt) {
			canonical = w
		}
	}

	// Ownership data comes from the candidate with the most complete
	// asset snapshot; the oldest row may predate enrichment.
	richest := work[0]
	for _, w := range work[1:] {
		if w.AssetCount() > richest.AssetCount() {
			richest = w
		}
	}
	if richest != canonical && richest.AssetCount() > canonical.AssetCount() {
		canonical.OwnedAssets = append([]OwnedAsset(nil), richest.OwnedAssets...)
		canonical.BaseRatePerHour = richest.BaseRatePerHour
		canonical.BoostRatePerHour = richest.BoostRatePerHour
	}

	before := Snap(canonical)
	expected := canonical.Version

	var absorbed []AccountID
	for _, w := range work {
		if w == canonical {
			continue
		}
		canonical.Balance = canonical.Balance.Add(w.Balance)
		canonical.LifetimeEarned = canonical.LifetimeEarned.Add(w.LifetimeEarned)
		canonical.LifetimeSpent = canonical.LifetimeSpent.Add(w.LifetimeSpent)
		if w.LastActiveTime.After(canonical.LastActiveTime) {
			canonical.LastActiveTime = w.LastActiveTime
		}
		canonical.Verified = canonical.Verified || w.Verified
		absorbed = append(absorbed, w.AccountID)
	}

	if err := Validate(canonical); err != nil {
		return nil, err
	}

	canonical.Version = expected + 1
	canonical.SnapshotAnchorTime = now
	canonical.UpdatedAt = now

	if err := r.Rows.Update(ctx, canonical, expected); err != nil {
		return nil, err
	}

	// Delete losers only after the canonical commit landed, so a failed
	// merge leaves every row intact.
	for _, id := range absorbed {
		if err := r.Rows.Delete(ctx, id); err != nil {
			r.Logger.Error("merged row deletion failed; duplicate survives",
				zap.String("account", id.Short()), zap.Error(err))
		}
	}

	r.emit(ctx, canonical, before, now, absorbed)

	r.Logger.Info("merged duplicate rows",
		zap.String("canonical", canonical.AccountID.Short()),
		zap.Int("absorbed", len(absorbed)),
		zap.String("balance", canonical.Balance.StringFixed(2)),
	)
	return canonical, nil
}

// MergeBySuffix merges all rows whose account IDs share the given
// trailing fragment. Administrative tool for known alias clusters.
func (r *Resolver) MergeBySuffix(ctx context.Context, suffix string) (*Row, error) {
	if suffix == "" {
		return nil, fmt.Errorf("empty suffix pattern")
	}
	rows, err := r.Rows.List(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*Row
	for _, row := range rows {
		if strings.HasSuffix(string(row.AccountID), suffix) {
			matched = append(matched, row)
		}
	}
	if len(matched) < 2 {
		return nil, fmt.Errorf("suffix %q matched %d rows, nothing to merge", suffix, len(matched))
	}
	return r.MergeGroup(ctx, matched)
}

func (r *Resolver) emit(ctx context.Context, row *Row, before Snapshot, at time.Time, absorbed []AccountID) {
	if r.Audit == nil {
		return
	}
	parts := make([]string, len(absorbed))
	for i, id := range absorbed {
		parts[i] = id.Short()
	}
	ev := Event{
		ID:        fmt.Sprintf("merge-%s-%d", row.AccountID.Suffix(8), at.UnixNano()),
		Type:      EventMerge,
		AccountID: row.AccountID,
		Before:    before,
		After:     Snap(row),
		At:        at,
		Reason:    "absorbed " + strings.Join(parts, ", "),
	}
	if err := r.Audit.Append(ctx, ev); err != nil {
		r.Logger.Warn("audit append failed", zap.String("event", ev.ID), zap.Error(err))
	}
}
