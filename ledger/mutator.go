/*
mutator.go - Concurrency-safe write path

PURPOSE:
  Every balance-changing operation goes through the Mutator:

      Start -> Anchor -> Validate -> CommitAttempt -> {Committed | Conflict}

  Anchor folds elapsed-time accrual into the row as of "now" and resets
  the snapshot anchor. Commit is a compare-and-swap on the version token;
  a mismatch aborts with ErrConcurrentModification and the caller
  retries. No silent overwrite, ever.

WHY OPTIMISTIC:
  Request handlers are stateless; concurrency comes from simultaneous
  requests against the same stored row (two browser tabs, or a scheduled
  reconciliation racing a user spend). Nothing blocks: the losing writer
  gets abort-and-retry.

SPEND vs EARN ANCHORING:
  Earning operations anchor with the cap applied. The spend path anchors
  UNCAPPED: spending is evaluated against gold that genuinely accrued,
  because the cap only throttles earning display.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Mutator serializes balance mutations through optimistic version checks.
type Mutator struct {
	Rows   RowStore
	Audit  AuditLog
	Logger *zap.Logger

	// Now is swappable for tests. Defaults to time.Now.
	Now func() time.Time
}

func NewMutator(rows RowStore, audit AuditLog, logger *zap.Logger) *Mutator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mutator{Rows: rows, Audit: audit, Logger: logger, Now: time.Now}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Register creates the row for an account the first time it registers
// ownership data.
func (m *Mutator) Register(ctx context.Context, id AccountID, assets []OwnedAsset) (*Row, error) {
	now := m.Now()
	row, err := NewRow(id, assets, now)
	if err != nil {
		return nil, err
	}
	if err := m.Rows.Create(ctx, row); err != nil {
		return nil, err
	}
	m.emit(ctx, EventCreate, row.AccountID, Snapshot{}, Snap(row), now, "account registered")
	return row, nil
}

// Checkpoint folds accrued gold into the stored row and re-anchors.
// The earn path: accrual since the anchor is capped on the balance but
// credited in full to LifetimeEarned.
func (m *Mutator) Checkpoint(ctx context.Context, id AccountID) (*Row, error) {
	return m.mutate(ctx, id, EventEarn, "checkpoint", func(row *Row, now time.Time) error {
		row.LastActiveTime = now
		return m.anchor(row, now, true)
	})
}

// Spend debits amount against the uncapped time-accrued balance.
func (m *Mutator) Spend(ctx context.Context, id AccountID, amount decimal.Decimal, reason string) (*Row, error) {
	return m.mutate(ctx, id, EventSpend, reason, func(row *Row, now time.Time) error {
		row.LastActiveTime = now
		// Uncapped anchor: gold that genuinely accrued past the cap is
		// still spendable at the instant of spend.
		if err := m.anchor(row, now, false); err != nil {
			return err
		}
		return ApplySpend(row, amount)
	})
}

// Adjust applies an administrative delta. Positive deltas follow the
// capped earn path; negative deltas follow the spend path.
func (m *Mutator) Adjust(ctx context.Context, id AccountID, delta decimal.Decimal, reason string) (*Row, error) {
	return m.mutate(ctx, id, EventAdjust, reason, func(row *Row, now time.Time) error {
		if err := m.anchor(row, now, true); err != nil {
			return err
		}
		if delta.IsNegative() {
			return ApplySpend(row, delta.Neg())
		}
		_, err := m.earn(row, delta, true)
		return err
	})
}

// ApplyOwnership is the reconciler's write path: fold accrual at the old
// rate, then install the re-derived asset list and rates, and clear the
// failure counter.
func (m *Mutator) ApplyOwnership(ctx context.Context, id AccountID, assets []OwnedAsset) (*Row, error) {
	return m.mutate(ctx, id, EventReconcile, "ownership reconciled", func(row *Row, now time.Time) error {
		if err := m.anchor(row, now, true); err != nil {
			return err
		}
		base, boost := RatesFromAssets(assets)
		row.OwnedAssets = append([]OwnedAsset(nil), assets...)
		row.BaseRatePerHour = base
		row.BoostRatePerHour = boost
		row.ReconcileFailures = 0
		return nil
	})
}

// RecordReconcileFailure increments the circuit-breaker counter. Existing
// data is preserved on upstream failure; gold accrued since the last
// anchor is folded in, then only the counter moves.
func (m *Mutator) RecordReconcileFailure(ctx context.Context, id AccountID) (*Row, error) {
	return m.mutate(ctx, id, EventReconcile, "ownership lookup failed", func(row *Row, now time.Time) error {
		// Anchor first: the commit resets the anchor, and a failed
		// lookup must not cost the wallet its accrued interval.
		if err := m.anchor(row, now, true); err != nil {
			return err
		}
		row.ReconcileFailures++
		if row.ReconcileFailures >= FreezeThreshold {
			m.Logger.Warn("accrual frozen by reconcile circuit breaker",
				zap.String("account", row.AccountID.Short()),
				zap.Int("consecutive_failures", row.ReconcileFailures),
			)
		}
		return nil
	})
}

// SetVerified flips the verification gate. Consumed from the identity
// collaborator; the engine itself never decides verification.
func (m *Mutator) SetVerified(ctx context.Context, id AccountID, verified bool) (*Row, error) {
	return m.mutate(ctx, id, EventAdjust, "verification updated", func(row *Row, now time.Time) error {
		// Anchor first so a wallet losing verification keeps what it
		// accrued while verified.
		if err := m.anchor(row, now, true); err != nil {
			return err
		}
		row.Verified = verified
		return nil
	})
}

// Repair runs the self-healing floor raise on demand and commits it.
func (m *Mutator) Repair(ctx context.Context, id AccountID) (*Row, error) {
	return m.mutate(ctx, id, EventRepair, "manual invariant repair", func(row *Row, now time.Time) error {
		return m.anchor(row, now, true)
	})
}

// =============================================================================
// CORE WRITE LOOP
// =============================================================================

// mutate runs one write attempt: load, apply, validate, CAS commit.
func (m *Mutator) mutate(ctx context.Context, id AccountID, typ EventType, reason string, fn func(*Row, time.Time) error) (*Row, error) {
	stored, err := m.Rows.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := stored.Version
	before := Snap(stored)
	now := m.Now()

	row := stored.Clone()
	if err := fn(row, now); err != nil {
		return nil, err
	}

	// Never commit an invalid row. A violation here is a defect in the
	// mutation calculation.
	if err := Validate(row); err != nil {
		m.Logger.Error("mutation aborted: invariant violated after compute",
			zap.String("account", id.Short()),
			zap.String("op", string(typ)),
			zap.Error(err),
		)
		return nil, err
	}

	// LastActiveTime is not touched here. It tracks client activity
	// only; client-driven operations set it in their mutation func. An
	// engine write refreshing it would defeat the inactivity skip.
	row.Version = expected + 1
	row.SnapshotAnchorTime = now
	row.UpdatedAt = now

	if err := m.Rows.Update(ctx, row, expected); err != nil {
		if IsRetryable(err) {
			return nil, fmt.Errorf("commit %s for %s: %w", typ, id.Short(), err)
		}
		return nil, err
	}

	m.emit(ctx, typ, id, before, Snap(row), now, reason)
	return row, nil
}

// anchor folds elapsed-time accrual into the row as of now.
func (m *Mutator) anchor(row *Row, now time.Time, capped bool) error {
	accrued := AccruedSince(row, now)
	if accrued.IsZero() && Validate(row) == nil {
		return nil
	}
	_, err := m.earn(row, accrued, capped)
	return err
}

func (m *Mutator) earn(row *Row, amount decimal.Decimal, capped bool) (EarnResult, error) {
	var (
		res EarnResult
		err error
	)
	if capped {
		res, err = ApplyEarn(row, amount)
	} else {
		res, err = ApplyEarnUncapped(row, amount)
	}
	if err != nil {
		return res, err
	}
	if res.RepairedBy.IsPositive() {
		m.Logger.Warn("lifetime counter raised to valid floor",
			zap.String("account", row.AccountID.Short()),
			zap.String("repaired_by", res.RepairedBy.StringFixed(2)),
		)
	}
	return res, nil
}

func (m *Mutator) emit(ctx context.Context, typ EventType, id AccountID, before, after Snapshot, at time.Time, reason string) {
	if m.Audit == nil {
		return
	}
	ev := Event{
		ID:        fmt.Sprintf("%s-%s-%d", typ, id.Suffix(8), at.UnixNano()),
		Type:      typ,
		AccountID: id,
		Before:    before,
		After:     after,
		At:        at,
		Reason:    reason,
	}
	if err := m.Audit.Append(ctx, ev); err != nil {
		// The audit sink never gates a mutation.
		m.Logger.Warn("audit append failed", zap.String("event", ev.ID), zap.Error(err))
	}
}
