/*
accrual.go - Lazy balance-at-time calculation

PURPOSE:
  The read path of the engine. Balance is never ticked forward by a
  background job; it is derived on demand from the stored rate and the
  snapshot anchor time. Every query and the first step of every write
  goes through these functions.

FREEZING:
  A row earns nothing when it is unverified, or when the reconciliation
  circuit breaker has tripped (ReconcileFailures >= FreezeThreshold).
  Frozen reads return the stored balance unchanged and never error.

CLOCK REGRESSION:
  Elapsed time is clamped to zero. A server clock stepping backwards must
  never shrink a balance.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

var hourMs = decimal.NewFromInt(time.Hour.Milliseconds())

// Frozen reports whether the row currently accrues nothing.
func Frozen(r *Row) bool {
	return !r.Verified || r.ReconcileFailures >= FreezeThreshold
}

// CurrentBalance returns the spendable balance as of now: the stored
// balance plus rate-proportional accrual since the anchor, capped at
// BalanceCap. Pure; never mutates the row.
func CurrentBalance(r *Row, now time.Time) decimal.Decimal {
	b := r.Balance.Add(AccruedSince(r, now))
	if b.GreaterThan(BalanceCap) {
		// The cap throttles growth only; a stored balance already above
		// it (merges write uncapped sums) is reported as-is.
		return decimal.Max(r.Balance, BalanceCap)
	}
	return b
}

// UncappedBalance returns the genuinely accrued balance with no cap
// applied. The spend path and the merge resolver use this: the cap only
// throttles earning display, never the ability to spend or preserve what
// has actually accrued.
func UncappedBalance(r *Row, now time.Time) decimal.Decimal {
	return r.Balance.Add(AccruedSince(r, now))
}

// AccruedSince returns the gold earned between the anchor and now.
// Zero for frozen rows, zero-rate rows, and regressed clocks.
func AccruedSince(r *Row, now time.Time) decimal.Decimal {
	if Frozen(r) {
		return decimal.Zero
	}
	elapsed := now.Sub(r.SnapshotAnchorTime)
	if elapsed <= 0 {
		return decimal.Zero
	}
	hours := decimal.NewFromInt(elapsed.Milliseconds()).Div(hourMs)
	return r.RatePerHour().Mul(hours)
}
