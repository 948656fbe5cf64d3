/*
invariant.go - The lifetime accounting relation and its mutations

PURPOSE:
  Enforces, at every committed state:

      LifetimeEarned >= Balance + LifetimeSpent    (modulo Epsilon)

  ApplyEarn and ApplySpend are the only sanctioned ways to move the three
  counters. Both re-validate before returning; a violation after a
  computed mutation is a defect in the calculation, not a recoverable
  input error, and must abort the commit.

SELF-HEALING:
  Rows written before the invariant existed can have LifetimeEarned below
  the valid floor. ApplyEarn raises it to Balance+LifetimeSpent first and
  reports the repair in its result so callers can log it. The raise is
  monotonic - no counter ever silently decreases.
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// Validate checks the lifetime accounting relation. A row with all three
// counters at zero is trivially healthy (not yet initialized).
func Validate(r *Row) error {
	if r.LifetimeEarned.IsZero() && r.Balance.IsZero() && r.LifetimeSpent.IsZero() {
		return nil
	}
	floor := r.Balance.Add(r.LifetimeSpent).Sub(Epsilon)
	if r.LifetimeEarned.LessThan(floor) {
		return &InvariantViolationError{
			AccountID:      r.AccountID,
			LifetimeEarned: r.LifetimeEarned,
			Balance:        r.Balance,
			LifetimeSpent:  r.LifetimeSpent,
		}
	}
	return nil
}

// EarnResult reports what an earn actually did to the row.
type EarnResult struct {
	// Earned is the full amount credited to LifetimeEarned.
	Earned decimal.Decimal

	// LostToCap is how much of the earn the balance cap swallowed. Not
	// lost in the lifetime sense: LifetimeEarned still grew by Earned.
	LostToCap decimal.Decimal

	// RepairedBy is how far LifetimeEarned had to be raised to reach the
	// valid floor before earning. Non-zero only for legacy corruption.
	RepairedBy decimal.Decimal
}

// ApplyEarn credits amount to the row with the balance cap applied.
func ApplyEarn(r *Row, amount decimal.Decimal) (EarnResult, error) {
	return applyEarn(r, amount, true)
}

// ApplyEarnUncapped credits amount with no cap. Used where the cap must
// not destroy gold: the spend-path anchor and duplicate-row merges.
func ApplyEarnUncapped(r *Row, amount decimal.Decimal) (EarnResult, error) {
	return applyEarn(r, amount, false)
}

func applyEarn(r *Row, amount decimal.Decimal, capped bool) (EarnResult, error) {
	if amount.IsNegative() {
		return EarnResult{}, ErrNegativeAmount
	}

	res := EarnResult{Earned: amount}

	// Legacy rows can sit below the valid floor. The raise is reported
	// in the result; no counter ever decreases.
	floor := r.Balance.Add(r.LifetimeSpent)
	if r.LifetimeEarned.LessThan(floor) {
		res.RepairedBy = floor.Sub(r.LifetimeEarned)
		r.LifetimeEarned = floor
	}

	uncapped := r.Balance.Add(amount)
	newBalance := uncapped
	if capped && newBalance.GreaterThan(BalanceCap) {
		// The cap limits growth only. A balance already above the cap
		// (merges write uncapped sums) is never clamped down.
		newBalance = decimal.Max(r.Balance, BalanceCap)
		res.LostToCap = uncapped.Sub(newBalance)
	}

	r.Balance = newBalance
	r.LifetimeEarned = r.LifetimeEarned.Add(amount)

	if err := Validate(r); err != nil {
		return EarnResult{}, err
	}
	return res, nil
}

// ApplySpend debits amount from the row. The caller must already have
// anchored the uncapped time-accrued balance onto the row, so the
// sufficiency check here is against genuine accrual, not the
// last-committed capped display value.
func ApplySpend(r *Row, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if amount.GreaterThan(r.Balance) {
		return &InsufficientBalanceError{
			AccountID: r.AccountID,
			Available: r.Balance,
			Requested: amount,
		}
	}

	r.Balance = r.Balance.Sub(amount)
	r.LifetimeSpent = r.LifetimeSpent.Add(amount)
	// Spending does not destroy lifetime credit: LifetimeEarned unchanged.

	return Validate(r)
}
