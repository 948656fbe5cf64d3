package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIAGNOSIS - Operator-facing row health report
// =============================================================================

// nearCapFloor flags high earners sitting just under the cap. Rows in
// this band with a large rate may have lost earnings to historical
// capping bugs. Detection heuristic only; never part of the commit path.
var (
	nearCapFloor    = decimal.NewFromInt(45000)
	nearCapMinRate  = decimal.NewFromInt(500)
)

// Diagnosis is what the admin surface returns for one row.
type Diagnosis struct {
	AccountID        AccountID       `json:"account_id"`
	Healthy          bool            `json:"healthy"`
	InvariantError   string          `json:"invariant_error,omitempty"`
	Frozen           bool            `json:"frozen"`
	FrozenReason     string          `json:"frozen_reason,omitempty"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	UncappedBalance  decimal.Decimal `json:"uncapped_balance"`
	LifetimeEarned   decimal.Decimal `json:"lifetime_earned"`
	LifetimeSpent    decimal.Decimal `json:"lifetime_spent"`
	RatePerHour      decimal.Decimal `json:"rate_per_hour"`
	AssetCount       int             `json:"asset_count"`
	Version          int64           `json:"version"`
	NearCapWarning   bool            `json:"near_cap_warning"`
	SurplusOverFloor decimal.Decimal `json:"surplus_over_floor"`
}

// Diagnose computes a health report without mutating anything.
func Diagnose(r *Row, now time.Time) Diagnosis {
	d := Diagnosis{
		AccountID:       r.AccountID,
		Healthy:         true,
		Frozen:          Frozen(r),
		CurrentBalance:  CurrentBalance(r, now),
		UncappedBalance: UncappedBalance(r, now),
		LifetimeEarned:  r.LifetimeEarned,
		LifetimeSpent:   r.LifetimeSpent,
		RatePerHour:     r.RatePerHour(),
		AssetCount:      r.AssetCount(),
		Version:         r.Version,
	}

	if err := Validate(r); err != nil {
		d.Healthy = false
		d.InvariantError = err.Error()
	}

	switch {
	case !r.Verified:
		d.FrozenReason = "unverified"
	case r.ReconcileFailures >= FreezeThreshold:
		d.FrozenReason = "reconcile circuit breaker"
	}

	d.SurplusOverFloor = r.LifetimeEarned.Sub(r.Balance.Add(r.LifetimeSpent))

	if r.Balance.GreaterThanOrEqual(nearCapFloor) &&
		r.Balance.LessThanOrEqual(BalanceCap) &&
		r.RatePerHour().GreaterThanOrEqual(nearCapMinRate) {
		d.NearCapWarning = true
	}

	return d
}
