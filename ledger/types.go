/*
Package ledger is the core gold accounting engine.

PURPOSE:
  This package contains the data model and algorithms for per-wallet gold
  accounting: lazy time-based accrual from a stored rate, the lifetime
  accounting invariant, cap handling, optimistic-concurrency mutation, and
  duplicate-row merging.

KEY CONCEPTS IN THIS FILE (types.go):
  - Row: One persistent record per wallet (balance, rates, lifetime counters)
  - OwnedAsset: A single NFT contributing to the wallet's earn rate
  - Snapshot: A compact before/after view used in audit events

DESIGN PRINCIPLES:
  1. Lazy accrual: No ticking clock. Balance is derived from a rate and an
     anchor timestamp on read, and re-anchored on write.
  2. Precision: Uses decimal.Decimal to avoid floating-point drift in the
     lifetime invariant. A small epsilon survives only for rows imported
     from the float-based predecessor.
  3. Never destroy gold: The cap bounds the spendable balance, never the
     lifetime counter. Merges sum uncapped balances.
  4. Auditability: Every mutation emits a before/after event.

THE INVARIANT:
  LifetimeEarned >= Balance + LifetimeSpent   (modulo Epsilon)

  Equality holds until the wallet first hits the balance cap; a strict
  surplus afterwards is healthy, because capped earnings still grow
  LifetimeEarned.

SEE ALSO:
  - accrual.go:   Pure balance-at-time calculation
  - invariant.go: Validate / ApplyEarn / ApplySpend
  - mutator.go:   Optimistic-concurrency write path
  - merge.go:     Duplicate-row resolver
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONSTANTS
// =============================================================================

var (
	// BalanceCap bounds the spendable balance on every earning operation.
	// LifetimeEarned is never capped.
	BalanceCap = decimal.NewFromInt(50000)

	// Epsilon tolerates rounding drift in rows imported from the
	// float-based predecessor. New rows are exact.
	Epsilon = decimal.NewFromFloat(0.01)
)

// FreezeThreshold is the number of consecutive reconciliation failures
// after which accrual is frozen (circuit breaker).
const FreezeThreshold = 3

// InactiveWindow is how long a wallet may go without activity before
// scheduled reconciliation skips it. On-demand runs never skip.
const InactiveWindow = 7 * 24 * time.Hour

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID is a wallet's canonical stake-address identifier.
type AccountID string

// Short returns a truncated form for logging.
func (id AccountID) Short() string {
	if len(id) <= 20 {
		return string(id)
	}
	return string(id[:20]) + "..."
}

// Suffix returns the trailing n characters, used for alias grouping.
func (id AccountID) Suffix(n int) string {
	if len(id) <= n {
		return string(id)
	}
	return string(id[len(id)-n:])
}

// =============================================================================
// OWNED ASSET - One NFT contributing to the earn rate
// =============================================================================

type OwnedAsset struct {
	AssetID           string
	Name              string
	BaseRatePerHour   decimal.Decimal
	Level             int
	LevelBoostPerHour decimal.Decimal
	RarityRank        int
}

// EffectiveRatePerHour is what the asset actually contributes.
func (a OwnedAsset) EffectiveRatePerHour() decimal.Decimal {
	return a.BaseRatePerHour.Add(a.LevelBoostPerHour)
}

// RatesFromAssets sums the base and boost components across assets.
// Only the sum matters to the invariant; the split is kept for display.
func RatesFromAssets(assets []OwnedAsset) (base, boost decimal.Decimal) {
	base, boost = decimal.Zero, decimal.Zero
	for _, a := range assets {
		base = base.Add(a.BaseRatePerHour)
		boost = boost.Add(a.LevelBoostPerHour)
	}
	return base, boost
}

// =============================================================================
// ROW - One persistent gold record per wallet
// =============================================================================

type Row struct {
	AccountID   AccountID
	OwnedAssets []OwnedAsset

	// Earn rate, decomposed for display. The invariant only sees the sum.
	BaseRatePerHour  decimal.Decimal
	BoostRatePerHour decimal.Decimal

	// Balance is the spendable amount, >= 0, capped at BalanceCap on
	// every earning operation.
	Balance decimal.Decimal

	// LifetimeEarned is the uncapped, monotone total of all gold ever
	// credited. LifetimeSpent is the monotone total ever spent.
	LifetimeEarned decimal.Decimal
	LifetimeSpent  decimal.Decimal

	// SnapshotAnchorTime is when Balance/LifetimeEarned were last correct.
	SnapshotAnchorTime time.Time

	// LastActiveTime tracks client activity, independent of accrual.
	LastActiveTime time.Time

	// Verified gates accrual. Unverified wallets are frozen.
	Verified bool

	// ReconcileFailures counts consecutive reconciliation failures.
	// At FreezeThreshold, accrual freezes even for verified wallets.
	ReconcileFailures int

	// Version is the optimistic concurrency token, incremented on every
	// successful write.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RatePerHour is the total earn rate.
func (r *Row) RatePerHour() decimal.Decimal {
	return r.BaseRatePerHour.Add(r.BoostRatePerHour)
}

func (r *Row) AssetCount() int { return len(r.OwnedAssets) }

// Fingerprint is the alias-detection heuristic: two rows with the same
// asset count and total rate across distinct account IDs are suspected
// duplicates of one human account.
func (r *Row) Fingerprint() string {
	return fmt.Sprintf("%d_%s", len(r.OwnedAssets), r.RatePerHour().String())
}

// Clone deep-copies the row so mutations never alias stored state.
func (r *Row) Clone() *Row {
	out := *r
	out.OwnedAssets = append([]OwnedAsset(nil), r.OwnedAssets...)
	return &out
}

// =============================================================================
// SNAPSHOT - Compact row view for audit events
// =============================================================================

type Snapshot struct {
	Balance        decimal.Decimal `json:"balance"`
	LifetimeEarned decimal.Decimal `json:"lifetime_earned"`
	LifetimeSpent  decimal.Decimal `json:"lifetime_spent"`
	RatePerHour    decimal.Decimal `json:"rate_per_hour"`
	Version        int64           `json:"version"`
}

func Snap(r *Row) Snapshot {
	return Snapshot{
		Balance:        r.Balance,
		LifetimeEarned: r.LifetimeEarned,
		LifetimeSpent:  r.LifetimeSpent,
		RatePerHour:    r.RatePerHour(),
		Version:        r.Version,
	}
}

// Gold builds a decimal amount from a float. Test and wiring convenience.
func Gold(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }
