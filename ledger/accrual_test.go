package ledger_test

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mektycoon/gold-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// stakeAddr builds a canonical-form account id with a recognizable tag.
func stakeAddr(tag string) ledger.AccountID {
	pad := strings.Repeat("q", 50)
	return ledger.AccountID("stake1u" + pad[:43-len(tag)] + tag)
}

func asset(id string, ratePerHour float64) ledger.OwnedAsset {
	return ledger.OwnedAsset{
		AssetID:         id,
		Name:            "Mek " + id,
		BaseRatePerHour: ledger.Gold(ratePerHour),
	}
}

// verifiedRow builds a row earning ratePerHour, anchored at anchor.
func verifiedRow(tag string, ratePerHour float64, anchor time.Time) *ledger.Row {
	row, err := ledger.NewRow(stakeAddr(tag), []ledger.OwnedAsset{asset("mek-"+tag, ratePerHour)}, anchor)
	if err != nil {
		panic(err)
	}
	row.Verified = true
	return row
}

func decEq(t *testing.T, want, got decimal.Decimal, label string) {
	t.Helper()
	if !want.Equal(got) {
		t.Errorf("%s: expected %s, got %s", label, want, got)
	}
}

// =============================================================================
// LAZY ACCRUAL TESTS
// =============================================================================

func TestAccrual_ProportionalToElapsedTime(t *testing.T) {
	// GIVEN: a verified row earning 1000/hr, anchored at t0
	// WHEN: reading the balance 3 hours later
	// THEN: 3000 gold has accrued, and the stored row is untouched

	row := verifiedRow("a", 1000, t0)
	now := t0.Add(3 * time.Hour)

	decEq(t, ledger.Gold(3000), ledger.AccruedSince(row, now), "accrued")
	decEq(t, ledger.Gold(3000), ledger.CurrentBalance(row, now), "current balance")
	decEq(t, decimal.Zero, row.Balance, "stored balance must not move on read")
}

func TestAccrual_FractionalHours(t *testing.T) {
	// GIVEN: 1000/hr anchored at t0
	// WHEN: 90 minutes elapse
	// THEN: exactly 1500 accrues

	row := verifiedRow("frac", 1000, t0)
	decEq(t, ledger.Gold(1500), ledger.AccruedSince(row, t0.Add(90*time.Minute)), "accrued")
}

func TestAccrual_UnverifiedEarnsNothing(t *testing.T) {
	// GIVEN: an unverified row with a positive rate and a stored balance
	// WHEN: time passes
	// THEN: the row is frozen; the read returns the stored balance unchanged

	row := verifiedRow("unv", 1000, t0)
	row.Verified = false
	row.Balance = ledger.Gold(250)

	now := t0.Add(10 * time.Hour)
	if !ledger.Frozen(row) {
		t.Fatal("unverified row should be frozen")
	}
	decEq(t, decimal.Zero, ledger.AccruedSince(row, now), "accrued while frozen")
	decEq(t, ledger.Gold(250), ledger.CurrentBalance(row, now), "stored balance preserved")
}

func TestAccrual_CircuitBreakerFreezes(t *testing.T) {
	// GIVEN: a verified row whose reconcile failure counter reached the threshold
	// WHEN: time passes
	// THEN: accrual is zero until the counter resets

	row := verifiedRow("cb", 1000, t0)
	row.ReconcileFailures = ledger.FreezeThreshold

	now := t0.Add(time.Hour)
	if !ledger.Frozen(row) {
		t.Fatal("row at failure threshold should be frozen")
	}
	decEq(t, decimal.Zero, ledger.AccruedSince(row, now), "accrued while tripped")

	row.ReconcileFailures = 0
	decEq(t, ledger.Gold(1000), ledger.AccruedSince(row, now), "accrued after reset")
}

func TestAccrual_ClockRegressionNeverShrinks(t *testing.T) {
	// GIVEN: a row anchored at t0 with a stored balance
	// WHEN: the clock reads earlier than the anchor
	// THEN: accrual clamps to zero; the balance never decreases

	row := verifiedRow("clk", 1000, t0)
	row.Balance = ledger.Gold(500)

	past := t0.Add(-2 * time.Hour)
	decEq(t, decimal.Zero, ledger.AccruedSince(row, past), "accrued with regressed clock")
	decEq(t, ledger.Gold(500), ledger.CurrentBalance(row, past), "balance with regressed clock")
}

func TestAccrual_ZeroRate(t *testing.T) {
	// GIVEN: a verified row with no assets
	// WHEN: time passes
	// THEN: nothing accrues

	row, err := ledger.NewRow(stakeAddr("zr"), nil, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row.Verified = true

	decEq(t, decimal.Zero, ledger.AccruedSince(row, t0.Add(24*time.Hour)), "accrued at zero rate")
}

// =============================================================================
// BALANCE CAP TESTS
// =============================================================================

func TestCurrentBalance_CappedAtFiftyThousand(t *testing.T) {
	// GIVEN: 48000 stored, earning 1000/hr
	// WHEN: 3 hours elapse
	// THEN: the displayed balance stops at the cap

	row := verifiedRow("cap", 1000, t0)
	row.Balance = ledger.Gold(48000)
	row.LifetimeEarned = ledger.Gold(48000)

	decEq(t, ledger.BalanceCap, ledger.CurrentBalance(row, t0.Add(3*time.Hour)), "capped balance")
}

func TestCurrentBalance_OverCapStoredValuePreserved(t *testing.T) {
	// GIVEN: a stored balance above the cap (written by a duplicate merge)
	// WHEN: reading the balance
	// THEN: the stored value is reported as-is, never clamped down

	row := verifiedRow("over", 1000, t0)
	row.Balance = ledger.Gold(60000)
	row.LifetimeEarned = ledger.Gold(60000)

	decEq(t, ledger.Gold(60000), ledger.CurrentBalance(row, t0.Add(time.Hour)), "over-cap balance")
}

func TestUncappedBalance_IgnoresCap(t *testing.T) {
	// GIVEN: 49000 stored, earning 1000/hr
	// WHEN: 5 hours elapse
	// THEN: the uncapped view reports the genuine accrual

	row := verifiedRow("unc", 1000, t0)
	row.Balance = ledger.Gold(49000)
	row.LifetimeEarned = ledger.Gold(49000)

	now := t0.Add(5 * time.Hour)
	decEq(t, ledger.Gold(54000), ledger.UncappedBalance(row, now), "uncapped balance")
	decEq(t, ledger.BalanceCap, ledger.CurrentBalance(row, now), "capped view of same row")
}
