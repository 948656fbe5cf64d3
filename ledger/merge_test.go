package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/mektycoon/gold-engine/ledger"
	"github.com/mektycoon/gold-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newResolver() (*ledger.Resolver, *store.Memory) {
	rows := store.NewMemory()
	r := ledger.NewResolver(rows, store.NewMemoryAudit(), nil)
	r.Now = func() time.Time { return t0 }
	return r, rows
}

// seed creates a verified row with given counters, anchored at t0 so no
// extra accrual folds in during the merge.
func seed(t *testing.T, rows *store.Memory, tag string, rate, balance, earned, spent float64, createdAt time.Time) *ledger.Row {
	t.Helper()
	row := verifiedRow(tag, rate, t0)
	row.Balance = ledger.Gold(balance)
	row.LifetimeEarned = ledger.Gold(earned)
	row.LifetimeSpent = ledger.Gold(spent)
	row.CreatedAt = createdAt
	if err := rows.Create(context.Background(), row); err != nil {
		t.Fatalf("seed %s: %v", tag, err)
	}
	return row
}

// =============================================================================
// DUPLICATE DETECTION
// =============================================================================

func TestFindDuplicates_GroupsByFingerprint(t *testing.T) {
	// GIVEN: two wallets with identical (assetCount, rate) and one distinct
	// WHEN: scanning for duplicates
	// THEN: exactly one group with the two matching rows

	r, rows := newResolver()
	seed(t, rows, "fa", 1000, 100, 100, 0, t0)
	seed(t, rows, "fb", 1000, 200, 200, 0, t0)
	seed(t, rows, "fc", 750, 300, 300, 0, t0)

	groups, err := r.FindDuplicates(context.Background())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if len(groups[0].Rows) != 2 {
		t.Fatalf("expected 2 rows in group, got %d", len(groups[0].Rows))
	}
}

func TestFindDuplicates_IgnoresEmptyWallets(t *testing.T) {
	// GIVEN: two zero-asset wallets (identical empty fingerprints)
	// THEN: no duplicate group is reported

	r, rows := newResolver()
	for _, tag := range []string{"ea", "eb"} {
		row, err := ledger.NewRow(stakeAddr(tag), nil, t0)
		if err != nil {
			t.Fatalf("new row: %v", err)
		}
		if err := rows.Create(context.Background(), row); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	groups, err := r.FindDuplicates(context.Background())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no groups for empty wallets, got %d", len(groups))
	}
}

// =============================================================================
// MERGING
// =============================================================================

func TestMergeGroup_ConservesEveryCounter(t *testing.T) {
	// GIVEN: three duplicate rows with distinct counters
	// WHEN: merged
	// THEN: the survivor holds the exact sums and the losers are gone

	r, rows := newResolver()
	ctx := context.Background()
	a := seed(t, rows, "ma", 1000, 100, 150, 50, t0.Add(-3*time.Hour))
	b := seed(t, rows, "mb", 1000, 200, 200, 0, t0.Add(-2*time.Hour))
	c := seed(t, rows, "mc", 1000, 300, 400, 100, t0.Add(-1*time.Hour))

	merged, err := r.MergeGroup(ctx, []*ledger.Row{a, b, c})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	decEq(t, ledger.Gold(600), merged.Balance, "summed balance")
	decEq(t, ledger.Gold(750), merged.LifetimeEarned, "summed lifetime earned")
	decEq(t, ledger.Gold(150), merged.LifetimeSpent, "summed lifetime spent")
	if err := ledger.Validate(merged); err != nil {
		t.Fatalf("merged row should validate: %v", err)
	}

	// Oldest row survives; the others were deleted.
	if merged.AccountID != a.AccountID {
		t.Errorf("expected oldest row %s to survive, got %s", a.AccountID.Short(), merged.AccountID.Short())
	}
	for _, id := range []ledger.AccountID{b.AccountID, c.AccountID} {
		if _, err := rows.Get(ctx, id); !ledger.IsNotFound(err) {
			t.Errorf("absorbed row %s should be deleted", id.Short())
		}
	}
}

func TestMergeGroup_SumsPastTheCapWithoutLoss(t *testing.T) {
	// GIVEN: two rows each near the cap
	// WHEN: merged
	// THEN: the survivor holds the full uncapped sum

	r, rows := newResolver()
	a := seed(t, rows, "ca", 500, 40000, 40000, 0, t0.Add(-2*time.Hour))
	b := seed(t, rows, "cb", 500, 45000, 45000, 0, t0.Add(-1*time.Hour))

	merged, err := r.MergeGroup(context.Background(), []*ledger.Row{a, b})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	decEq(t, ledger.Gold(85000), merged.Balance, "uncapped merged balance")
}

func TestMergeGroup_FoldsUnanchoredAccrual(t *testing.T) {
	// GIVEN: rows whose anchors lag behind the merge instant
	// WHEN: merged
	// THEN: accrual since each anchor is folded in before summing

	r, rows := newResolver()
	a := seed(t, rows, "fa2", 1000, 100, 100, 0, t0.Add(-5*time.Hour))
	b := seed(t, rows, "fb2", 1000, 200, 200, 0, t0.Add(-4*time.Hour))
	a.SnapshotAnchorTime = t0.Add(-2 * time.Hour) // 2000 pending
	b.SnapshotAnchorTime = t0.Add(-1 * time.Hour) // 1000 pending
	ctx := context.Background()
	if err := rows.Update(ctx, a, a.Version); err != nil {
		t.Fatalf("update a: %v", err)
	}
	if err := rows.Update(ctx, b, b.Version); err != nil {
		t.Fatalf("update b: %v", err)
	}

	merged, err := r.MergeGroup(ctx, []*ledger.Row{a, b})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	decEq(t, ledger.Gold(3300), merged.Balance, "balance with folded accrual")
}

func TestMergeGroup_TakesRichestAssetSnapshot(t *testing.T) {
	// GIVEN: the oldest row has one asset, a newer duplicate has three
	// WHEN: merged
	// THEN: the survivor keeps the richer asset list and its rates

	r, rows := newResolver()
	old := seed(t, rows, "ra", 100, 10, 10, 0, t0.Add(-2*time.Hour))
	rich := verifiedRow("rb", 100, t0)
	rich.OwnedAssets = []ledger.OwnedAsset{asset("m1", 100), asset("m2", 200), asset("m3", 300)}
	rich.BaseRatePerHour = ledger.Gold(600)
	rich.CreatedAt = t0.Add(-1 * time.Hour)
	if err := rows.Create(context.Background(), rich); err != nil {
		t.Fatalf("create rich: %v", err)
	}

	merged, err := r.MergeGroup(context.Background(), []*ledger.Row{old, rich})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.AccountID != old.AccountID {
		t.Errorf("oldest row should survive")
	}
	if merged.AssetCount() != 3 {
		t.Errorf("expected 3 assets on survivor, got %d", merged.AssetCount())
	}
	decEq(t, ledger.Gold(600), merged.RatePerHour(), "rate from richest snapshot")
}

func TestMergeGroup_RequiresTwoRows(t *testing.T) {
	r, rows := newResolver()
	only := seed(t, rows, "solo", 100, 10, 10, 0, t0)
	if _, err := r.MergeGroup(context.Background(), []*ledger.Row{only}); err == nil {
		t.Fatal("expected error merging a single row")
	}
}

// =============================================================================
// SUFFIX MERGE
// =============================================================================

func TestMergeBySuffix(t *testing.T) {
	// GIVEN: two rows sharing a trailing fragment and one that does not
	// WHEN: merging by that suffix
	// THEN: only the matching rows are merged

	r, rows := newResolver()
	ctx := context.Background()
	seed(t, rows, "xyz77", 100, 10, 10, 0, t0.Add(-2*time.Hour))
	seed(t, rows, "abz77", 200, 20, 20, 0, t0.Add(-1*time.Hour))
	other := seed(t, rows, "keep1", 300, 30, 30, 0, t0)

	merged, err := r.MergeBySuffix(ctx, "z77")
	if err != nil {
		t.Fatalf("merge by suffix: %v", err)
	}
	decEq(t, ledger.Gold(30), merged.Balance, "merged balance")

	if _, err := rows.Get(ctx, other.AccountID); err != nil {
		t.Errorf("non-matching row must survive: %v", err)
	}

	if _, err := r.MergeBySuffix(ctx, "nomatch"); err == nil {
		t.Fatal("expected error when suffix matches fewer than two rows")
	}
}
