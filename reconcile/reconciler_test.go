package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mektycoon/gold-engine/ledger"
	"github.com/mektycoon/gold-engine/ledger/store"
	"github.com/mektycoon/gold-engine/reconcile"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

var t0 = time.Date(2026, time.March, 1, 2, 0, 0, 0, time.UTC)

// stubSource serves canned asset lists and injectable failures.
type stubSource struct {
	mu     sync.Mutex
	assets map[ledger.AccountID][]ledger.OwnedAsset
	fail   map[ledger.AccountID]error
}

func newStubSource() *stubSource {
	return &stubSource{
		assets: make(map[ledger.AccountID][]ledger.OwnedAsset),
		fail:   make(map[ledger.AccountID]error),
	}
}

func (s *stubSource) FetchOwnedAssets(_ context.Context, id ledger.AccountID) ([]ledger.OwnedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[id]; err != nil {
		return nil, err
	}
	return s.assets[id], nil
}

// memRuns is an in-memory RunStore.
type memRuns struct {
	mu   sync.Mutex
	runs []reconcile.RunRecord
}

func (m *memRuns) SaveRun(_ context.Context, run reconcile.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.runs {
		if r.ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRuns) ListRuns(_ context.Context, limit int) ([]reconcile.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]reconcile.RunRecord(nil), m.runs...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	rows       *store.Memory
	source     *stubSource
	runs       *memRuns
	mutator    *ledger.Mutator
	reconciler *reconcile.Reconciler
	clock      time.Time
}

func newHarness() *harness {
	h := &harness{
		rows:   store.NewMemory(),
		source: newStubSource(),
		runs:   &memRuns{},
		clock:  t0,
	}
	h.mutator = ledger.NewMutator(h.rows, store.NewMemoryAudit(), nil)
	h.mutator.Now = func() time.Time { return h.clock }
	h.reconciler = reconcile.New(h.rows, h.mutator, h.source, h.runs, nil)
	h.reconciler.Now = func() time.Time { return h.clock }
	return h
}

func stakeAddr(tag string) ledger.AccountID {
	pad := strings.Repeat("q", 50)
	return ledger.AccountID("stake1u" + pad[:43-len(tag)] + tag)
}

func mek(id string, rate float64) ledger.OwnedAsset {
	return ledger.OwnedAsset{AssetID: id, Name: "Mek " + id, BaseRatePerHour: ledger.Gold(rate)}
}

// wallet registers a verified wallet with the given assets, mirrored into
// the stub source.
func (h *harness) wallet(t *testing.T, tag string, assets ...ledger.OwnedAsset) ledger.AccountID {
	t.Helper()
	ctx := context.Background()
	id := stakeAddr(tag)
	if _, err := h.mutator.Register(ctx, id, assets); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.mutator.SetVerified(ctx, id, true); err != nil {
		t.Fatalf("verify: %v", err)
	}
	h.source.assets[id] = assets
	return id
}

// =============================================================================
// SINGLE-ACCOUNT RECONCILIATION
// =============================================================================

func TestReconcile_InstallsNewAssetsAndRates(t *testing.T) {
	// GIVEN: a wallet whose upstream ownership gained a second asset
	// WHEN: reconciled
	// THEN: the new asset and combined rate land on the row

	h := newHarness()
	ctx := context.Background()
	id := h.wallet(t, "grow", mek("m1", 100))
	h.source.assets[id] = []ledger.OwnedAsset{mek("m1", 100), mek("m2", 250)}

	if err := h.reconciler.RunAccount(ctx, id); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	row, _ := h.rows.Get(ctx, id)
	if row.AssetCount() != 2 {
		t.Fatalf("expected 2 assets, got %d", row.AssetCount())
	}
	if !row.RatePerHour().Equal(ledger.Gold(350)) {
		t.Errorf("expected rate 350, got %s", row.RatePerHour())
	}
}

func TestReconcile_PreservesLocallyTrackedLevels(t *testing.T) {
	// GIVEN: a stored asset carrying a level boost the source knows nothing about
	// WHEN: reconciled against base ownership
	// THEN: the stored entry survives; only genuinely new assets come in fresh

	h := newHarness()
	ctx := context.Background()
	leveled := mek("m1", 100)
	leveled.Level = 5
	leveled.LevelBoostPerHour = ledger.Gold(40)
	id := h.wallet(t, "lvl", leveled)

	h.source.assets[id] = []ledger.OwnedAsset{mek("m1", 100), mek("m2", 60)}

	if err := h.reconciler.RunAccount(ctx, id); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	row, _ := h.rows.Get(ctx, id)
	var found bool
	for _, a := range row.OwnedAssets {
		if a.AssetID == "m1" {
			found = true
			if a.Level != 5 || !a.LevelBoostPerHour.Equal(ledger.Gold(40)) {
				t.Errorf("stored level data lost: level=%d boost=%s", a.Level, a.LevelBoostPerHour)
			}
		}
	}
	if !found {
		t.Fatal("known asset missing after reconcile")
	}
}

func TestReconcile_CommitsAccrualAtOldRateFirst(t *testing.T) {
	// GIVEN: 2 hours of accrual at 100/hr, then upstream doubles the rate
	// WHEN: reconciled
	// THEN: the pending accrual is committed at the OLD rate before the
	//       new rate is installed

	h := newHarness()
	ctx := context.Background()
	id := h.wallet(t, "rate", mek("m1", 100))

	h.clock = h.clock.Add(2 * time.Hour)
	h.source.assets[id] = []ledger.OwnedAsset{mek("m1", 200)}

	if err := h.reconciler.RunAccount(ctx, id); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	row, _ := h.rows.Get(ctx, id)
	if !row.Balance.Equal(ledger.Gold(200)) {
		t.Errorf("expected 200 committed at old rate, got %s", row.Balance)
	}
	if !row.RatePerHour().Equal(ledger.Gold(200)) {
		t.Errorf("expected new rate 200, got %s", row.RatePerHour())
	}
}

// =============================================================================
// FAILURE HANDLING AND CIRCUIT BREAKER
// =============================================================================

func TestReconcile_LookupFailurePreservesRowAndCounts(t *testing.T) {
	// GIVEN: an upstream outage
	// WHEN: reconciliation runs
	// THEN: rates and balances are untouched, the failure counter moves

	h := newHarness()
	ctx := context.Background()
	id := h.wallet(t, "out", mek("m1", 100))
	h.source.fail[id] = fmt.Errorf("upstream timeout")

	err := h.reconciler.RunAccount(ctx, id)
	if !errors.Is(err, ledger.ErrReconcileLookupFailed) {
		t.Fatalf("expected lookup failure, got %v", err)
	}

	row, _ := h.rows.Get(ctx, id)
	if row.ReconcileFailures != 1 {
		t.Errorf("expected 1 failure, got %d", row.ReconcileFailures)
	}
	if !row.RatePerHour().Equal(ledger.Gold(100)) {
		t.Errorf("stored rate must survive an outage, got %s", row.RatePerHour())
	}
}

func TestReconcile_ZeroAssetsAgainstStoredAssetsIsRejected(t *testing.T) {
	// GIVEN: upstream reports an empty wallet while the row holds assets
	// WHEN: reconciled
	// THEN: treated as a validation failure, never as a genuine zeroing

	h := newHarness()
	ctx := context.Background()
	id := h.wallet(t, "zero", mek("m1", 100))
	h.source.assets[id] = nil

	err := h.reconciler.RunAccount(ctx, id)
	if !errors.Is(err, ledger.ErrReconcileValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}

	row, _ := h.rows.Get(ctx, id)
	if row.AssetCount() != 1 {
		t.Errorf("stored assets must survive, got %d", row.AssetCount())
	}
	if row.ReconcileFailures != 1 {
		t.Errorf("expected 1 failure, got %d", row.ReconcileFailures)
	}
}

func TestReconcile_GenuinelyEmptyWalletAccepted(t *testing.T) {
	// GIVEN: a wallet that never had assets, upstream agrees it is empty
	// WHEN: reconciled
	// THEN: no failure; the row simply stays at zero rate

	h := newHarness()
	ctx := context.Background()
	id := h.wallet(t, "empty")

	if err := h.reconciler.RunAccount(ctx, id); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	row, _ := h.rows.Get(ctx, id)
	if row.ReconcileFailures != 0 {
		t.Errorf("expected no failures, got %d", row.ReconcileFailures)
	}
}

func TestReconcile_ThreeConsecutiveFailuresFreeze(t *testing.T) {
	// GIVEN: three consecutive upstream failures
	// THEN: the circuit breaker trips and accrual freezes;
	//       one success afterwards resets the counter and thaws

	h := newHarness()
	ctx := context.Background()
	id := h.wallet(t, "trip", mek("m1", 100))
	h.source.fail[id] = fmt.Errorf("boom")

	for i := 0; i < ledger.FreezeThreshold; i++ {
		if err := h.reconciler.RunAccount(ctx, id); err == nil {
			t.Fatalf("attempt %d should fail", i+1)
		}
	}

	row, _ := h.rows.Get(ctx, id)
	if !ledger.Frozen(row) {
		t.Fatal("breaker should have tripped")
	}

	delete(h.source.fail, id)
	if err := h.reconciler.RunAccount(ctx, id); err != nil {
		t.Fatalf("recovery reconcile: %v", err)
	}
	row, _ = h.rows.Get(ctx, id)
	if ledger.Frozen(row) {
		t.Fatal("success should thaw the row")
	}
	if row.ReconcileFailures != 0 {
		t.Errorf("counter should reset, got %d", row.ReconcileFailures)
	}
}

// =============================================================================
// BATCH RUNS
// =============================================================================

func TestRunAll_CountsPerAccountOutcomes(t *testing.T) {
	// GIVEN: one healthy wallet and one failing wallet
	// WHEN: a full run executes
	// THEN: the run record counts one updated, one errored, and is saved

	h := newHarness()
	ctx := context.Background()
	h.wallet(t, "ok1", mek("m1", 100))
	bad := h.wallet(t, "bad1", mek("m2", 100))
	h.source.fail[bad] = fmt.Errorf("boom")

	run, err := h.reconciler.RunAll(ctx)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}

	if run.Total != 2 || run.Updated != 1 || run.Errored != 1 || run.Skipped != 0 {
		t.Errorf("unexpected counts: total=%d updated=%d errored=%d skipped=%d",
			run.Total, run.Updated, run.Errored, run.Skipped)
	}
	if run.Status != "completed" {
		t.Errorf("expected completed, got %s", run.Status)
	}

	saved, _ := h.runs.ListRuns(ctx, 0)
	if len(saved) != 1 || saved[0].Updated != 1 {
		t.Error("run record should be persisted with final counts")
	}
}

func TestRunScheduled_SkipsInactiveWallets(t *testing.T) {
	// GIVEN: a wallet idle for longer than the inactivity window
	// WHEN: the scheduled run executes
	// THEN: it is skipped; an on-demand full run still covers it

	h := newHarness()
	ctx := context.Background()
	h.wallet(t, "act", mek("m1", 100))
	idle := h.wallet(t, "idle", mek("m2", 100))

	// Age the idle wallet past the window.
	row, _ := h.rows.Get(ctx, idle)
	row.LastActiveTime = t0.Add(-ledger.InactiveWindow - time.Hour)
	if err := h.rows.Update(ctx, row, row.Version); err != nil {
		t.Fatalf("age row: %v", err)
	}

	run, err := h.reconciler.RunScheduled(ctx)
	if err != nil {
		t.Fatalf("scheduled run: %v", err)
	}
	if run.Skipped != 1 || run.Updated != 1 {
		t.Errorf("expected 1 skipped 1 updated, got skipped=%d updated=%d", run.Skipped, run.Updated)
	}
	if !run.Scheduled {
		t.Error("run record should be marked scheduled")
	}

	full, err := h.reconciler.RunAll(ctx)
	if err != nil {
		t.Fatalf("full run: %v", err)
	}
	if full.Skipped != 0 || full.Updated != 2 {
		t.Errorf("on-demand run must not skip: skipped=%d updated=%d", full.Skipped, full.Updated)
	}
}

func TestRunScheduled_StaysSkippedAfterEngineReconcile(t *testing.T) {
	// GIVEN: a wallet idle past the window, reconciled by an on-demand run
	// WHEN: the next scheduled run executes
	// THEN: the engine's own write did not refresh its activity clock, so
	//       it is skipped again

	h := newHarness()
	ctx := context.Background()
	idle := h.wallet(t, "cold", mek("m1", 100))

	row, _ := h.rows.Get(ctx, idle)
	row.LastActiveTime = t0.Add(-ledger.InactiveWindow - 24*time.Hour)
	if err := h.rows.Update(ctx, row, row.Version); err != nil {
		t.Fatalf("age row: %v", err)
	}

	if err := h.reconciler.RunAccount(ctx, idle); err != nil {
		t.Fatalf("on-demand reconcile: %v", err)
	}

	run, err := h.reconciler.RunScheduled(ctx)
	if err != nil {
		t.Fatalf("scheduled run: %v", err)
	}
	if run.Skipped != 1 || run.Updated != 0 {
		t.Errorf("engine write must not revive an idle wallet: skipped=%d updated=%d",
			run.Skipped, run.Updated)
	}
}

func TestRun_CancelledBatchRecordsAborted(t *testing.T) {
	// GIVEN: a run whose context is already cancelled
	// WHEN: the batch finishes
	// THEN: the persisted record says aborted, not completed

	h := newHarness()
	h.wallet(t, "abrt", mek("m1", 100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.reconciler.RunAll(ctx)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if run.Status != "aborted" {
		t.Fatalf("expected aborted, got %q", run.Status)
	}

	saved, _ := h.runs.ListRuns(context.Background(), 0)
	if len(saved) != 1 || saved[0].Status != "aborted" {
		t.Error("aborted status should be persisted")
	}
}
