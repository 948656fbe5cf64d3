/*
Package reconcile re-derives each account's earn rate from the external
ownership source and folds accrued gold through the mutator write path.

PURPOSE:
  Rates drift: NFTs are bought, sold, and leveled outside the engine.
  Reconciliation pulls current ownership, recomputes the per-wallet rate,
  anchors the accrued gold, and resets the failure counter - or, on
  upstream failure, increments the counter that eventually trips the
  accrual circuit breaker.

FAILURE DISCIPLINE:
  - A lookup error never erases data: the counter moves, nothing else.
  - "Zero assets" from upstream while the stored row has assets is
    treated as a lookup failure, not a true empty wallet. A transient
    upstream outage must not zero a real rate.
  - Accounts are fully independent: one failure never aborts the batch.
  - Every run, success or failure, persists an immutable RunRecord.
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/mektycoon/gold-engine/ledger"
)

// Source is the ownership collaborator contract. A non-nil error means
// the lookup itself failed; a nil error with an empty asset list means
// the wallet is genuinely empty.
type Source interface {
	FetchOwnedAssets(ctx context.Context, id ledger.AccountID) ([]ledger.OwnedAsset, error)
}

// RunRecord is the immutable audit record of one reconciliation run.
type RunRecord struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Scheduled bool      `json:"scheduled"`
	Total     int       `json:"total"`
	Updated   int       `json:"updated"`
	Errored   int       `json:"errored"`
	Skipped   int       `json:"skipped"`
	Status    string    `json:"status"`
}

// RunStore persists run records.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// Reconciler walks ledger rows and reconciles each against the source.
type Reconciler struct {
	Rows    ledger.RowStore
	Mutator *ledger.Mutator
	Source  Source
	Runs    RunStore
	Logger  *zap.Logger

	// MaxWorkers bounds the batch worker pool. Defaults to 4.
	MaxWorkers int

	// Now is swappable for tests.
	Now func() time.Time
}

func New(rows ledger.RowStore, mutator *ledger.Mutator, source Source, runs RunStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		Rows:       rows,
		Mutator:    mutator,
		Source:     source,
		Runs:       runs,
		Logger:     logger,
		MaxWorkers: 4,
		Now:        time.Now,
	}
}

// RunScheduled is the cron entry point. Rows inactive longer than the
// inactivity window are skipped for cost control.
func (rc *Reconciler) RunScheduled(ctx context.Context) (RunRecord, error) {
	return rc.run(ctx, true, true)
}

// RunAll reconciles every row on demand, with no inactivity skip.
func (rc *Reconciler) RunAll(ctx context.Context) (RunRecord, error) {
	return rc.run(ctx, false, false)
}

// RunAccount reconciles a single row on demand.
func (rc *Reconciler) RunAccount(ctx context.Context, id ledger.AccountID) error {
	row, err := rc.Rows.Get(ctx, id)
	if err != nil {
		return err
	}
	return rc.reconcileOne(ctx, row)
}

func (rc *Reconciler) run(ctx context.Context, scheduled, skipInactive bool) (RunRecord, error) {
	now := rc.Now()
	run := RunRecord{
		ID:        fmt.Sprintf("run-%d", now.UnixNano()),
		At:        now,
		Scheduled: scheduled,
		Status:    "running",
	}

	rows, err := rc.Rows.List(ctx)
	if err != nil {
		run.Status = "failed"
		rc.saveRun(ctx, run)
		return run, err
	}
	run.Total = len(rows)

	workers := rc.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	pool := pond.NewPool(workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	var updated, errored, skipped atomic.Int64

	cutoff := now.Add(-ledger.InactiveWindow)
	for _, row := range rows {
		row := row
		if skipInactive && row.LastActiveTime.Before(cutoff) {
			skipped.Add(1)
			continue
		}
		group.Submit(func() {
			if err := rc.reconcileOne(ctx, row); err != nil {
				// Per-account isolation: count and continue.
				errored.Add(1)
				rc.Logger.Warn("account reconciliation failed",
					zap.String("account", row.AccountID.Short()),
					zap.Error(err),
				)
				return
			}
			updated.Add(1)
		})
	}

	run.Status = "completed"
	if err := group.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, pond.ErrGroupStopped) {
			// Cancelled mid-batch: the counts below are partial.
			run.Status = "aborted"
		} else {
			rc.Logger.Warn("reconciliation batch wait", zap.Error(err))
		}
	}

	run.Updated = int(updated.Load())
	run.Errored = int(errored.Load())
	run.Skipped = int(skipped.Load())
	// The record must outlive a cancelled batch context.
	rc.saveRun(context.WithoutCancel(ctx), run)

	rc.Logger.Info("reconciliation run finished",
		zap.String("run", run.ID),
		zap.String("status", run.Status),
		zap.Bool("scheduled", scheduled),
		zap.Int("total", run.Total),
		zap.Int("updated", run.Updated),
		zap.Int("errored", run.Errored),
		zap.Int("skipped", run.Skipped),
	)
	return run, nil
}

// reconcileOne pulls ownership for one row and writes through the
// mutator path. Returns the reconciliation error kind on failure.
func (rc *Reconciler) reconcileOne(ctx context.Context, row *ledger.Row) error {
	fetched, err := rc.Source.FetchOwnedAssets(ctx, row.AccountID)
	if err != nil {
		rc.recordFailure(ctx, row.AccountID)
		return fmt.Errorf("%w: %v", ledger.ErrReconcileLookupFailed, err)
	}

	// Upstream says empty while we hold assets: implausible, treat as a
	// failed lookup and preserve the stored rate.
	if len(fetched) == 0 && row.AssetCount() > 0 {
		rc.recordFailure(ctx, row.AccountID)
		return fmt.Errorf("%w: source reported 0 assets, row has %d",
			ledger.ErrReconcileValidationFailed, row.AssetCount())
	}

	assets := rc.mergeKnownAssets(row, fetched)
	_, err = rc.Mutator.ApplyOwnership(ctx, row.AccountID, assets)
	return err
}

// mergeKnownAssets keeps the stored entry for assets already on the row,
// so locally tracked level boosts survive a reconciliation that only
// knows base ownership. New assets come in as fetched.
func (rc *Reconciler) mergeKnownAssets(row *ledger.Row, fetched []ledger.OwnedAsset) []ledger.OwnedAsset {
	known := make(map[string]ledger.OwnedAsset, row.AssetCount())
	for _, a := range row.OwnedAssets {
		known[a.AssetID] = a
	}
	out := make([]ledger.OwnedAsset, 0, len(fetched))
	for _, f := range fetched {
		if existing, ok := known[f.AssetID]; ok {
			out = append(out, existing)
			continue
		}
		out = append(out, f)
	}
	return out
}

func (rc *Reconciler) recordFailure(ctx context.Context, id ledger.AccountID) {
	row, err := rc.Mutator.RecordReconcileFailure(ctx, id)
	if err != nil {
		rc.Logger.Error("failed to record reconcile failure",
			zap.String("account", id.Short()), zap.Error(err))
		return
	}
	if row.ReconcileFailures == ledger.FreezeThreshold {
		// Operator alert: this wallet just stopped earning.
		rc.Logger.Error("accrual frozen: reconcile failure threshold reached",
			zap.String("account", id.Short()),
			zap.Int("consecutive_failures", row.ReconcileFailures),
		)
	}
}

func (rc *Reconciler) saveRun(ctx context.Context, run RunRecord) {
	if rc.Runs == nil {
		return
	}
	if err := rc.Runs.SaveRun(ctx, run); err != nil {
		rc.Logger.Error("failed to save run record", zap.String("run", run.ID), zap.Error(err))
	}
}
