/*
Package archive provides point-in-time export and restore of all ledger
rows for disaster recovery.

A backup is consistent as-of its creation instant: every exported balance
is computed through the accrual calculator, not copied stale from
storage. Backups are immutable once created. Restoring always resets the
snapshot anchor to "now" on write-back, so restored rows never replay
accrual for the gap between backup and restore.

Retention: backups older than the configured horizon are purged together
with their per-account rows. A backup referenced by an in-progress
restore cannot be purged.
*/
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mektycoon/gold-engine/ledger"
)

// DefaultRetention is the purge horizon for old backups.
const DefaultRetention = 30 * 24 * time.Hour

type BackupType string

const (
	BackupManual       BackupType = "manual"
	BackupAutoDaily    BackupType = "auto_daily"
	BackupPreMigration BackupType = "pre_migration"
	BackupEmergency    BackupType = "emergency"
)

// Backup is the header record of one export.
type Backup struct {
	ID       string     `json:"id"`
	Name     string     `json:"name,omitempty"`
	Type     BackupType `json:"type"`
	At       time.Time  `json:"at"`
	RowCount int        `json:"row_count"`
	Notes    string     `json:"notes,omitempty"`
}

// BackupRow is one wallet's exported gold state.
type BackupRow struct {
	BackupID       string           `json:"backup_id"`
	AccountID      ledger.AccountID `json:"account_id"`
	Balance        decimal.Decimal  `json:"balance"`
	RatePerHour    decimal.Decimal  `json:"rate_per_hour"`
	LifetimeEarned decimal.Decimal  `json:"lifetime_earned"`
	LifetimeSpent  decimal.Decimal  `json:"lifetime_spent"`
	AssetCount     int              `json:"asset_count"`
	AnchorTime     time.Time        `json:"anchor_time"`
	Verified       bool             `json:"verified"`
}

// BackupStore persists backups. Immutable once saved.
type BackupStore interface {
	SaveBackup(ctx context.Context, backup Backup, rows []BackupRow) error
	GetBackup(ctx context.Context, id string) (Backup, []BackupRow, error)
	ListBackups(ctx context.Context, limit int) ([]Backup, error)
	DeleteBackup(ctx context.Context, id string) error
}

// Archive creates, restores, and purges backups.
type Archive struct {
	Rows      ledger.RowStore
	Backups   BackupStore
	Audit     ledger.AuditLog
	Logger    *zap.Logger
	Retention time.Duration
	Now       func() time.Time

	mu        sync.Mutex
	restoring map[string]bool
}

func New(rows ledger.RowStore, backups BackupStore, audit ledger.AuditLog, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{
		Rows:      rows,
		Backups:   backups,
		Audit:     audit,
		Logger:    logger,
		Retention: DefaultRetention,
		Now:       time.Now,
		restoring: make(map[string]bool),
	}
}

// Create exports every ledger row as of now.
func (a *Archive) Create(ctx context.Context, typ BackupType, name, notes string) (Backup, error) {
	now := a.Now()
	rows, err := a.Rows.List(ctx)
	if err != nil {
		return Backup{}, err
	}

	backup := Backup{
		ID:       fmt.Sprintf("backup-%d", now.UnixNano()),
		Name:     name,
		Type:     typ,
		At:       now,
		RowCount: len(rows),
		Notes:    notes,
	}

	exported := make([]BackupRow, 0, len(rows))
	for _, row := range rows {
		exported = append(exported, BackupRow{
			BackupID:       backup.ID,
			AccountID:      row.AccountID,
			Balance:        ledger.CurrentBalance(row, now),
			RatePerHour:    row.RatePerHour(),
			LifetimeEarned: row.LifetimeEarned.Add(ledger.AccruedSince(row, now)),
			LifetimeSpent:  row.LifetimeSpent,
			AssetCount:     row.AssetCount(),
			AnchorTime:     row.SnapshotAnchorTime,
			Verified:       row.Verified,
		})
	}

	if err := a.Backups.SaveBackup(ctx, backup, exported); err != nil {
		return Backup{}, err
	}

	a.Logger.Info("backup created",
		zap.String("backup", backup.ID),
		zap.String("type", string(typ)),
		zap.Int("rows", backup.RowCount),
	)
	return backup, nil
}

// Restore writes a backup's rows back over the live ledger. Anchors are
// reset to now; versions advance through the normal CAS path.
func (a *Archive) Restore(ctx context.Context, backupID string) (int, error) {
	if !a.markRestoring(backupID) {
		return 0, fmt.Errorf("backup %s: restore already in progress", backupID)
	}
	defer a.unmarkRestoring(backupID)

	backup, rows, err := a.Backups.GetBackup(ctx, backupID)
	if err != nil {
		return 0, err
	}

	now := a.Now()
	restored := 0
	for _, br := range rows {
		if err := a.restoreRow(ctx, br, now); err != nil {
			a.Logger.Error("row restore failed",
				zap.String("backup", backup.ID),
				zap.String("account", br.AccountID.Short()),
				zap.Error(err),
			)
			continue
		}
		restored++
	}

	a.Logger.Info("backup restored",
		zap.String("backup", backup.ID),
		zap.Int("restored", restored),
		zap.Int("total", len(rows)),
	)
	return restored, nil
}

func (a *Archive) restoreRow(ctx context.Context, br BackupRow, now time.Time) error {
	row, err := a.Rows.Get(ctx, br.AccountID)
	if err != nil {
		if !ledger.IsNotFound(err) {
			return err
		}
		row, err = ledger.NewRow(br.AccountID, nil, now)
		if err != nil {
			return err
		}
		if err := a.Rows.Create(ctx, row); err != nil {
			return err
		}
	}

	expected := row.Version
	before := ledger.Snap(row)

	row = row.Clone()
	row.Balance = br.Balance
	row.LifetimeEarned = br.LifetimeEarned
	row.LifetimeSpent = br.LifetimeSpent
	row.BaseRatePerHour = br.RatePerHour
	row.BoostRatePerHour = decimal.Zero
	row.Verified = br.Verified
	row.SnapshotAnchorTime = now
	row.UpdatedAt = now
	row.Version = expected + 1

	if err := ledger.Validate(row); err != nil {
		return err
	}
	if err := a.Rows.Update(ctx, row, expected); err != nil {
		return err
	}

	if a.Audit != nil {
		ev := ledger.Event{
			ID:        fmt.Sprintf("restore-%s-%d", br.AccountID.Suffix(8), now.UnixNano()),
			Type:      ledger.EventRestore,
			AccountID: br.AccountID,
			Before:    before,
			After:     ledger.Snap(row),
			At:        now,
			Reason:    "restored from " + br.BackupID,
		}
		if err := a.Audit.Append(ctx, ev); err != nil {
			a.Logger.Warn("audit append failed", zap.String("event", ev.ID), zap.Error(err))
		}
	}
	return nil
}

// Purge deletes backups older than the retention horizon. Backups with a
// restore in flight are refused with ErrBackupInUse and left alone.
func (a *Archive) Purge(ctx context.Context) (int, error) {
	cutoff := a.Now().Add(-a.Retention)
	backups, err := a.Backups.ListBackups(ctx, 0)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, b := range backups {
		if !b.At.Before(cutoff) {
			continue
		}
		if a.isRestoring(b.ID) {
			a.Logger.Warn("purge skipped: backup in use", zap.String("backup", b.ID))
			continue
		}
		if err := a.Backups.DeleteBackup(ctx, b.ID); err != nil {
			a.Logger.Error("backup purge failed", zap.String("backup", b.ID), zap.Error(err))
			continue
		}
		purged++
	}

	if purged > 0 {
		a.Logger.Info("old backups purged", zap.Int("purged", purged))
	}
	return purged, nil
}

// Delete removes a single backup regardless of age. Disallowed while a
// restore references it.
func (a *Archive) Delete(ctx context.Context, id string) error {
	if a.isRestoring(id) {
		return fmt.Errorf("backup %s: %w", id, ledger.ErrBackupInUse)
	}
	return a.Backups.DeleteBackup(ctx, id)
}

func (a *Archive) markRestoring(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restoring[id] {
		return false
	}
	a.restoring[id] = true
	return true
}

func (a *Archive) unmarkRestoring(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.restoring, id)
}

func (a *Archive) isRestoring(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restoring[id]
}
