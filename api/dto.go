/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal ledger model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Internally everything is decimal. DTOs carry float64 for client
  convenience; the conversion happens at this boundary only.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/mektycoon/gold-engine/ledger"
)

// =============================================================================
// ACCOUNT TYPES
// =============================================================================

// AssetDTO is one owned earning asset.
type AssetDTO struct {
	AssetID           string  `json:"asset_id"`
	Name              string  `json:"name,omitempty"`
	BaseRatePerHour   float64 `json:"base_rate_per_hour"`
	Level             int     `json:"level"`
	LevelBoostPerHour float64 `json:"level_boost_per_hour"`
	RarityRank        int     `json:"rarity_rank,omitempty"`
}

// RegisterAccountRequest creates a ledger row for a wallet.
type RegisterAccountRequest struct {
	AccountID string     `json:"account_id"`
	Assets    []AssetDTO `json:"assets,omitempty"`
}

// AccountDTO is the full row view returned by mutating endpoints.
type AccountDTO struct {
	AccountID         string     `json:"account_id"`
	Assets            []AssetDTO `json:"assets"`
	Balance           float64    `json:"balance"`
	LifetimeEarned    float64    `json:"lifetime_earned"`
	LifetimeSpent     float64    `json:"lifetime_spent"`
	RatePerHour       float64    `json:"rate_per_hour"`
	Verified          bool       `json:"verified"`
	Frozen            bool       `json:"frozen"`
	ReconcileFailures int        `json:"reconcile_failures"`
	Version           int64      `json:"version"`
	AnchorTime        string     `json:"anchor_time"`
	UpdatedAt         string     `json:"updated_at"`
}

// BalanceDTO is the lazy read view. Balance includes gold accrued since
// the last anchor; nothing is written to serve it.
type BalanceDTO struct {
	AccountID      string  `json:"account_id"`
	Balance        float64 `json:"balance"`
	RatePerHour    float64 `json:"rate_per_hour"`
	LifetimeEarned float64 `json:"lifetime_earned"`
	LifetimeSpent  float64 `json:"lifetime_spent"`
	Verified       bool    `json:"verified"`
	Frozen         bool    `json:"frozen"`
	Version        int64   `json:"version"`
	AsOf           string  `json:"as_of"`
}

// SpendRequest debits gold from a wallet.
type SpendRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason,omitempty"`
}

// AdjustRequest applies a manual admin correction (positive or negative).
type AdjustRequest struct {
	Delta  float64 `json:"delta"`
	Reason string  `json:"reason"`
}

// VerifyRequest flips the ownership verification gate.
type VerifyRequest struct {
	Verified bool `json:"verified"`
}

// =============================================================================
// AUDIT TYPES
// =============================================================================

// EventDTO is one audit trail entry.
type EventDTO struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	AccountID string          `json:"account_id"`
	Before    ledger.Snapshot `json:"before"`
	After     ledger.Snapshot `json:"after"`
	At        string          `json:"at"`
	Reason    string          `json:"reason,omitempty"`
}

// =============================================================================
// ADMIN TYPES
// =============================================================================

// MergeRequest merges duplicate rows sharing an account-id suffix.
type MergeRequest struct {
	Suffix string `json:"suffix"`
}

// ReconcileRequest triggers reconciliation for one account, or the full
// population when AccountID is empty.
type ReconcileRequest struct {
	AccountID string `json:"account_id,omitempty"`
}

// CreateBackupRequest starts a point-in-time export.
type CreateBackupRequest struct {
	Type  string `json:"type,omitempty"`
	Name  string `json:"name,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// RestoreResultDTO reports how many rows a restore wrote back.
type RestoreResultDTO struct {
	BackupID string `json:"backup_id"`
	Restored int    `json:"restored"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toAssetDTOs(assets []ledger.OwnedAsset) []AssetDTO {
	out := make([]AssetDTO, len(assets))
	for i, a := range assets {
		out[i] = AssetDTO{
			AssetID:           a.AssetID,
			Name:              a.Name,
			BaseRatePerHour:   a.BaseRatePerHour.InexactFloat64(),
			Level:             a.Level,
			LevelBoostPerHour: a.LevelBoostPerHour.InexactFloat64(),
			RarityRank:        a.RarityRank,
		}
	}
	return out
}

func fromAssetDTOs(assets []AssetDTO) []ledger.OwnedAsset {
	out := make([]ledger.OwnedAsset, len(assets))
	for i, a := range assets {
		out[i] = ledger.OwnedAsset{
			AssetID:           a.AssetID,
			Name:              a.Name,
			BaseRatePerHour:   ledger.Gold(a.BaseRatePerHour),
			Level:             a.Level,
			LevelBoostPerHour: ledger.Gold(a.LevelBoostPerHour),
			RarityRank:        a.RarityRank,
		}
	}
	return out
}

func toAccountDTO(row *ledger.Row) AccountDTO {
	return AccountDTO{
		AccountID:         string(row.AccountID),
		Assets:            toAssetDTOs(row.OwnedAssets),
		Balance:           row.Balance.InexactFloat64(),
		LifetimeEarned:    row.LifetimeEarned.InexactFloat64(),
		LifetimeSpent:     row.LifetimeSpent.InexactFloat64(),
		RatePerHour:       row.RatePerHour().InexactFloat64(),
		Verified:          row.Verified,
		Frozen:            ledger.Frozen(row),
		ReconcileFailures: row.ReconcileFailures,
		Version:           row.Version,
		AnchorTime:        row.SnapshotAnchorTime.Format(time.RFC3339),
		UpdatedAt:         row.UpdatedAt.Format(time.RFC3339),
	}
}

func toBalanceDTO(row *ledger.Row, now time.Time) BalanceDTO {
	return BalanceDTO{
		AccountID:      string(row.AccountID),
		Balance:        ledger.CurrentBalance(row, now).InexactFloat64(),
		RatePerHour:    row.RatePerHour().InexactFloat64(),
		LifetimeEarned: row.LifetimeEarned.Add(ledger.AccruedSince(row, now)).InexactFloat64(),
		LifetimeSpent:  row.LifetimeSpent.InexactFloat64(),
		Verified:       row.Verified,
		Frozen:         ledger.Frozen(row),
		Version:        row.Version,
		AsOf:           now.UTC().Format(time.RFC3339),
	}
}

func toEventDTO(ev ledger.Event) EventDTO {
	return EventDTO{
		ID:        ev.ID,
		Type:      string(ev.Type),
		AccountID: string(ev.AccountID),
		Before:    ev.Before,
		After:     ev.After,
		At:        ev.At.Format(time.RFC3339),
		Reason:    ev.Reason,
	}
}
