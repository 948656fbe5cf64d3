package ledger

import (
	"strings"
	"time"
)

// =============================================================================
// ACCOUNT IDENTIFIER VALIDATION + ROW LIFECYCLE
// =============================================================================

// Only canonical stake addresses are accepted as account identifiers.
// Payment addresses (addr1...) and raw hex forms are how duplicate rows
// were born in the first place, so they are rejected at creation.
const (
	stakePrefix      = "stake1"
	minStakeAddrLen  = 50
)

// ValidAccountID reports whether id is in canonical stake-address form.
func ValidAccountID(id AccountID) bool {
	s := string(id)
	if !strings.HasPrefix(s, stakePrefix) {
		return false
	}
	return len(s) >= minStakeAddrLen
}

// NewRow creates a fresh ledger row for an account that just registered
// ownership data. All counters start at zero and the row is unverified,
// so no gold accrues until verification succeeds.
func NewRow(id AccountID, assets []OwnedAsset, now time.Time) (*Row, error) {
	if !ValidAccountID(id) {
		return nil, &AccountFormError{AccountID: id}
	}
	base, boost := RatesFromAssets(assets)
	return &Row{
		AccountID:          id,
		OwnedAssets:        append([]OwnedAsset(nil), assets...),
		BaseRatePerHour:    base,
		BoostRatePerHour:   boost,
		SnapshotAnchorTime: now,
		LastActiveTime:     now,
		Verified:           false,
		Version:            0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}
