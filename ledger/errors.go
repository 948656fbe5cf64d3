/*
errors.go - Centralized error types for the gold engine

PURPOSE:
  All error kinds in one place. Other packages wrap these with context;
  the HTTP layer maps them to status codes.

ERROR CATEGORIES:
  1. Client errors - invalid input, insufficient funds (no retry)
  2. Retryable errors - optimistic concurrency conflicts
  3. Fatal errors - invariant violations (mutation aborted, never committed)
  4. Reconciliation errors - upstream failures, isolated per account

USAGE:
    if errors.Is(err, ledger.ErrConcurrentModification) {
        // re-fetch and retry
    }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAccountForm is returned when an account identifier is not
	// a canonical stake address. Row creation is refused.
	ErrInvalidAccountForm = errors.New("account identifier is not in canonical stake form")

	// ErrNegativeAmount is returned when an earn or spend amount is
	// negative. Callers must use the opposite operation instead.
	ErrNegativeAmount = errors.New("amount must not be negative")

	// ErrInsufficientBalance is returned when a spend exceeds the accrued
	// balance. Surfaced to the caller, no retry.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when the version check fails
	// at commit time. Retryable: the caller re-fetches and retries.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvariantViolation is returned when the lifetime accounting
	// relation fails after a computed mutation. Fatal: the mutation is
	// aborted and never committed.
	ErrInvariantViolation = errors.New("lifetime accounting invariant violated")

	// ErrReconcileLookupFailed is returned when the ownership source
	// could not be queried. Non-fatal; the failure counter increments and
	// existing data is preserved.
	ErrReconcileLookupFailed = errors.New("ownership lookup failed")

	// ErrReconcileValidationFailed is returned when the ownership source
	// reports implausible data (zero assets where the stored row has
	// assets). Treated exactly like a lookup failure.
	ErrReconcileValidationFailed = errors.New("ownership data failed validation")

	// ErrAccountNotFound is returned when no row exists for an account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating a row that already exists.
	ErrAccountExists = errors.New("account already exists")

	// ErrBackupNotFound is returned when a referenced backup doesn't exist.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrBackupInUse is returned when purging a backup that a restore
	// currently references.
	ErrBackupInUse = errors.New("backup is referenced by an in-progress restore")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AccountFormError reports the rejected identifier.
type AccountFormError struct {
	AccountID AccountID
}

func (e *AccountFormError) Error() string {
	return fmt.Sprintf("invalid account form: %q (want stake1... address)", e.AccountID.Short())
}

func (e *AccountFormError) Unwrap() error { return ErrInvalidAccountForm }

// InsufficientBalanceError details a balance shortage at spend time.
// Available is the uncapped, time-accrued balance at the instant of the
// spend attempt, not the last committed value.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InvariantViolationError details a broken accounting relation.
type InvariantViolationError struct {
	AccountID      AccountID
	LifetimeEarned decimal.Decimal
	Balance        decimal.Decimal
	LifetimeSpent  decimal.Decimal
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violated for %s: lifetime earned %s < balance %s + lifetime spent %s",
		e.AccountID.Short(), e.LifetimeEarned.StringFixed(2),
		e.Balance.StringFixed(2), e.LifetimeSpent.StringFixed(2))
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAccountForm) ||
		errors.Is(err, ErrNegativeAmount) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrBackupNotFound)
}
