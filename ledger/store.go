/*
store.go - Persistence interfaces for ledger rows and audit events

PURPOSE:
  Defines the boundary between the engine and the database. The write
  contract is compare-and-swap: Update persists a row only if the stored
  version still matches the version observed at the start of the attempt.
  No lock is ever held across a storage boundary.

IMPLEMENTATIONS:
  - store/sqlite: production store (CAS via conditional UPDATE)
  - ledger/store: in-memory store for tests and development
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ROW STORE
// =============================================================================

// RowStore persists ledger rows with optimistic concurrency.
type RowStore interface {
	// Create inserts a new row. Fails with ErrAccountExists if one
	// already exists for the account.
	Create(ctx context.Context, row *Row) error

	// Get returns the row for an account, or ErrAccountNotFound.
	Get(ctx context.Context, id AccountID) (*Row, error)

	// Update persists row if and only if the stored version equals
	// expectedVersion; otherwise it fails with ErrConcurrentModification
	// and writes nothing. The caller sets row.Version to
	// expectedVersion+1 before calling.
	Update(ctx context.Context, row *Row, expectedVersion int64) error

	// Delete removes a row. Only merges and explicit administrative
	// removal call this.
	Delete(ctx context.Context, id AccountID) error

	// List returns all rows.
	List(ctx context.Context) ([]*Row, error)
}

// =============================================================================
// AUDIT EVENTS
// =============================================================================

type EventType string

const (
	EventCreate    EventType = "create"
	EventEarn      EventType = "earn"
	EventSpend     EventType = "spend"
	EventAdjust    EventType = "adjust"
	EventReconcile EventType = "reconcile"
	EventMerge     EventType = "merge"
	EventRepair    EventType = "repair"
	EventRestore   EventType = "restore"
)

// Event is an immutable audit record emitted on every mutation. The
// engine does not require the sink to acknowledge; append failures are
// logged by the caller and never fail the mutation itself.
type Event struct {
	ID        string
	Type      EventType
	AccountID AccountID
	Before    Snapshot
	After     Snapshot
	At        time.Time
	Reason    string
}

// AuditLog stores events. Append-only.
type AuditLog interface {
	Append(ctx context.Context, ev Event) error
	Query(ctx context.Context, filter EventFilter) ([]Event, error)
}

type EventFilter struct {
	AccountID *AccountID
	Types     []EventType
	From      *time.Time
	To        *time.Time
	Limit     int
}
