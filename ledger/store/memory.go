// Package store provides in-memory RowStore and AuditLog implementations
// for tests and development.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mektycoon/gold-engine/ledger"
)

// =============================================================================
// MEMORY ROW STORE
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	rows map[ledger.AccountID]*ledger.Row
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[ledger.AccountID]*ledger.Row)}
}

func (m *Memory) Create(_ context.Context, row *ledger.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[row.AccountID]; ok {
		return ledger.ErrAccountExists
	}
	m.rows[row.AccountID] = row.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id ledger.AccountID) (*ledger.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return row.Clone(), nil
}

// Update is the compare-and-swap commit: the stored version must still
// equal expectedVersion or nothing is written.
func (m *Memory) Update(_ context.Context, row *ledger.Row, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rows[row.AccountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if stored.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	m.rows[row.AccountID] = row.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, id ledger.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return ledger.ErrAccountNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *Memory) List(_ context.Context) ([]*ledger.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ledger.Row, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// =============================================================================
// MEMORY AUDIT LOG
// =============================================================================

type MemoryAudit struct {
	mu     sync.RWMutex
	events []ledger.Event
}

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (m *MemoryAudit) Append(_ context.Context, ev ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Query returns matching events newest first.
func (m *MemoryAudit) Query(_ context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if filter.AccountID != nil && ev.AccountID != *filter.AccountID {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, ev.Type) {
			continue
		}
		if filter.From != nil && ev.At.Before(*filter.From) {
			continue
		}
		if filter.To != nil && ev.At.After(*filter.To) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func containsType(types []ledger.EventType, t ledger.EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
