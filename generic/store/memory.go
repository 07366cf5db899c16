// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps deep copies of every document so callers can never mutate
// stored state through a returned pointer.
type Memory struct {
	mu      sync.RWMutex
	items   map[generic.SourceID]generic.SourceItem
	returns map[generic.ReturnID]*generic.ReturnRequest
	stays   map[generic.StayID]*generic.InpatientStay
}

func NewMemory() *Memory {
	return &Memory{
		items:   make(map[generic.SourceID]generic.SourceItem),
		returns: make(map[generic.ReturnID]*generic.ReturnRequest),
		stays:   make(map[generic.StayID]*generic.InpatientStay),
	}
}

func (m *Memory) ListSourceItems(_ context.Context, filter generic.SourceFilter) ([]generic.SourceItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSourceItemsLocked(filter), nil
}

func (m *Memory) GetSourceItem(_ context.Context, id generic.SourceID) (*generic.SourceItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSourceItemLocked(id)
}

func (m *Memory) SaveSourceItem(_ context.Context, item generic.SourceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item.Clone()
	return nil
}

func (m *Memory) IncrementConsumed(_ context.Context, id generic.SourceID, expected, delta generic.Quantity) (*generic.SourceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementLocked(id, expected, delta)
}

func (m *Memory) SaveReturnRequest(_ context.Context, r *generic.ReturnRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returns[r.ID] = r.Clone()
	return nil
}

func (m *Memory) GetReturnRequest(_ context.Context, id generic.ReturnID) (*generic.ReturnRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReturnLocked(id)
}

func (m *Memory) ListReturnRequests(_ context.Context, filter generic.ReturnFilter) ([]*generic.ReturnRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listReturnsLocked(filter), nil
}

func (m *Memory) SaveStay(_ context.Context, stay *generic.InpatientStay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stays[stay.ID] = stay.Clone()
	return nil
}

func (m *Memory) GetStay(_ context.Context, id generic.StayID) (*generic.InpatientStay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getStayLocked(id)
}

func (m *Memory) ListStays(_ context.Context, patientID generic.PatientID) ([]*generic.InpatientStay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listStaysLocked(patientID), nil
}

// =============================================================================
// LOCKED HELPERS - Caller holds mu
// =============================================================================

func (m *Memory) listSourceItemsLocked(filter generic.SourceFilter) []generic.SourceItem {
	var result []generic.SourceItem
	for _, item := range m.items {
		if filter.Matches(item) {
			result = append(result, item.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) getSourceItemLocked(id generic.SourceID) (*generic.SourceItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrSourceItemNotFound, id)
	}
	c := item.Clone()
	return &c, nil
}

func (m *Memory) incrementLocked(id generic.SourceID, expected, delta generic.Quantity) (*generic.SourceItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrSourceItemNotFound, id)
	}
	if item.Consumed != expected || item.Consumed+delta > item.Prescribed {
		return nil, fmt.Errorf("%w: source item %s", generic.ErrConcurrentModification, id)
	}
	item.Consumed += delta
	item.Status = generic.StatusFor(item.Prescribed, item.Consumed)
	m.items[id] = item
	c := item.Clone()
	return &c, nil
}

func (m *Memory) getReturnLocked(id generic.ReturnID) (*generic.ReturnRequest, error) {
	r, ok := m.returns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrReturnNotFound, id)
	}
	return r.Clone(), nil
}

func (m *Memory) listReturnsLocked(filter generic.ReturnFilter) []*generic.ReturnRequest {
	var result []*generic.ReturnRequest
	for _, r := range m.returns {
		if filter.Matches(r) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) getStayLocked(id generic.StayID) (*generic.InpatientStay, error) {
	s, ok := m.stays[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrStayNotFound, id)
	}
	return s.Clone(), nil
}

func (m *Memory) listStaysLocked(patientID generic.PatientID) []*generic.InpatientStay {
	var result []*generic.InpatientStay
	for _, s := range m.stays {
		if patientID == "" || s.PatientID == patientID {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions serialize.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

// Stored values are replaced on write, never mutated, so copying the maps
// is enough for a snapshot.
func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		items:   make(map[generic.SourceID]generic.SourceItem, len(tm.items)),
		returns: make(map[generic.ReturnID]*generic.ReturnRequest, len(tm.returns)),
		stays:   make(map[generic.StayID]*generic.InpatientStay, len(tm.stays)),
	}
	for k, v := range tm.items {
		s.items[k] = v
	}
	for k, v := range tm.returns {
		s.returns[k] = v
	}
	for k, v := range tm.stays {
		s.stays[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.items = s.items
	tm.returns = s.returns
	tm.stays = s.stays
}

type memorySnapshot struct {
	items   map[generic.SourceID]generic.SourceItem
	returns map[generic.ReturnID]*generic.ReturnRequest
	stays   map[generic.StayID]*generic.InpatientStay
}

// txMemoryView runs under the parent's write lock and must not lock again.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) ListSourceItems(_ context.Context, filter generic.SourceFilter) ([]generic.SourceItem, error) {
	return tv.parent.listSourceItemsLocked(filter), nil
}

func (tv *txMemoryView) GetSourceItem(_ context.Context, id generic.SourceID) (*generic.SourceItem, error) {
	return tv.parent.getSourceItemLocked(id)
}

func (tv *txMemoryView) SaveSourceItem(_ context.Context, item generic.SourceItem) error {
	tv.parent.items[item.ID] = item.Clone()
	return nil
}

func (tv *txMemoryView) IncrementConsumed(_ context.Context, id generic.SourceID, expected, delta generic.Quantity) (*generic.SourceItem, error) {
	return tv.parent.incrementLocked(id, expected, delta)
}

func (tv *txMemoryView) SaveReturnRequest(_ context.Context, r *generic.ReturnRequest) error {
	tv.parent.returns[r.ID] = r.Clone()
	return nil
}

func (tv *txMemoryView) GetReturnRequest(_ context.Context, id generic.ReturnID) (*generic.ReturnRequest, error) {
	return tv.parent.getReturnLocked(id)
}

func (tv *txMemoryView) ListReturnRequests(_ context.Context, filter generic.ReturnFilter) ([]*generic.ReturnRequest, error) {
	return tv.parent.listReturnsLocked(filter), nil
}

func (tv *txMemoryView) SaveStay(_ context.Context, stay *generic.InpatientStay) error {
	tv.parent.stays[stay.ID] = stay.Clone()
	return nil
}

func (tv *txMemoryView) GetStay(_ context.Context, id generic.StayID) (*generic.InpatientStay, error) {
	return tv.parent.getStayLocked(id)
}

func (tv *txMemoryView) ListStays(_ context.Context, patientID generic.PatientID) ([]*generic.InpatientStay, error) {
	return tv.parent.listStaysLocked(patientID), nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// MemoryAudit is an append-only in-memory audit log.
type MemoryAudit struct {
	mu      sync.RWMutex
	entries []generic.AuditEntry
}

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (a *MemoryAudit) Append(_ context.Context, entry generic.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

// Query returns matching entries in append order.
func (a *MemoryAudit) Query(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var result []generic.AuditEntry
	for _, e := range a.entries {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}
