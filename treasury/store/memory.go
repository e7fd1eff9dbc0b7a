// Package store provides the in-memory Repository implementation used by
// tests and dev servers. The production implementation lives in
// store/sqlite; both route every write through the snapshot lock guard.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/treasury-engine/treasury"
)

// =============================================================================
// MEMORY REPOSITORY
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	entities    map[treasury.EntityID]treasury.Entity
	snapshots   map[treasury.SnapshotID]treasury.Snapshot
	invoices    map[treasury.InvoiceID]treasury.Invoice
	bills       map[treasury.BillID]treasury.VendorBill
	txns        map[treasury.TransactionID]treasury.BankTransaction
	allocations map[treasury.AllocationID]treasury.MatchAllocation
	fxRates     map[treasury.SnapshotID][]treasury.WeeklyFXRate
	segStats    map[treasury.SnapshotID][]treasury.SegmentDelayStats
	calStats    map[treasury.SnapshotID][]treasury.CalibrationStats
	exceptions  map[treasury.BillID]treasury.PaymentRunException
	policies    []treasury.MatchingPolicy

	// canonical index: (snapshot, canonical_id) -> row id
	invoiceByCanonical map[canonicalKey]treasury.InvoiceID
	billByCanonical    map[canonicalKey]treasury.BillID

	advisory   map[treasury.SnapshotID]*sync.Mutex
	advisoryMu sync.Mutex
}

type canonicalKey struct {
	Snapshot  treasury.SnapshotID
	Canonical treasury.CanonicalID
}

func NewMemory() *Memory {
	return &Memory{
		entities:           make(map[treasury.EntityID]treasury.Entity),
		snapshots:          make(map[treasury.SnapshotID]treasury.Snapshot),
		invoices:           make(map[treasury.InvoiceID]treasury.Invoice),
		bills:              make(map[treasury.BillID]treasury.VendorBill),
		txns:               make(map[treasury.TransactionID]treasury.BankTransaction),
		allocations:        make(map[treasury.AllocationID]treasury.MatchAllocation),
		fxRates:            make(map[treasury.SnapshotID][]treasury.WeeklyFXRate),
		segStats:           make(map[treasury.SnapshotID][]treasury.SegmentDelayStats),
		calStats:           make(map[treasury.SnapshotID][]treasury.CalibrationStats),
		exceptions:         make(map[treasury.BillID]treasury.PaymentRunException),
		invoiceByCanonical: make(map[canonicalKey]treasury.InvoiceID),
		billByCanonical:    make(map[canonicalKey]treasury.BillID),
		advisory:           make(map[treasury.SnapshotID]*sync.Mutex),
	}
}

// guard rejects writes into LOCKED snapshots. Single choke point.
func (m *Memory) guard(ctx context.Context, id treasury.SnapshotID) error {
	return treasury.GuardWritable(ctx, m, id)
}

// =============================================================================
// ENTITIES
// =============================================================================

func (m *Memory) InsertEntity(_ context.Context, e *treasury.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = *e
	return nil
}

func (m *Memory) Entity(_ context.Context, id treasury.EntityID) (*treasury.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	out := e
	return &out, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) InsertSnapshot(_ context.Context, s *treasury.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.ID] = *s
	return nil
}

func (m *Memory) Snapshot(_ context.Context, id treasury.SnapshotID) (*treasury.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	out := s
	return &out, nil
}

// UpdateSnapshot applies the transition guard itself: an already-LOCKED
// snapshot admits no further change of any kind.
func (m *Memory) UpdateSnapshot(_ context.Context, s *treasury.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.snapshots[s.ID]
	if !ok {
		return treasury.ErrNotFound
	}
	if cur.Status == treasury.StatusLocked {
		return treasury.ErrSnapshotLocked
	}
	m.snapshots[s.ID] = *s
	return nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *Memory) InsertInvoice(ctx context.Context, inv *treasury.Invoice) error {
	if err := m.guard(ctx, inv.SnapshotID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = *inv
	m.invoiceByCanonical[canonicalKey{inv.SnapshotID, inv.CanonicalID}] = inv.ID
	return nil
}

func (m *Memory) UpdateInvoice(ctx context.Context, inv *treasury.Invoice) error {
	if err := m.guard(ctx, inv.SnapshotID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.ID]; !ok {
		return treasury.ErrNotFound
	}
	m.invoices[inv.ID] = *inv
	return nil
}

func (m *Memory) Invoice(_ context.Context, id treasury.InvoiceID) (*treasury.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	out := inv
	return &out, nil
}

func (m *Memory) InvoiceByCanonical(_ context.Context, sid treasury.SnapshotID, cid treasury.CanonicalID) (*treasury.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.invoiceByCanonical[canonicalKey{sid, cid}]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	inv := m.invoices[id]
	out := inv
	return &out, nil
}

func (m *Memory) Invoices(_ context.Context, sid treasury.SnapshotID) ([]*treasury.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*treasury.Invoice
	for _, inv := range m.invoices {
		if inv.SnapshotID == sid {
			out := inv
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// VENDOR BILLS
// =============================================================================

func (m *Memory) InsertBill(ctx context.Context, b *treasury.VendorBill) error {
	if err := m.guard(ctx, b.SnapshotID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bills[b.ID] = *b
	m.billByCanonical[canonicalKey{b.SnapshotID, b.CanonicalID}] = b.ID
	return nil
}

func (m *Memory) UpdateBill(ctx context.Context, b *treasury.VendorBill) error {
	if err := m.guard(ctx, b.SnapshotID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bills[b.ID]; !ok {
		return treasury.ErrNotFound
	}
	m.bills[b.ID] = *b
	return nil
}

func (m *Memory) Bill(_ context.Context, id treasury.BillID) (*treasury.VendorBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bills[id]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	out := b
	return &out, nil
}

func (m *Memory) BillByCanonical(_ context.Context, sid treasury.SnapshotID, cid treasury.CanonicalID) (*treasury.VendorBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.billByCanonical[canonicalKey{sid, cid}]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	b := m.bills[id]
	out := b
	return &out, nil
}

func (m *Memory) Bills(_ context.Context, sid treasury.SnapshotID) ([]*treasury.VendorBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*treasury.VendorBill
	for _, b := range m.bills {
		if b.SnapshotID == sid {
			out := b
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// BANK TRANSACTIONS
// =============================================================================

func (m *Memory) InsertTransaction(_ context.Context, t *treasury.BankTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[t.ID] = *t
	return nil
}

func (m *Memory) UpdateTransaction(_ context.Context, t *treasury.BankTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[t.ID]; !ok {
		return treasury.ErrNotFound
	}
	m.txns[t.ID] = *t
	return nil
}

func (m *Memory) Transaction(_ context.Context, id treasury.TransactionID) (*treasury.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	out := t
	return &out, nil
}

func (m *Memory) Transactions(_ context.Context, eid treasury.EntityID, from, to time.Time) ([]*treasury.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*treasury.BankTransaction
	for _, t := range m.txns {
		if t.EntityID != eid {
			continue
		}
		if !from.IsZero() && t.TransactionDate.Before(from) {
			continue
		}
		if !to.IsZero() && t.TransactionDate.After(to) {
			continue
		}
		out := t
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TransactionDate.Equal(result[j].TransactionDate) {
			return result[i].ID < result[j].ID
		}
		return result[i].TransactionDate.Before(result[j].TransactionDate)
	})
	return result, nil
}

// =============================================================================
// MATCH ALLOCATIONS
// =============================================================================

func (m *Memory) InsertAllocation(ctx context.Context, a *treasury.MatchAllocation) error {
	if err := m.guard(ctx, a.SnapshotID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations[a.ID] = *a
	return nil
}

func (m *Memory) UpdateAllocation(ctx context.Context, a *treasury.MatchAllocation) error {
	if err := m.guard(ctx, a.SnapshotID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allocations[a.ID]; !ok {
		return treasury.ErrNotFound
	}
	m.allocations[a.ID] = *a
	return nil
}

func (m *Memory) Allocation(_ context.Context, id treasury.AllocationID) (*treasury.MatchAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.allocations[id]
	if !ok {
		return nil, treasury.ErrNotFound
	}
	out := a
	return &out, nil
}

func (m *Memory) allocationsWhere(pred func(treasury.MatchAllocation) bool) []*treasury.MatchAllocation {
	var result []*treasury.MatchAllocation
	for _, a := range m.allocations {
		if pred(a) {
			out := a
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) AllocationsForTransaction(_ context.Context, id treasury.TransactionID) ([]*treasury.MatchAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocationsWhere(func(a treasury.MatchAllocation) bool { return a.TransactionID == id }), nil
}

func (m *Memory) AllocationsForInvoice(_ context.Context, id treasury.InvoiceID) ([]*treasury.MatchAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocationsWhere(func(a treasury.MatchAllocation) bool { return a.InvoiceID == id }), nil
}

func (m *Memory) AllocationsForBill(_ context.Context, id treasury.BillID) ([]*treasury.MatchAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocationsWhere(func(a treasury.MatchAllocation) bool { return a.BillID == id }), nil
}

func (m *Memory) AllocationsForSnapshot(_ context.Context, id treasury.SnapshotID) ([]*treasury.MatchAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocationsWhere(func(a treasury.MatchAllocation) bool { return a.SnapshotID == id }), nil
}

// =============================================================================
// FX RATES
// =============================================================================

func (m *Memory) InsertFXRate(ctx context.Context, r *treasury.WeeklyFXRate) error {
	if err := m.guard(ctx, r.SnapshotID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Uniqueness per (snapshot, from, to, week): replace in place.
	rates := m.fxRates[r.SnapshotID]
	for i, ex := range rates {
		if ex.FromCurrency == r.FromCurrency && ex.ToCurrency == r.ToCurrency &&
			ex.EffectiveWeekStart.Equal(r.EffectiveWeekStart) {
			rates[i] = *r
			return nil
		}
	}
	m.fxRates[r.SnapshotID] = append(rates, *r)
	return nil
}

func (m *Memory) FXRates(_ context.Context, sid treasury.SnapshotID) ([]*treasury.WeeklyFXRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rates := m.fxRates[sid]
	result := make([]*treasury.WeeklyFXRate, len(rates))
	for i := range rates {
		out := rates[i]
		result[i] = &out
	}
	return result, nil
}

// =============================================================================
// LEARNED STATS
// =============================================================================

func (m *Memory) SaveSegmentStats(ctx context.Context, sid treasury.SnapshotID, stats []*treasury.SegmentDelayStats) error {
	if err := m.guard(ctx, sid); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]treasury.SegmentDelayStats, len(stats))
	for i, s := range stats {
		rows[i] = *s
	}
	m.segStats[sid] = rows
	return nil
}

func (m *Memory) SegmentStats(_ context.Context, sid treasury.SnapshotID) ([]*treasury.SegmentDelayStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.segStats[sid]
	result := make([]*treasury.SegmentDelayStats, len(rows))
	for i := range rows {
		out := rows[i]
		result[i] = &out
	}
	return result, nil
}

func (m *Memory) SaveCalibrationStats(ctx context.Context, sid treasury.SnapshotID, stats []*treasury.CalibrationStats) error {
	if err := m.guard(ctx, sid); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]treasury.CalibrationStats, len(stats))
	for i, s := range stats {
		rows[i] = *s
	}
	m.calStats[sid] = rows
	return nil
}

func (m *Memory) CalibrationStats(_ context.Context, sid treasury.SnapshotID) ([]*treasury.CalibrationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.calStats[sid]
	result := make([]*treasury.CalibrationStats, len(rows))
	for i := range rows {
		out := rows[i]
		result[i] = &out
	}
	return result, nil
}

// =============================================================================
// PAYMENT RUN EXCEPTIONS / POLICIES
// =============================================================================

func (m *Memory) InsertPaymentRunException(_ context.Context, ex *treasury.PaymentRunException) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exceptions[ex.BillID] = *ex
	return nil
}

func (m *Memory) PaymentRunExceptions(_ context.Context, sid treasury.SnapshotID) (map[treasury.BillID]*treasury.PaymentRunException, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[treasury.BillID]*treasury.PaymentRunException)
	for id, ex := range m.exceptions {
		if b, ok := m.bills[id]; !ok || b.SnapshotID != sid {
			continue
		}
		out := ex
		result[id] = &out
	}
	return result, nil
}

func (m *Memory) SavePolicy(_ context.Context, p *treasury.MatchingPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ex := range m.policies {
		if ex.EntityID == p.EntityID && ex.Currency == p.Currency {
			m.policies[i] = *p
			return nil
		}
	}
	m.policies = append(m.policies, *p)
	return nil
}

func (m *Memory) Policies(_ context.Context) ([]*treasury.MatchingPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*treasury.MatchingPolicy, len(m.policies))
	for i := range m.policies {
		out := m.policies[i]
		result[i] = &out
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONS & ADVISORY LOCKS
// =============================================================================

// WithTx snapshots the full state, runs fn, and restores the snapshot on
// error. Atomic enough for tests and dev; the SQLite store uses real
// database transactions.
func (m *Memory) WithTx(ctx context.Context, fn func(treasury.Repository) error) error {
	undo := m.cloneState()
	if err := fn(m); err != nil {
		m.restoreState(undo)
		return err
	}
	return nil
}

func (m *Memory) AcquireSnapshot(id treasury.SnapshotID) (release func()) {
	m.advisoryMu.Lock()
	mu, ok := m.advisory[id]
	if !ok {
		mu = &sync.Mutex{}
		m.advisory[id] = mu
	}
	m.advisoryMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

type memoryState struct {
	entities    map[treasury.EntityID]treasury.Entity
	snapshots   map[treasury.SnapshotID]treasury.Snapshot
	invoices    map[treasury.InvoiceID]treasury.Invoice
	bills       map[treasury.BillID]treasury.VendorBill
	txns        map[treasury.TransactionID]treasury.BankTransaction
	allocations map[treasury.AllocationID]treasury.MatchAllocation
	fxRates     map[treasury.SnapshotID][]treasury.WeeklyFXRate
	segStats    map[treasury.SnapshotID][]treasury.SegmentDelayStats
	calStats    map[treasury.SnapshotID][]treasury.CalibrationStats
	exceptions  map[treasury.BillID]treasury.PaymentRunException
	policies    []treasury.MatchingPolicy
	invByCanon  map[canonicalKey]treasury.InvoiceID
	billByCanon map[canonicalKey]treasury.BillID
}

func (m *Memory) cloneState() memoryState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := memoryState{
		entities:    make(map[treasury.EntityID]treasury.Entity, len(m.entities)),
		snapshots:   make(map[treasury.SnapshotID]treasury.Snapshot, len(m.snapshots)),
		invoices:    make(map[treasury.InvoiceID]treasury.Invoice, len(m.invoices)),
		bills:       make(map[treasury.BillID]treasury.VendorBill, len(m.bills)),
		txns:        make(map[treasury.TransactionID]treasury.BankTransaction, len(m.txns)),
		allocations: make(map[treasury.AllocationID]treasury.MatchAllocation, len(m.allocations)),
		fxRates:     make(map[treasury.SnapshotID][]treasury.WeeklyFXRate, len(m.fxRates)),
		segStats:    make(map[treasury.SnapshotID][]treasury.SegmentDelayStats, len(m.segStats)),
		calStats:    make(map[treasury.SnapshotID][]treasury.CalibrationStats, len(m.calStats)),
		exceptions:  make(map[treasury.BillID]treasury.PaymentRunException, len(m.exceptions)),
		policies:    append([]treasury.MatchingPolicy(nil), m.policies...),
		invByCanon:  make(map[canonicalKey]treasury.InvoiceID, len(m.invoiceByCanonical)),
		billByCanon: make(map[canonicalKey]treasury.BillID, len(m.billByCanonical)),
	}
	for k, v := range m.entities {
		st.entities[k] = v
	}
	for k, v := range m.snapshots {
		st.snapshots[k] = v
	}
	for k, v := range m.invoices {
		st.invoices[k] = v
	}
	for k, v := range m.bills {
		st.bills[k] = v
	}
	for k, v := range m.txns {
		st.txns[k] = v
	}
	for k, v := range m.allocations {
		st.allocations[k] = v
	}
	for k, v := range m.fxRates {
		st.fxRates[k] = append([]treasury.WeeklyFXRate(nil), v...)
	}
	for k, v := range m.segStats {
		st.segStats[k] = append([]treasury.SegmentDelayStats(nil), v...)
	}
	for k, v := range m.calStats {
		st.calStats[k] = append([]treasury.CalibrationStats(nil), v...)
	}
	for k, v := range m.exceptions {
		st.exceptions[k] = v
	}
	for k, v := range m.invoiceByCanonical {
		st.invByCanon[k] = v
	}
	for k, v := range m.billByCanonical {
		st.billByCanon[k] = v
	}
	return st
}

func (m *Memory) restoreState(st memoryState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = st.entities
	m.snapshots = st.snapshots
	m.invoices = st.invoices
	m.bills = st.bills
	m.txns = st.txns
	m.allocations = st.allocations
	m.fxRates = st.fxRates
	m.segStats = st.segStats
	m.calStats = st.calStats
	m.exceptions = st.exceptions
	m.policies = st.policies
	m.invoiceByCanonical = st.invByCanon
	m.billByCanonical = st.billByCanon
}
