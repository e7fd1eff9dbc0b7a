/*
store.go - Repository capability interfaces

PURPOSE:
  Defines the interface between the treasury core and persistence. The
  core never commits to a storage engine; it consumes these capabilities.

THE LOCK GUARD:
  Immutability of LOCKED snapshots is enforced HERE, not by convention.
  Every write that touches a snapshot's transitive contents (invoices,
  bills, fx rates, allocations whose document belongs to the snapshot)
  must first pass the owning snapshot's status through GuardWritable.
  Both provided implementations route all writes through it; a store
  backed by a database with triggers may mirror the check there.

TRANSACTIONS:
  WithTx runs a function against a transactional view of the repository.
  All multi-row pipeline writes happen inside one WithTx scope, so no
  error ever leaves a partially updated snapshot.

ADVISORY LOCKS:
  AcquireSnapshot serializes state-changing operations per snapshot id.
  Readers do not take the lock. Two pipelines on distinct snapshots do
  not contend.

IMPLEMENTATIONS:
  - treasury/store: in-memory, for tests and dev
  - store/sqlite:   production SQLite (WAL, auto-migrated schema)

SEE ALSO:
  - engine.go: Acquires advisory locks and owns WithTx scopes
  - store/memory.go: Reference implementation of the guard
*/
package treasury

import (
	"context"
	"time"
)

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository is the full capability set the core consumes. One table per
// entity in the data model; key-unique lookups where the model demands
// them ((snapshot_id, canonical_id) above all).
type Repository interface {
	// Entities.
	InsertEntity(ctx context.Context, e *Entity) error
	Entity(ctx context.Context, id EntityID) (*Entity, error)

	// Snapshots. UpdateSnapshot is the ONLY mutator and rejects any change
	// to an already-LOCKED snapshot (status transitions included).
	InsertSnapshot(ctx context.Context, s *Snapshot) error
	Snapshot(ctx context.Context, id SnapshotID) (*Snapshot, error)
	UpdateSnapshot(ctx context.Context, s *Snapshot) error

	// Invoices. Unique on (snapshot_id, canonical_id).
	InsertInvoice(ctx context.Context, inv *Invoice) error
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	Invoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	InvoiceByCanonical(ctx context.Context, snapshotID SnapshotID, cid CanonicalID) (*Invoice, error)
	Invoices(ctx context.Context, snapshotID SnapshotID) ([]*Invoice, error)

	// Vendor bills. Same uniqueness invariant.
	InsertBill(ctx context.Context, b *VendorBill) error
	UpdateBill(ctx context.Context, b *VendorBill) error
	Bill(ctx context.Context, id BillID) (*VendorBill, error)
	BillByCanonical(ctx context.Context, snapshotID SnapshotID, cid CanonicalID) (*VendorBill, error)
	Bills(ctx context.Context, snapshotID SnapshotID) ([]*VendorBill, error)

	// Bank transactions. Entity-owned; indexed (entity_id, transaction_date).
	InsertTransaction(ctx context.Context, t *BankTransaction) error
	UpdateTransaction(ctx context.Context, t *BankTransaction) error
	Transaction(ctx context.Context, id TransactionID) (*BankTransaction, error)
	Transactions(ctx context.Context, entityID EntityID, from, to time.Time) ([]*BankTransaction, error)

	// Match allocations. The guard applies through SnapshotID.
	InsertAllocation(ctx context.Context, a *MatchAllocation) error
	UpdateAllocation(ctx context.Context, a *MatchAllocation) error
	Allocation(ctx context.Context, id AllocationID) (*MatchAllocation, error)
	AllocationsForTransaction(ctx context.Context, id TransactionID) ([]*MatchAllocation, error)
	AllocationsForInvoice(ctx context.Context, id InvoiceID) ([]*MatchAllocation, error)
	AllocationsForBill(ctx context.Context, id BillID) ([]*MatchAllocation, error)
	AllocationsForSnapshot(ctx context.Context, id SnapshotID) ([]*MatchAllocation, error)

	// FX rates. Frozen once the snapshot locks.
	InsertFXRate(ctx context.Context, r *WeeklyFXRate) error
	FXRates(ctx context.Context, snapshotID SnapshotID) ([]*WeeklyFXRate, error)

	// Learned stats. Replace-all per snapshot; indexed
	// (snapshot_id, segment_type, segment_key).
	SaveSegmentStats(ctx context.Context, snapshotID SnapshotID, stats []*SegmentDelayStats) error
	SegmentStats(ctx context.Context, snapshotID SnapshotID) ([]*SegmentDelayStats, error)
	SaveCalibrationStats(ctx context.Context, snapshotID SnapshotID, stats []*CalibrationStats) error
	CalibrationStats(ctx context.Context, snapshotID SnapshotID) ([]*CalibrationStats, error)

	// Payment-run exceptions.
	InsertPaymentRunException(ctx context.Context, ex *PaymentRunException) error
	PaymentRunExceptions(ctx context.Context, snapshotID SnapshotID) (map[BillID]*PaymentRunException, error)

	// Matching policies. SavePolicy upserts on (entity, currency).
	SavePolicy(ctx context.Context, p *MatchingPolicy) error
	Policies(ctx context.Context) ([]*MatchingPolicy, error)

	// WithTx runs fn against a transactional repository view. The write
	// set commits atomically; any error rolls everything back.
	WithTx(ctx context.Context, fn func(Repository) error) error

	// AcquireSnapshot takes the advisory write lock for a snapshot and
	// returns its release. State-changing operations hold it; readers
	// never do.
	AcquireSnapshot(id SnapshotID) (release func())
}

// =============================================================================
// AUDIT LOG - Append-only, monotonically sequenced
// =============================================================================

type AuditLog interface {
	// Append records an event. Sequence numbers are assigned by the log
	// and strictly increase.
	Append(ctx context.Context, ev *AuditEvent) error

	// Events returns events for an entity in [from, to], ordered by
	// sequence.
	Events(ctx context.Context, entityID EntityID, from, to time.Time) ([]*AuditEvent, error)
}

// =============================================================================
// LOCK GUARD HELPER
// =============================================================================

// GuardWritable fails with ErrSnapshotLocked when the snapshot exists and
// is LOCKED. Store implementations call it from every write touching a
// snapshot's transitive contents.
func GuardWritable(ctx context.Context, r interface {
	Snapshot(ctx context.Context, id SnapshotID) (*Snapshot, error)
}, id SnapshotID) error {
	if id == "" {
		return nil
	}
	s, err := r.Snapshot(ctx, id)
	if err != nil {
		return nil // unknown snapshot: uniqueness/foreign-key checks handle it
	}
	if s.Status == StatusLocked {
		return ErrSnapshotLocked
	}
	return nil
}

// PolicyFor resolves the matching policy for (entity, currency):
// (entity, currency) -> (entity, *) -> (*, *) -> built-in default.
func PolicyFor(policies []*MatchingPolicy, entityID EntityID, currency string, cfg Config) *MatchingPolicy {
	var entityAny, global *MatchingPolicy
	for _, p := range policies {
		switch {
		case p.EntityID == entityID && p.Currency == currency:
			return p
		case p.EntityID == entityID && p.Currency == "":
			entityAny = p
		case p.EntityID == "" && p.Currency == "":
			global = p
		}
	}
	if entityAny != nil {
		return entityAny
	}
	if global != nil {
		return global
	}
	return &MatchingPolicy{
		AmountTolerance:    cfg.AmountTolerance,
		DateWindowDays:     cfg.DateWindowDays,
		AutoReconcileTier1: true,
		AutoReconcileTier2: true,
	}
}
