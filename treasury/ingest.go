/*
ingest.go - Idempotent record ingest

PURPOSE:
  Upserts canonical records into a snapshot keyed by
  (snapshot_id, canonical_id). Re-running the same ingest is a no-op by
  construction: existing rows have their mutable fields refreshed in
  place, identity fields never change.

MUTABLE vs IDENTITY FIELDS:
  Identity: source system, entity, document number, counterparty,
  currency, dates at 2dp amount - all hashed into the canonical id.
  Mutable: amount, due/payment/scheduled dates, hold and approval status.
  A source that changes an identity field has, by definition, produced a
  different document.

RELATIONSHIPS:
  credit_note / rebill / partial / adjustment rows must resolve their
  parent within the same snapshot. Unresolved parents are flagged in the
  result, not errors.

SEE ALSO:
  - canonical.go: Fingerprinting
  - engine.go: Wraps this in the advisory lock + transaction
*/
package treasury

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// RESULT
// =============================================================================

// PossibleCollision reports an external-id record whose component tuple
// fingerprints onto a different existing row. Surfaced, never merged.
type PossibleCollision struct {
	CanonicalID      CanonicalID
	TupleCanonicalID CanonicalID
	DocumentNumber   string
}

type IngestResult struct {
	Inserted           int
	Updated            int
	Skipped            int
	PossibleCollisions []PossibleCollision
	UnresolvedParents  []CanonicalID
}

// =============================================================================
// INGESTER
// =============================================================================

type Ingester struct {
	repo Repository
	log  *zap.Logger
}

func NewIngester(repo Repository, log *zap.Logger) *Ingester {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingester{repo: repo, log: log}
}

// Ingest upserts records into the snapshot. Fails with ErrSnapshotLocked
// on a locked snapshot; otherwise runs to completion inside the caller's
// transaction scope. Running Ingest twice with the same input yields an
// identical repository state.
func (ing *Ingester) Ingest(ctx context.Context, snapshotID SnapshotID, records []*CanonicalRecord) (*IngestResult, error) {
	snap, err := ing.repo.Snapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status == StatusLocked {
		return nil, ErrSnapshotLocked
	}

	result := &IngestResult{}

	// Pass 1: upsert rows, remember external ids so AR parents can resolve
	// regardless of input order.
	externalToCanonical := make(map[string]CanonicalID)
	type pendingParent struct {
		invoiceID        InvoiceID
		parentExternalID string
		canonicalID      CanonicalID
	}
	var pending []pendingParent

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cid := Fingerprint(r)
		if r.ExternalID != "" {
			externalToCanonical[Clean(r.ExternalID)] = cid
			// Collision signal: the same document content already exists
			// under a tuple identity other than this record's.
			tupleCID := FingerprintTuple(r)
			if tupleCID != cid {
				if ing.tupleRowExists(ctx, snapshotID, r.Kind, tupleCID) {
					result.PossibleCollisions = append(result.PossibleCollisions, PossibleCollision{
						CanonicalID:      cid,
						TupleCanonicalID: tupleCID,
						DocumentNumber:   r.DocumentNumber,
					})
				}
			}
		}

		switch r.Kind {
		case KindBill:
			inserted, err := ing.upsertBill(ctx, snap, cid, r)
			if err != nil {
				return nil, err
			}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
		default:
			invID, inserted, err := ing.upsertInvoice(ctx, snap, cid, r)
			if err != nil {
				return nil, err
			}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
			if r.Relationship != "" && r.Relationship != RelOriginal && r.ParentExternalID != "" {
				pending = append(pending, pendingParent{invoiceID: invID, parentExternalID: r.ParentExternalID, canonicalID: cid})
			}
		}
	}

	// Pass 2: resolve AR parents within the snapshot.
	for _, p := range pending {
		parentCID, ok := externalToCanonical[Clean(p.parentExternalID)]
		if !ok {
			result.UnresolvedParents = append(result.UnresolvedParents, p.canonicalID)
			continue
		}
		parent, err := ing.repo.InvoiceByCanonical(ctx, snapshotID, parentCID)
		if err != nil {
			result.UnresolvedParents = append(result.UnresolvedParents, p.canonicalID)
			continue
		}
		child, err := ing.repo.Invoice(ctx, p.invoiceID)
		if err != nil {
			return nil, err
		}
		child.ParentInvoiceID = parent.ID
		if err := ing.repo.UpdateInvoice(ctx, child); err != nil {
			return nil, err
		}
	}

	ing.log.Info("ingest complete",
		zap.String("snapshot", string(snapshotID)),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("collisions", len(result.PossibleCollisions)),
		zap.Int("unresolved_parents", len(result.UnresolvedParents)))
	return result, nil
}

func (ing *Ingester) tupleRowExists(ctx context.Context, sid SnapshotID, kind RecordKind, cid CanonicalID) bool {
	var err error
	if kind == KindBill {
		_, err = ing.repo.BillByCanonical(ctx, sid, cid)
	} else {
		_, err = ing.repo.InvoiceByCanonical(ctx, sid, cid)
	}
	return err == nil
}

func (ing *Ingester) upsertInvoice(ctx context.Context, snap *Snapshot, cid CanonicalID, r *CanonicalRecord) (InvoiceID, bool, error) {
	existing, err := ing.repo.InvoiceByCanonical(ctx, snap.ID, cid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", false, err
	}
	if existing != nil {
		// Refresh mutable fields only.
		existing.Amount = Money{Value: r.Amount, Currency: r.Currency}
		existing.ExpectedDueDate = cloneDate(r.DueDate)
		existing.PaymentDate = cloneDate(r.PaymentDate)
		if err := ing.repo.UpdateInvoice(ctx, existing); err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	}

	rel := r.Relationship
	if rel == "" {
		rel = RelOriginal
	}
	inv := &Invoice{
		ID:               InvoiceID(uuid.New().String()),
		SnapshotID:       snap.ID,
		CanonicalID:      cid,
		EntityID:         snap.EntityID,
		DocumentType:     r.DocumentType,
		DocumentNumber:   r.DocumentNumber,
		Customer:         r.Counterparty,
		CounterpartyID:   r.CounterpartyID,
		Country:          r.Country,
		Terms:            r.Terms,
		Amount:           Money{Value: r.Amount, Currency: r.Currency},
		DocumentDate:     r.DocumentDate,
		ExpectedDueDate:  cloneDate(r.DueDate),
		PaymentDate:      cloneDate(r.PaymentDate),
		RelationshipType: rel,
	}
	if err := ing.repo.InsertInvoice(ctx, inv); err != nil {
		return "", false, err
	}
	return inv.ID, true, nil
}

func (ing *Ingester) upsertBill(ctx context.Context, snap *Snapshot, cid CanonicalID, r *CanonicalRecord) (bool, error) {
	existing, err := ing.repo.BillByCanonical(ctx, snap.ID, cid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if existing != nil {
		existing.Amount = Money{Value: r.Amount, Currency: r.Currency}
		existing.DueDate = cloneDate(r.DueDate)
		existing.ScheduledPaymentDate = cloneDate(r.ScheduledPaymentDate)
		existing.HoldStatus = r.HoldStatus
		existing.ApprovalDate = cloneDate(r.ApprovalDate)
		return false, ing.repo.UpdateBill(ctx, existing)
	}

	b := &VendorBill{
		ID:                   BillID(uuid.New().String()),
		SnapshotID:           snap.ID,
		CanonicalID:          cid,
		EntityID:             snap.EntityID,
		DocumentNumber:       r.DocumentNumber,
		Vendor:               r.Counterparty,
		Amount:               Money{Value: r.Amount, Currency: r.Currency},
		BillDate:             r.DocumentDate,
		DueDate:              cloneDate(r.DueDate),
		ScheduledPaymentDate: cloneDate(r.ScheduledPaymentDate),
		HoldStatus:           r.HoldStatus,
		ApprovalDate:         cloneDate(r.ApprovalDate),
		IsDiscretionary:      r.IsDiscretionary,
		Category:             r.Category,
		RecurringTemplateID:  r.RecurringTemplateID,
	}
	return true, ing.repo.InsertBill(ctx, b)
}

func cloneDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
