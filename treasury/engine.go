/*
engine.go - The treasury core operation surface

PURPOSE:
  Facade over the pipeline stages, exposing the operations a transport
  layer calls: snapshot creation, ingest, FX, forecast, reconciliation,
  workspace/drilldown, transitions, variance, trust report.

DISCIPLINE:
  - Snapshot-scoped state changes (ingest, FX, forecast, reconcile,
    approve, manual link, mark-ready, lock) acquire the per-snapshot
    advisory lock; readers never do. AssignTransaction,
    AdvanceTransaction and SetMatchingPolicy do not take it.
  - Every multi-row write runs inside one repository transaction, so no
    error leaves a partially updated snapshot.
  - State changes are audited after commit, except lifecycle moves made
    through AdvanceTransaction, which write no audit event.
  - Long pipelines poll the context between stages; cancellation rolls
    the transaction back and the operation stays idempotent.

SEE ALSO:
  - api/handlers.go: The HTTP mapping of this surface
*/
package treasury

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Engine struct {
	repo    Repository
	auditor *Auditor
	log     *zap.Logger
	clock   func() time.Time
}

func NewEngine(repo Repository, auditLog AuditLog, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		repo:    repo,
		auditor: NewAuditor(auditLog, log),
		log:     log,
		clock:   time.Now,
	}
}

// Repo exposes the repository for read-only collaborators (api listings).
func (e *Engine) Repo() Repository { return e.repo }

// =============================================================================
// SNAPSHOT CREATION
// =============================================================================

// CreateSnapshot opens a DRAFT snapshot for an entity. A nil config gets
// the defaults.
func (e *Engine) CreateSnapshot(ctx context.Context, entityID EntityID, asOf time.Time, cfg *Config, user string) (*Snapshot, error) {
	if _, err := e.repo.Entity(ctx, entityID); err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	snap := &Snapshot{
		ID:             SnapshotID(uuid.New().String()),
		EntityID:       entityID,
		AsOf:           asOf,
		Status:         StatusDraft,
		ImportBatchID:  uuid.New().String(),
		FXTableVersion: uuid.New().String(),
		Config:         c,
		CreatedAt:      e.clock(),
	}
	if err := e.repo.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	e.auditor.Record(ctx, user, entityID, snap.ID, ActionCreateSnapshot, "snapshot", string(snap.ID), nil)
	return snap, nil
}

// =============================================================================
// INGEST
// =============================================================================

func (e *Engine) IngestRecords(ctx context.Context, snapshotID SnapshotID, records []*CanonicalRecord, user string) (*IngestResult, error) {
	release := e.repo.AcquireSnapshot(snapshotID)
	defer release()

	var result *IngestResult
	err := e.repo.WithTx(ctx, func(r Repository) error {
		var err error
		result, err = NewIngester(r, e.log).Ingest(ctx, snapshotID, records)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap, _ := e.repo.Snapshot(ctx, snapshotID)
	if snap != nil {
		e.auditor.Record(ctx, user, snap.EntityID, snapshotID, ActionIngest, "snapshot", string(snapshotID), map[string]string{
			"inserted": itoa(result.Inserted),
			"updated":  itoa(result.Updated),
		})
	}
	return result, nil
}

// =============================================================================
// FX
// =============================================================================

func (e *Engine) SetFXRates(ctx context.Context, snapshotID SnapshotID, rates []*WeeklyFXRate, user string) error {
	release := e.repo.AcquireSnapshot(snapshotID)
	defer release()

	for _, r := range rates {
		if err := ValidateRate(r.Rate); err != nil {
			return err
		}
	}
	err := e.repo.WithTx(ctx, func(r Repository) error {
		for _, rate := range rates {
			rate.SnapshotID = snapshotID
			if err := r.InsertFXRate(ctx, rate); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	snap, _ := e.repo.Snapshot(ctx, snapshotID)
	if snap != nil {
		e.auditor.Record(ctx, user, snap.EntityID, snapshotID, ActionSetFXRates, "fx_rates", string(snapshotID), map[string]string{
			"count": itoa(len(rates)),
		})
	}
	return nil
}

// =============================================================================
// FORECAST
// =============================================================================

type ForecastReport struct {
	Segments    []*SegmentDelayStats
	Calibration []*CalibrationStats
	Warnings    []string
}

// RunForecast trains the delay model on the snapshot's paid history,
// persists segment and calibration stats, and stamps predictions onto
// open invoices. Warnings (insufficient history, regime shifts) never
// fail the run.
func (e *Engine) RunForecast(ctx context.Context, snapshotID SnapshotID, user string) (*ForecastReport, error) {
	release := e.repo.AcquireSnapshot(snapshotID)
	defer release()

	var report *ForecastReport
	err := e.repo.WithTx(ctx, func(r Repository) error {
		snap, err := r.Snapshot(ctx, snapshotID)
		if err != nil {
			return err
		}
		if snap.Status == StatusLocked {
			return ErrSnapshotLocked
		}
		entity, err := r.Entity(ctx, snap.EntityID)
		if err != nil {
			return err
		}
		invoices, err := r.Invoices(ctx, snapshotID)
		if err != nil {
			return err
		}
		fx := NewFXService(r, snapshotID)

		model, err := TrainDelayModel(ctx, snap, invoices, fx, entity.BaseCurrency)
		if err != nil {
			return err
		}
		if err := r.SaveSegmentStats(ctx, snapshotID, model.Stats); err != nil {
			return err
		}
		if err := r.SaveCalibrationStats(ctx, snapshotID, model.Calibration); err != nil {
			return err
		}

		open, err := OpenInvoiceAmounts(ctx, r, invoices)
		if err != nil {
			return err
		}
		if _, err := ForecastAR(ctx, snap, invoices, open, model, fx, entity.BaseCurrency); err != nil {
			return err
		}
		for _, inv := range invoices {
			if inv.IsPaid() {
				continue
			}
			if err := r.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
		}
		report = &ForecastReport{Segments: model.Stats, Calibration: model.Calibration, Warnings: model.Warnings}
		return nil
	})
	if err != nil {
		return nil, err
	}
	snap, _ := e.repo.Snapshot(ctx, snapshotID)
	if snap != nil {
		e.auditor.Record(ctx, user, snap.EntityID, snapshotID, ActionRunForecast, "snapshot", string(snapshotID), map[string]string{
			"segments": itoa(len(report.Segments)),
		})
	}
	return report, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (e *Engine) Reconcile(ctx context.Context, entityID EntityID, snapshotID SnapshotID, user string) (*ReconcileReport, error) {
	release := e.repo.AcquireSnapshot(snapshotID)
	defer release()

	var report *ReconcileReport
	err := e.repo.WithTx(ctx, func(r Repository) error {
		var err error
		report, err = NewReconciler(r, e.log).Run(ctx, entityID, snapshotID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.auditor.Record(ctx, user, entityID, snapshotID, ActionReconcile, "snapshot", string(snapshotID), map[string]string{
		"deterministic": itoa(report.Tiers.Deterministic),
		"rule":          itoa(report.Tiers.Rule),
		"suggested":     itoa(report.Tiers.Suggested),
		"unmatched":     itoa(report.Tiers.Unmatched),
		"similarity_fn": CounterpartySimilarityFn,
	})
	return report, nil
}

func (e *Engine) ApproveMatch(ctx context.Context, allocationID AllocationID, user string) error {
	alloc, err := e.repo.Allocation(ctx, allocationID)
	if err != nil {
		return err
	}
	release := e.repo.AcquireSnapshot(alloc.SnapshotID)
	defer release()

	err = e.repo.WithTx(ctx, func(r Repository) error {
		return NewReconciler(r, e.log).ApproveMatch(ctx, allocationID, user)
	})
	if err != nil {
		return err
	}
	snap, _ := e.repo.Snapshot(ctx, alloc.SnapshotID)
	if snap != nil {
		e.auditor.Record(ctx, user, snap.EntityID, alloc.SnapshotID, ActionApproveMatch, "allocation", string(allocationID), nil)
	}
	return nil
}

// LinkManual links a transaction to exactly one of an invoice or a
// bill (pass the zero value for the other side).
func (e *Engine) LinkManual(ctx context.Context, snapshotID SnapshotID, txnID TransactionID, invoiceID InvoiceID, billID BillID, amount Money, user string) (*MatchAllocation, error) {
	release := e.repo.AcquireSnapshot(snapshotID)
	defer release()

	var alloc *MatchAllocation
	err := e.repo.WithTx(ctx, func(r Repository) error {
		var err error
		alloc, err = NewReconciler(r, e.log).LinkManual(ctx, snapshotID, txnID, invoiceID, billID, amount, e.clock())
		return err
	})
	if err != nil {
		return nil, err
	}
	snap, _ := e.repo.Snapshot(ctx, snapshotID)
	if snap != nil {
		e.auditor.Record(ctx, user, snap.EntityID, snapshotID, ActionLinkManual, "allocation", string(alloc.ID), nil)
	}
	return alloc, nil
}

func (e *Engine) AssignTransaction(ctx context.Context, snapshotID SnapshotID, txnID TransactionID, assignee, user string) error {
	snap, err := e.repo.Snapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	err = e.repo.WithTx(ctx, func(r Repository) error {
		return NewReconciler(r, e.log).AssignTransaction(ctx, txnID, assignee, e.clock(), snap.Config)
	})
	if err != nil {
		return err
	}
	e.auditor.Record(ctx, user, snap.EntityID, snapshotID, ActionAssignTxn, "transaction", string(txnID), map[string]string{"assignee": assignee})
	return nil
}

func (e *Engine) AdvanceTransaction(ctx context.Context, txnID TransactionID, to LifecycleStatus) error {
	return e.repo.WithTx(ctx, func(r Repository) error {
		return NewReconciler(r, e.log).AdvanceLifecycle(ctx, txnID, to)
	})
}

// SetMatchingPolicy upserts a tolerance policy. Audited: tolerance
// changes move reconciliation outcomes.
func (e *Engine) SetMatchingPolicy(ctx context.Context, p *MatchingPolicy, user string) error {
	if err := e.repo.SavePolicy(ctx, p); err != nil {
		return err
	}
	e.auditor.Record(ctx, user, p.EntityID, "", ActionPolicyChange, "matching_policy", string(p.EntityID)+"/"+p.Currency, map[string]string{
		"amount_tolerance": p.AmountTolerance.String(),
		"date_window_days": itoa(p.DateWindowDays),
	})
	return nil
}

// =============================================================================
// WORKSPACE & DRILLDOWN
// =============================================================================

// Workspace13W rebuilds the 13-week grid from persisted state. Pure
// read: contributions are re-derived deterministically, so drilldowns
// always sum to their cells.
func (e *Engine) Workspace13W(ctx context.Context, snapshotID SnapshotID) (*Workspace, []Contribution, error) {
	snap, err := e.repo.Snapshot(ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	entity, err := e.repo.Entity(ctx, snap.EntityID)
	if err != nil {
		return nil, nil, err
	}
	fx := NewFXService(e.repo, snapshotID)

	invoices, err := e.repo.Invoices(ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	bills, err := e.repo.Bills(ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	exceptions, err := e.repo.PaymentRunExceptions(ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	segStats, err := e.repo.SegmentStats(ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	model := NewDelayModelFromStats(segStats, snap.Config)

	open, err := OpenInvoiceAmounts(ctx, e.repo, invoices)
	if err != nil {
		return nil, nil, err
	}
	openBills, err := OpenBillAmounts(ctx, e.repo, bills)
	if err != nil {
		return nil, nil, err
	}
	arContribs, err := ForecastAR(ctx, snap, invoices, open, model, fx, entity.BaseCurrency)
	if err != nil {
		return nil, nil, err
	}
	apProj, err := ProjectAP(ctx, snap, entity, bills, exceptions, openBills, fx, entity.BaseCurrency)
	if err != nil {
		return nil, nil, err
	}

	txns, err := e.repo.Transactions(ctx, snap.EntityID, time.Time{}, time.Time{})
	if err != nil {
		return nil, nil, err
	}
	bankContribs, err := BankContributions(ctx, snap, txns, fx, entity.BaseCurrency)
	if err != nil {
		return nil, nil, err
	}

	opening, err := openingBalance(ctx, snap, txns, fx, entity.BaseCurrency)
	if err != nil {
		return nil, nil, err
	}

	all := append(arContribs, apProj.Contributions...)
	ws, err := BuildWorkspace(ctx, snap, entity.BaseCurrency, opening, all, bankContribs)
	if err != nil {
		return nil, nil, err
	}
	return ws, append(all, bankContribs...), nil
}

// Drilldown returns the contributions behind one grid cell.
func (e *Engine) Drilldown(ctx context.Context, snapshotID SnapshotID, week int, dir Direction) ([]Contribution, error) {
	ws, _, err := e.Workspace13W(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return ws.Drilldown(week, dir), nil
}

// openingBalance is the cumulative converted bank balance strictly
// before the anchor week.
func openingBalance(ctx context.Context, snap *Snapshot, txns []*BankTransaction, fx *FXService, base string) (decimal.Decimal, error) {
	anchor := snap.AnchorWeek()
	total := decimal.Zero
	for _, t := range txns {
		if t.IsWash || !t.TransactionDate.Before(anchor) {
			continue
		}
		converted, err := fx.Convert(ctx, t.Amount, base, t.TransactionDate)
		if err != nil {
			if _, missing := err.(*FXMissingError); missing {
				continue // unexplained cash gate surfaces this
			}
			return decimal.Zero, err
		}
		total = total.Add(converted.Value)
	}
	return total, nil
}

// OpenInvoiceAmounts returns each invoice's amount minus its approved
// allocations, floored at zero.
func OpenInvoiceAmounts(ctx context.Context, r Repository, invoices []*Invoice) (map[InvoiceID]decimal.Decimal, error) {
	open := make(map[InvoiceID]decimal.Decimal, len(invoices))
	for _, inv := range invoices {
		allocs, err := r.AllocationsForInvoice(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		open[inv.ID] = remainingOpen(inv.Amount.Value, allocs)
	}
	return open, nil
}

// OpenBillAmounts is the vendor-bill mirror of OpenInvoiceAmounts.
func OpenBillAmounts(ctx context.Context, r Repository, bills []*VendorBill) (map[BillID]decimal.Decimal, error) {
	open := make(map[BillID]decimal.Decimal, len(bills))
	for _, b := range bills {
		allocs, err := r.AllocationsForBill(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		open[b.ID] = remainingOpen(b.Amount.Value, allocs)
	}
	return open, nil
}

func remainingOpen(amount decimal.Decimal, allocs []*MatchAllocation) decimal.Decimal {
	remaining := amount.Abs()
	for _, a := range allocs {
		if a.Approved {
			remaining = remaining.Sub(a.Allocated.Value)
		}
	}
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (e *Engine) MarkReadyForReview(ctx context.Context, snapshotID SnapshotID, user string) (*GateResult, error) {
	release := e.repo.AcquireSnapshot(snapshotID)
	defer release()

	gates, err := NewLifecycle(e.repo, e.log).MarkReady(ctx, snapshotID, user)
	if err != nil {
		return gates, err
	}
	snap, _ := e.repo.Snapshot(ctx, snapshotID)
	if snap != nil {
		e.auditor.Record(ctx, user, snap.EntityID, snapshotID, ActionMarkReady, "snapshot", string(snapshotID), nil)
	}
	return gates, nil
}

func (e *Engine) LockSnapshot(ctx context.Context, snapshotID SnapshotID, user string, override bool, acknowledgment string) (*LockResult, error) {
	release := e.repo.AcquireSnapshot(snapshotID)
	defer release()

	result, err := NewLifecycle(e.repo, e.log).Lock(ctx, snapshotID, user, override, acknowledgment, e.clock())
	if err != nil {
		return result, err
	}
	action := ActionLock
	delta := map[string]string{}
	if override {
		action = ActionOverrideLock
		delta["acknowledgment"] = result.Snapshot.OverrideAck
	}
	e.auditor.Record(ctx, user, result.Snapshot.EntityID, snapshotID, action, "snapshot", string(snapshotID), delta)
	return result, nil
}

// =============================================================================
// VARIANCE & TRUST
// =============================================================================

func (e *Engine) ComputeVariance(ctx context.Context, aID, bID SnapshotID) (*VarianceReport, error) {
	return NewVarianceEngine(e.repo).Compute(ctx, aID, bID)
}

func (e *Engine) TrustReport(ctx context.Context, snapshotID SnapshotID) (*TrustReport, error) {
	snap, err := e.repo.Snapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	gates, err := NewLifecycle(e.repo, e.log).CheckGates(ctx, snap)
	if err != nil {
		return nil, err
	}
	return NewTrustReporter(e.repo).Report(ctx, snap, gates)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
