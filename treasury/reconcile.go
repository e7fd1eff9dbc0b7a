/*
reconcile.go - Four-tier reconciliation ladder

PURPOSE:
  Links bank transactions to open invoices and vendor bills through four
  tiers of decreasing confidence:

    Tier 1 Deterministic  document number verbatim in reference, amount
                          within tolerance, counterparty per policy.
                          Auto-applied.
    Tier 2 Rule           amount within tolerance and date within the
                          policy window. Auto-applied.
    Tier 3 Suggested      trigram-cosine similarity over
                          reference+counterparty. NEVER auto-applied;
                          written unapproved for human review.
    Tier 4 Manual         user-initiated link.

  Inflows (positive amounts) walk the invoice side of the blocking
  index; outflows walk the vendor-bill side. Candidates come from the
  blocking indexes; amounts are split by the allocation solver, whose
  conservation and no-overmatch proofs are returned per transaction.

CANCELLATION:
  The context is polled between the blocking-index build and between
  tiers. Partial work is discarded by the surrounding transaction; the
  pass is idempotent, re-running reproduces the same state.

SEE ALSO:
  - blocking.go, match_text.go, solver.go
  - engine.go: Wraps this in the advisory lock + transaction
*/
package treasury

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// tier3SuggestionFloor is the minimum trigram-cosine score for a
// suggestion to be worth a reviewer's time.
const tier3SuggestionFloor = 0.35

// =============================================================================
// REPORT
// =============================================================================

type TierCounts struct {
	Deterministic int
	Rule          int
	Suggested     int
	Manual        int
	Unmatched     int
}

type TransactionProof struct {
	TransactionID TransactionID
	Conservation  ConservationProof
	NoOvermatch   []OvermatchCheck
	Degraded      bool
}

type ReconcileReport struct {
	Tiers  TierCounts
	Proofs []TransactionProof
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	repo Repository
	log  *zap.Logger
}

func NewReconciler(repo Repository, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{repo: repo, log: log}
}

// openCapacity tracks remaining open amounts on both sides of the book
// during a pass.
type openCapacity struct {
	invoices map[InvoiceID]decimal.Decimal
	bills    map[BillID]decimal.Decimal
}

// Run executes the ladder for every unreconciled transaction of the
// entity against the snapshot's open invoices and vendor bills.
func (rc *Reconciler) Run(ctx context.Context, entityID EntityID, snapshotID SnapshotID) (*ReconcileReport, error) {
	snap, err := rc.repo.Snapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status == StatusLocked {
		return nil, ErrSnapshotLocked
	}
	invoices, err := rc.repo.Invoices(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	bills, err := rc.repo.Bills(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	txns, err := rc.repo.Transactions(ctx, entityID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	policies, err := rc.repo.Policies(ctx)
	if err != nil {
		return nil, err
	}

	open := &openCapacity{}
	open.invoices, err = OpenInvoiceAmounts(ctx, rc.repo, invoices)
	if err != nil {
		return nil, err
	}
	open.bills, err = OpenBillAmounts(ctx, rc.repo, bills)
	if err != nil {
		return nil, err
	}

	idx := BuildBlockingIndex(invoices, bills, snap.AsOf)
	if err := ctx.Err(); err != nil {
		return nil, err // cancellation point after the index build
	}

	report := &ReconcileReport{}
	for _, t := range txns {
		if err := ctx.Err(); err != nil {
			return nil, err // cancellation point between transactions
		}
		if t.IsReconciled || t.IsWash {
			continue
		}
		// Re-running the pass must not stack suggestions on transactions
		// that already carry allocations awaiting review.
		existing, err := rc.repo.AllocationsForTransaction(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			report.Tiers.Suggested++
			continue
		}
		policy := PolicyFor(policies, entityID, t.Amount.Currency, snap.Config)
		matched, err := rc.matchTransaction(ctx, snap, t, idx, policy, open, report)
		if err != nil {
			return nil, err
		}
		if !matched {
			report.Tiers.Unmatched++
		}
	}

	rc.log.Info("reconciliation pass complete",
		zap.String("snapshot", string(snapshotID)),
		zap.Int("deterministic", report.Tiers.Deterministic),
		zap.Int("rule", report.Tiers.Rule),
		zap.Int("suggested", report.Tiers.Suggested),
		zap.Int("unmatched", report.Tiers.Unmatched))
	return report, nil
}

// matchTransaction walks the tiers for one transaction. Inflows look at
// invoices, outflows at vendor bills. Returns true when any tier
// (including a suggestion) produced allocations.
func (rc *Reconciler) matchTransaction(ctx context.Context, snap *Snapshot, t *BankTransaction, idx *BlockingIndex, policy *MatchingPolicy, open *openCapacity, report *ReconcileReport) (bool, error) {
	var candidates []matchTarget
	if t.Amount.Value.IsNegative() {
		for _, b := range idx.BillCandidates(t) {
			candidates = append(candidates, billTarget(b, open))
		}
	} else {
		for _, inv := range idx.Candidates(t) {
			candidates = append(candidates, invoiceTarget(inv, open))
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}
	cfg := snap.Config

	// Tier 1: deterministic.
	var tier1 []AllocationCandidate
	for _, c := range candidates {
		if !ReferenceContains(t.Reference, c.docNumber) {
			continue
		}
		if t.Amount.Value.Abs().Sub(c.amount.Abs()).Abs().GreaterThan(policy.AmountTolerance) {
			continue
		}
		if policy.RequireCounterpartyTier1 && !CounterpartySimilar(t.Counterparty, c.counterparty) {
			continue
		}
		tier1 = append(tier1, rc.candidate(c, t, cfg))
	}
	if len(tier1) > 0 && policy.AutoReconcileTier1 {
		if err := rc.applyTier(ctx, snap, t, tier1, 1, ReconDeterministic, open, report); err != nil {
			return false, err
		}
		report.Tiers.Deterministic++
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err // cancellation point between tiers
	}

	// Tier 2: rule.
	var tier2 []AllocationCandidate
	for _, c := range candidates {
		if c.matchDate == nil {
			continue
		}
		if t.Amount.Value.Abs().Sub(c.amount.Abs()).Abs().GreaterThan(policy.AmountTolerance) {
			continue
		}
		days := t.TransactionDate.Sub(*c.matchDate).Hours() / 24
		if days < 0 {
			days = -days
		}
		if int(days) > policy.DateWindowDays {
			continue
		}
		tier2 = append(tier2, rc.candidate(c, t, cfg))
	}
	if len(tier2) > 0 && policy.AutoReconcileTier2 {
		if err := rc.applyTier(ctx, snap, t, tier2, 2, ReconRule, open, report); err != nil {
			return false, err
		}
		report.Tiers.Rule++
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// Tier 3: suggestions only. Highest-scoring candidate, unapproved.
	var best *matchTarget
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		score := TrigramCosine(t.Reference+" "+t.Counterparty, c.docNumber+" "+c.counterparty)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best != nil && bestScore >= tier3SuggestionFloor {
		alloc := &MatchAllocation{
			ID:            AllocationID(uuid.New().String()),
			TransactionID: t.ID,
			InvoiceID:     best.invoiceID,
			BillID:        best.billID,
			SnapshotID:    snap.ID,
			Allocated:     Money{Value: decimal.Min(t.Amount.Value.Abs(), best.open), Currency: t.Amount.Currency},
			Tier:          3,
			Quality:       bestScore,
			Approved:      false,
			CreatedAt:     snap.AsOf,
		}
		if err := rc.repo.InsertAllocation(ctx, alloc); err != nil {
			return false, err
		}
		t.ReconciliationType = ReconSuggested
		if err := rc.repo.UpdateTransaction(ctx, t); err != nil {
			return false, err
		}
		report.Tiers.Suggested++
		return true, nil
	}
	return false, nil
}

// =============================================================================
// MATCH TARGETS - One shape for both sides of the book
// =============================================================================

// matchTarget is the tier-agnostic view of an invoice or a bill.
// Exactly one of invoiceID / billID is set.
type matchTarget struct {
	invoiceID    InvoiceID
	billID       BillID
	docNumber    string
	counterparty string
	amount       decimal.Decimal
	matchDate    *time.Time
	open         decimal.Decimal
}

func invoiceTarget(inv *Invoice, open *openCapacity) matchTarget {
	return matchTarget{
		invoiceID:    inv.ID,
		docNumber:    inv.DocumentNumber,
		counterparty: inv.Customer,
		amount:       inv.Amount.Value,
		matchDate:    inv.ExpectedDueDate,
		open:         open.invoices[inv.ID],
	}
}

func billTarget(b *VendorBill, open *openCapacity) matchTarget {
	when := b.DueDate
	if b.ScheduledPaymentDate != nil {
		when = b.ScheduledPaymentDate
	}
	return matchTarget{
		billID:       b.ID,
		docNumber:    b.DocumentNumber,
		counterparty: b.Vendor,
		amount:       b.Amount.Value,
		matchDate:    when,
		open:         open.bills[b.ID],
	}
}

// candidate scores one target against the transaction with the pinned
// quality weights.
func (rc *Reconciler) candidate(c matchTarget, t *BankTransaction, cfg Config) AllocationCandidate {
	q := 0.0
	if ReferenceContains(t.Reference, c.docNumber) {
		q += cfg.Quality.Reference
	}
	if t.Amount.Value.Abs().Sub(c.amount.Abs()).Abs().LessThanOrEqual(cfg.AmountTolerance) {
		q += cfg.Quality.Amount
	}
	if c.matchDate != nil {
		days := t.TransactionDate.Sub(*c.matchDate).Hours() / 24
		if days < 0 {
			days = -days
		}
		if int(days) <= cfg.DateWindowDays {
			q += cfg.Quality.Date
		}
	}
	if CounterpartySimilar(t.Counterparty, c.counterparty) {
		q += cfg.Quality.Counterparty
	}
	return AllocationCandidate{InvoiceID: c.invoiceID, BillID: c.billID, Open: c.open, Quality: q}
}

// applyTier solves the allocation, persists approved allocations, and
// consumes the winners' open capacity so later transactions in the same
// pass cannot overmatch them.
func (rc *Reconciler) applyTier(ctx context.Context, snap *Snapshot, t *BankTransaction, candidates []AllocationCandidate, tier int, rtype ReconciliationType, open *openCapacity, report *ReconcileReport) error {
	deadline := time.Now().Add(time.Duration(snap.Config.LPTimeoutMS) * time.Millisecond)
	result := SolveAllocation(t.Amount.Value, candidates, decimal.Zero, decimal.Zero, snap.Config, deadline)

	for _, a := range result.Allocations {
		if a.InvoiceID != "" {
			open.invoices[a.InvoiceID] = open.invoices[a.InvoiceID].Sub(a.Amount)
		}
		if a.BillID != "" {
			open.bills[a.BillID] = open.bills[a.BillID].Sub(a.Amount)
		}
		note := ""
		if result.Degraded {
			note = result.Note
		}
		alloc := &MatchAllocation{
			ID:            AllocationID(uuid.New().String()),
			TransactionID: t.ID,
			InvoiceID:     a.InvoiceID,
			BillID:        a.BillID,
			SnapshotID:    snap.ID,
			Allocated:     Money{Value: a.Amount, Currency: t.Amount.Currency},
			Tier:          tier,
			Quality:       a.Quality,
			SolverNote:    note,
			Approved:      true,
			ApprovedBy:    "system",
			CreatedAt:     snap.AsOf,
		}
		if err := rc.repo.InsertAllocation(ctx, alloc); err != nil {
			return err
		}
	}

	t.ReconciliationType = rtype
	t.IsReconciled = true
	t.LifecycleStatus = LifecycleResolved
	if err := rc.repo.UpdateTransaction(ctx, t); err != nil {
		return err
	}

	report.Proofs = append(report.Proofs, TransactionProof{
		TransactionID: t.ID,
		Conservation:  result.Conservation,
		NoOvermatch:   result.NoOvermatch,
		Degraded:      result.Degraded,
	})
	return nil
}

// =============================================================================
// MANUAL MATCHING & APPROVAL
// =============================================================================

// ApproveMatch approves a suggested or manual allocation after checking
// it cannot overmatch its invoice or bill.
func (rc *Reconciler) ApproveMatch(ctx context.Context, allocationID AllocationID, user string) error {
	alloc, err := rc.repo.Allocation(ctx, allocationID)
	if err != nil {
		return err
	}
	snap, err := rc.repo.Snapshot(ctx, alloc.SnapshotID)
	if err != nil {
		return err
	}
	if snap.Status == StatusLocked {
		return ErrSnapshotLocked
	}

	if alloc.InvoiceID != "" {
		inv, err := rc.repo.Invoice(ctx, alloc.InvoiceID)
		if err != nil {
			return err
		}
		siblings, err := rc.repo.AllocationsForInvoice(ctx, alloc.InvoiceID)
		if err != nil {
			return err
		}
		if total := approvedTotal(siblings, alloc); total.GreaterThan(inv.Amount.Value.Abs().Add(CentTolerance)) {
			return &OverAllocationError{
				InvoiceID: inv.ID,
				Open:      inv.Amount,
				Requested: Money{Value: total, Currency: inv.Amount.Currency},
			}
		}
	}
	if alloc.BillID != "" {
		bill, err := rc.repo.Bill(ctx, alloc.BillID)
		if err != nil {
			return err
		}
		siblings, err := rc.repo.AllocationsForBill(ctx, alloc.BillID)
		if err != nil {
			return err
		}
		if total := approvedTotal(siblings, alloc); total.GreaterThan(bill.Amount.Value.Abs().Add(CentTolerance)) {
			return &OverAllocationError{
				BillID:    bill.ID,
				Open:      bill.Amount,
				Requested: Money{Value: total, Currency: bill.Amount.Currency},
			}
		}
	}

	alloc.Approved = true
	alloc.ApprovedBy = user
	if err := rc.repo.UpdateAllocation(ctx, alloc); err != nil {
		return err
	}

	t, err := rc.repo.Transaction(ctx, alloc.TransactionID)
	if err != nil {
		return err
	}
	t.IsReconciled = true
	if t.ReconciliationType == "" || t.ReconciliationType == ReconSuggested {
		if alloc.Tier == 4 {
			t.ReconciliationType = ReconManual
		} else {
			t.ReconciliationType = ReconSuggested
		}
	}
	t.LifecycleStatus = LifecycleResolved
	return rc.repo.UpdateTransaction(ctx, t)
}

// approvedTotal sums this allocation plus its already-approved siblings.
func approvedTotal(siblings []*MatchAllocation, alloc *MatchAllocation) decimal.Decimal {
	total := alloc.Allocated.Value
	for _, s := range siblings {
		if s.Approved && s.ID != alloc.ID {
			total = total.Add(s.Allocated.Value)
		}
	}
	return total
}

// LinkManual creates an unapproved Tier 4 allocation for a user-chosen
// transaction and document; exactly one of invoiceID / billID must be
// set. ApproveMatch finishes it.
func (rc *Reconciler) LinkManual(ctx context.Context, snapshotID SnapshotID, txnID TransactionID, invoiceID InvoiceID, billID BillID, amount Money, createdAt time.Time) (*MatchAllocation, error) {
	snap, err := rc.repo.Snapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status == StatusLocked {
		return nil, ErrSnapshotLocked
	}
	if (invoiceID == "") == (billID == "") {
		return nil, fmt.Errorf("exactly one of invoice or bill must be linked")
	}
	if amount.Value.IsNegative() {
		return nil, fmt.Errorf("allocation amount must be >= 0")
	}
	alloc := &MatchAllocation{
		ID:            AllocationID(uuid.New().String()),
		TransactionID: txnID,
		InvoiceID:     invoiceID,
		BillID:        billID,
		SnapshotID:    snapshotID,
		Allocated:     amount,
		Tier:          4,
		CreatedAt:     createdAt,
	}
	if err := rc.repo.InsertAllocation(ctx, alloc); err != nil {
		return nil, err
	}
	return alloc, nil
}

// =============================================================================
// UNMATCHED LIFECYCLE
// =============================================================================

// AssignTransaction moves an unmatched transaction to Assigned and
// stamps the SLA breach time (business days, Mon-Fri).
func (rc *Reconciler) AssignTransaction(ctx context.Context, txnID TransactionID, assignee string, now time.Time, cfg Config) error {
	t, err := rc.repo.Transaction(ctx, txnID)
	if err != nil {
		return err
	}
	t.Assignee = assignee
	t.AssignedAt = &now
	breach := AddBusinessDays(now, cfg.UnmatchedSLABusinessDays)
	t.SLABreachAt = &breach
	t.LifecycleStatus = LifecycleAssigned
	return rc.repo.UpdateTransaction(ctx, t)
}

// AdvanceLifecycle applies a user-driven lifecycle transition
// (Assigned -> InReview -> Resolved | Escalated).
func (rc *Reconciler) AdvanceLifecycle(ctx context.Context, txnID TransactionID, to LifecycleStatus) error {
	t, err := rc.repo.Transaction(ctx, txnID)
	if err != nil {
		return err
	}
	allowed := map[LifecycleStatus][]LifecycleStatus{
		LifecycleNew:      {LifecycleAssigned},
		LifecycleAssigned: {LifecycleInReview},
		LifecycleInReview: {LifecycleResolved, LifecycleEscalated},
	}
	ok := false
	for _, next := range allowed[t.LifecycleStatus] {
		if next == to {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("lifecycle transition %s -> %s not allowed", t.LifecycleStatus, to)
	}
	t.LifecycleStatus = to
	return rc.repo.UpdateTransaction(ctx, t)
}

// AddBusinessDays adds n Mon-Fri days to t.
func AddBusinessDays(t time.Time, n int) time.Time {
	d := t
	for added := 0; added < n; {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return d
}
