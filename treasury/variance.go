/*
variance.go - Snapshot-to-snapshot variance decomposition

PURPOSE:
  Explains 100% of the delta between two snapshots as four mutually
  exclusive, exhaustive categories:

    1. new items               canonical ids present in only one side,
                               and the amount change of an id present
                               on both sides
    2. timing shifts           same amount, different week, because the
                               underlying dates moved
    3. reconciliation changes  the allocation set behind the id changed
    4. policy changes          same amount and dates, different predicted
                               week - the model, FX, or matching policy
                               moved it

  The engine is a set diff over canonical ids, so it is insensitive to
  ingest ordering and re-derivable from any two snapshots, locked or
  draft, with no extra state.

INVARIANT:
  total_delta = sum of category deltas, exactly. Every differing id is
  assigned exactly one category; ids identical on both sides contribute
  zero and no category.
*/
package treasury

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type VarianceCategory string

const (
	VarNewItems       VarianceCategory = "new_items"
	VarTimingShifts   VarianceCategory = "timing_shifts"
	VarReconciliation VarianceCategory = "reconciliation_changes"
	VarPolicyChanges  VarianceCategory = "policy_changes"
)

type VarianceItem struct {
	CanonicalID CanonicalID
	Category    VarianceCategory
	Delta       decimal.Decimal // signed: inflow positive, outflow negative
	WeekFrom    int             // -1 when absent on that side
	WeekTo      int
}

type VarianceReport struct {
	SnapshotA  SnapshotID
	SnapshotB  SnapshotID
	TotalDelta decimal.Decimal
	Categories map[VarianceCategory]decimal.Decimal
	PerWeek    map[int]decimal.Decimal
	Items      []VarianceItem
}

// Drilldown returns the canonical ids behind one category.
func (r *VarianceReport) Drilldown(cat VarianceCategory) []VarianceItem {
	var out []VarianceItem
	for _, it := range r.Items {
		if it.Category == cat {
			out = append(out, it)
		}
	}
	return out
}

// =============================================================================
// COMPUTATION
// =============================================================================

// varianceRow is the week/amount view of one document in one snapshot.
// Weeks are absolute ISO week starts so two snapshots with different
// anchors compare on the calendar, not on their own grids.
type varianceRow struct {
	canonical CanonicalID
	amount    decimal.Decimal // signed by direction
	weekStart time.Time       // zero when no date is known
	dueDate   string          // normalized; "" when absent
	allocKey  string          // sorted fingerprint of the allocation set
}

type VarianceEngine struct {
	repo Repository
}

func NewVarianceEngine(repo Repository) *VarianceEngine {
	return &VarianceEngine{repo: repo}
}

// Compute diffs snapshot A (prior) against B (current). Week indexes
// in the report are relative to B's anchor week.
func (ve *VarianceEngine) Compute(ctx context.Context, aID, bID SnapshotID) (*VarianceReport, error) {
	a, err := ve.rows(ctx, aID)
	if err != nil {
		return nil, err
	}
	b, err := ve.rows(ctx, bID)
	if err != nil {
		return nil, err
	}
	snapB, err := ve.repo.Snapshot(ctx, bID)
	if err != nil {
		return nil, err
	}
	weekIdx := func(ws time.Time) int {
		if ws.IsZero() {
			return -1
		}
		return snapB.WeekIndex(ws)
	}

	report := &VarianceReport{
		SnapshotA:  aID,
		SnapshotB:  bID,
		Categories: make(map[VarianceCategory]decimal.Decimal),
		PerWeek:    make(map[int]decimal.Decimal),
	}

	add := func(it VarianceItem) {
		report.Items = append(report.Items, it)
		report.Categories[it.Category] = report.Categories[it.Category].Add(it.Delta)
		report.TotalDelta = report.TotalDelta.Add(it.Delta)
		report.PerWeek[it.WeekTo] = report.PerWeek[it.WeekTo].Add(it.Delta)
	}

	seen := make(map[CanonicalID]bool)
	for cid, rb := range b {
		seen[cid] = true
		ra, inA := a[cid]
		sameWeek := ra.weekStart.Equal(rb.weekStart)
		switch {
		case !inA:
			add(VarianceItem{CanonicalID: cid, Category: VarNewItems, Delta: rb.amount, WeekFrom: -1, WeekTo: weekIdx(rb.weekStart)})
		case ra.allocKey != rb.allocKey:
			add(VarianceItem{CanonicalID: cid, Category: VarReconciliation, Delta: rb.amount.Sub(ra.amount), WeekFrom: weekIdx(ra.weekStart), WeekTo: weekIdx(rb.weekStart)})
		case !ra.amount.Equal(rb.amount):
			// Incremental exposure on a known document reads as new.
			add(VarianceItem{CanonicalID: cid, Category: VarNewItems, Delta: rb.amount.Sub(ra.amount), WeekFrom: weekIdx(ra.weekStart), WeekTo: weekIdx(rb.weekStart)})
		case !sameWeek && ra.dueDate != rb.dueDate:
			add(VarianceItem{CanonicalID: cid, Category: VarTimingShifts, Delta: decimal.Zero, WeekFrom: weekIdx(ra.weekStart), WeekTo: weekIdx(rb.weekStart)})
		case !sameWeek:
			add(VarianceItem{CanonicalID: cid, Category: VarPolicyChanges, Delta: decimal.Zero, WeekFrom: weekIdx(ra.weekStart), WeekTo: weekIdx(rb.weekStart)})
		}
	}
	for cid, ra := range a {
		if seen[cid] {
			continue
		}
		// Dropped documents are negative new items.
		add(VarianceItem{CanonicalID: cid, Category: VarNewItems, Delta: ra.amount.Neg(), WeekFrom: weekIdx(ra.weekStart), WeekTo: -1})
	}

	sort.Slice(report.Items, func(i, j int) bool { return report.Items[i].CanonicalID < report.Items[j].CanonicalID })
	return report, nil
}

func (ve *VarianceEngine) rows(ctx context.Context, sid SnapshotID) (map[CanonicalID]varianceRow, error) {
	invoices, err := ve.repo.Invoices(ctx, sid)
	if err != nil {
		return nil, err
	}
	bills, err := ve.repo.Bills(ctx, sid)
	if err != nil {
		return nil, err
	}
	allocs, err := ve.repo.AllocationsForSnapshot(ctx, sid)
	if err != nil {
		return nil, err
	}

	allocByInvoice := make(map[InvoiceID][]string)
	allocByBill := make(map[BillID][]string)
	for _, al := range allocs {
		key := string(al.TransactionID) + "=" + al.Allocated.Value.StringFixed(2)
		if al.InvoiceID != "" {
			allocByInvoice[al.InvoiceID] = append(allocByInvoice[al.InvoiceID], key)
		} else {
			allocByBill[al.BillID] = append(allocByBill[al.BillID], key)
		}
	}

	out := make(map[CanonicalID]varianceRow, len(invoices)+len(bills))
	for _, inv := range invoices {
		var ws time.Time
		if inv.PredictedPaymentDate != nil {
			ws = StartOfISOWeek(*inv.PredictedPaymentDate)
		} else if inv.PaymentDate != nil {
			ws = StartOfISOWeek(*inv.PaymentDate)
		} else if inv.ExpectedDueDate != nil {
			ws = StartOfISOWeek(*inv.ExpectedDueDate)
		}
		out[inv.CanonicalID] = varianceRow{
			canonical: inv.CanonicalID,
			amount:    inv.Amount.Value,
			weekStart: ws,
			dueDate:   formatDate(inv.ExpectedDueDate),
			allocKey:  allocFingerprint(allocByInvoice[inv.ID]),
		}
	}
	for _, bl := range bills {
		var ws time.Time
		if bl.ScheduledPaymentDate != nil {
			ws = StartOfISOWeek(*bl.ScheduledPaymentDate)
		} else if bl.DueDate != nil {
			ws = StartOfISOWeek(*bl.DueDate)
		}
		out[bl.CanonicalID] = varianceRow{
			canonical: bl.CanonicalID,
			amount:    bl.Amount.Value.Neg(), // outflow
			weekStart: ws,
			dueDate:   formatDate(bl.DueDate),
			allocKey:  allocFingerprint(allocByBill[bl.ID]),
		}
	}
	return out, nil
}

func allocFingerprint(keys []string) string {
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += k + ";"
	}
	return out
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
