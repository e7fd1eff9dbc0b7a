/*
truth.go - Truth labels, Unknown bucket, trust report

PURPOSE:
  Every record evaluated during aggregation carries exactly one truth
  label: Bank-True (actual movement), Reconciled (fully allocated to
  bank evidence), Modeled (forecast distribution), Unknown (missing
  inputs, with a reason code). The trust report rolls these into the
  headline metric:

    Cash Explained % = |Bank-True + Reconciled| / |all bank movements|

  and surfaces the Unknown exposure, missing-FX exposure, calibration
  quality, and a lock-eligibility dry run.
*/
package treasury

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRUST REPORT
// =============================================================================

type UnknownExposure struct {
	Total    decimal.Decimal
	ByReason map[UnknownReason]decimal.Decimal
}

type TrustReport struct {
	SnapshotID      SnapshotID
	CashExplainedPct float64
	Unknown         UnknownExposure
	UnknownTargetPct float64
	MissingFXPct    float64
	CalibrationError float64
	RegimeShifts    map[string]RegimeShiftSeverity // segment -> severity, none omitted
	LockEligibility *GateResult
	Warnings        []string
}

type TrustReporter struct {
	repo Repository
}

func NewTrustReporter(repo Repository) *TrustReporter {
	return &TrustReporter{repo: repo}
}

// Report computes the trust report for a snapshot. Read-only; safe on
// locked snapshots.
func (tr *TrustReporter) Report(ctx context.Context, snap *Snapshot, gates *GateResult) (*TrustReport, error) {
	report := &TrustReport{
		SnapshotID:       snap.ID,
		UnknownTargetPct: snap.Config.UnknownBucketKPITargetPct,
		Unknown: UnknownExposure{
			ByReason: make(map[UnknownReason]decimal.Decimal),
		},
		RegimeShifts:    make(map[string]RegimeShiftSeverity),
		LockEligibility: gates,
	}

	// Cash Explained %: amount-weighted share of bank movements that are
	// reconciled (wash movements explain themselves).
	txns, err := tr.repo.Transactions(ctx, snap.EntityID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	var explained, total decimal.Decimal
	for _, t := range txns {
		amt := t.Amount.Value.Abs()
		total = total.Add(amt)
		if t.IsReconciled || t.IsWash {
			explained = explained.Add(amt)
		}
	}
	if total.IsPositive() {
		f, _ := explained.Div(total).Float64()
		report.CashExplainedPct = f * 100
	}

	// Unknown bucket over invoices and bills.
	invoices, err := tr.repo.Invoices(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	bills, err := tr.repo.Bills(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	entity, err := tr.repo.Entity(ctx, snap.EntityID)
	if err != nil {
		return nil, err
	}
	fx := NewFXService(tr.repo, snap.ID)

	addUnknown := func(amount Money, reason UnknownReason) {
		abs := amount.Value.Abs()
		report.Unknown.Total = report.Unknown.Total.Add(abs)
		report.Unknown.ByReason[reason] = report.Unknown.ByReason[reason].Add(abs)
	}

	var fxMissing, invoiceTotal decimal.Decimal
	for _, inv := range invoices {
		invoiceTotal = invoiceTotal.Add(inv.Amount.Value.Abs())
		if inv.IsPaid() {
			continue
		}
		if inv.ExpectedDueDate == nil {
			addUnknown(inv.Amount, UnknownMissingDueDate)
			continue
		}
		if _, ok, err := fx.Rate(ctx, inv.Amount.Currency, entity.BaseCurrency, snap.AsOf); err != nil {
			return nil, err
		} else if !ok {
			fxMissing = fxMissing.Add(inv.Amount.Value.Abs())
			addUnknown(inv.Amount, UnknownMissingFX)
		}
	}
	if invoiceTotal.IsPositive() {
		f, _ := fxMissing.Div(invoiceTotal).Float64()
		report.MissingFXPct = f * 100
	}

	openBills, err := OpenBillAmounts(ctx, tr.repo, bills)
	if err != nil {
		return nil, err
	}
	for _, b := range bills {
		if openBills[b.ID].IsZero() {
			continue // fully allocated to bank evidence: Reconciled
		}
		if b.IsHeld() {
			addUnknown(b.Amount, UnknownHeld)
			continue
		}
		if snap.Config.APRequireApproval && !b.IsApproved() {
			addUnknown(b.Amount, UnknownUnapproved)
		}
	}

	// Calibration quality and regime shifts.
	calStats, err := tr.repo.CalibrationStats(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	if gates != nil {
		report.CalibrationError = gates.CalibrationError
	}
	for _, c := range calStats {
		if c.RegimeShiftSeverity != RegimeNone && c.RegimeShiftSeverity != "" {
			report.RegimeShifts[string(c.SegmentType)+":"+c.SegmentKey] = c.RegimeShiftSeverity
		}
	}
	if len(calStats) == 0 {
		report.Warnings = append(report.Warnings, ErrInsufficientHistory.Error())
	}
	return report, nil
}

// LabelInvoice resolves the truth label of a single invoice from its
// allocation state and forecastability. Used by drilldowns to re-derive
// labels without a forecast pass.
func LabelInvoice(inv *Invoice, openAmount decimal.Decimal, fxResolvable bool) TruthLabel {
	switch {
	case inv.IsPaid():
		return TruthBankTrue
	case openAmount.IsZero():
		return TruthReconciled
	case inv.ExpectedDueDate == nil, !fxResolvable:
		return TruthUnknown
	default:
		return TruthModeled
	}
}
