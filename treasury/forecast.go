/*
forecast.go - AR forecast allocator

PURPOSE:
  Turns open invoices plus predicted delay quantiles into weekly inflow
  contributions. A single invoice spreads over up to three weeks via the
  deterministic mixture (default 0.20 @ week(p25), 0.50 @ week(p50),
  0.30 @ week(p75)). Weeks use ISO boundaries anchored at the snapshot
  as-of.

EXPLAINABILITY:
  Every contribution carries the invoice id, the mixture weight, and the
  predicted date that placed it, so any grid cell decomposes exactly.

DATA GAPS:
  Missing FX or missing due date routes the invoice to the Unknown
  bucket with a reason code. No forecast, no silent defaults.
*/
package treasury

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTRIBUTION - One row-level component of a grid cell
// =============================================================================

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type Contribution struct {
	SourceID      string // invoice, bill, or bank transaction id
	CanonicalID   CanonicalID
	Direction     Direction
	WeekIndex     int // relative to the snapshot anchor; may lie outside 0..12
	Amount        Money
	Weight        decimal.Decimal
	PredictedDate time.Time
	TruthLabel    TruthLabel
	UnknownReason UnknownReason
}

// =============================================================================
// AR ALLOCATOR
// =============================================================================

// ForecastAR produces weekly inflow contributions for the snapshot's open
// invoices and stamps prediction fields onto each invoice (the caller
// persists them). Open amount = amount minus existing approved
// allocations; fully allocated invoices contribute nothing here - their
// cash is evidenced by bank transactions.
func ForecastAR(ctx context.Context, snap *Snapshot, invoices []*Invoice, openAmounts map[InvoiceID]decimal.Decimal, model *DelayModel, fx *FXService, baseCurrency string) ([]Contribution, error) {
	var out []Contribution
	for _, inv := range invoices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if inv.IsPaid() {
			continue
		}
		open, ok := openAmounts[inv.ID]
		if !ok {
			open = inv.Amount.Value
		}
		if open.IsZero() {
			inv.TruthLabel = TruthReconciled
			continue
		}

		if inv.ExpectedDueDate == nil {
			inv.TruthLabel = TruthUnknown
			out = append(out, unknownContribution(snap, inv, open, UnknownMissingDueDate))
			continue
		}

		openMoney := Money{Value: open, Currency: inv.Amount.Currency}
		converted, err := fx.Convert(ctx, openMoney, baseCurrency, *inv.ExpectedDueDate)
		if err != nil {
			if _, missing := err.(*FXMissingError); missing {
				inv.TruthLabel = TruthUnknown
				out = append(out, unknownContribution(snap, inv, open, UnknownMissingFX))
				continue
			}
			return nil, err
		}

		pred := model.Predict(inv)
		due := *inv.ExpectedDueDate
		p25 := addDays(due, pred.P25)
		p50 := addDays(due, pred.P50)
		p75 := addDays(due, pred.P75)
		p90 := addDays(due, pred.P90)

		inv.PredictedPaymentDate = &p50
		inv.ConfidenceP25 = &p25
		inv.ConfidenceP50 = &p50
		inv.ConfidenceP75 = &p75
		inv.ConfidenceP90 = &p90
		inv.PredictionSegment = pred.Segment
		inv.TruthLabel = TruthModeled

		for _, mix := range snap.Config.ARMixture {
			var date time.Time
			switch mix.Quantile {
			case "p25":
				date = p25
			case "p75":
				date = p75
			case "p90":
				date = p90
			default:
				date = p50
			}
			week := snap.WeekIndex(date)
			if week < 0 {
				week = 0 // overdue predictions land in the current week
			}
			out = append(out, Contribution{
				SourceID:      string(inv.ID),
				CanonicalID:   inv.CanonicalID,
				Direction:     DirectionIn,
				WeekIndex:     week,
				Amount:        converted.Mul(mix.Weight),
				Weight:        mix.Weight,
				PredictedDate: date,
				TruthLabel:    TruthModeled,
			})
		}
	}
	return out, nil
}

func unknownContribution(snap *Snapshot, inv *Invoice, open decimal.Decimal, reason UnknownReason) Contribution {
	week := 0
	if inv.ExpectedDueDate != nil {
		if w := snap.WeekIndex(*inv.ExpectedDueDate); w > 0 {
			week = w
		}
	}
	return Contribution{
		SourceID:      string(inv.ID),
		CanonicalID:   inv.CanonicalID,
		Direction:     DirectionIn,
		WeekIndex:     week,
		Amount:        Money{Value: open, Currency: inv.Amount.Currency},
		Weight:        decimal.NewFromInt(1),
		TruthLabel:    TruthUnknown,
		UnknownReason: reason,
	}
}

func addDays(t time.Time, days float64) time.Time {
	return t.AddDate(0, 0, int(days+0.5*sign(days)))
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}
