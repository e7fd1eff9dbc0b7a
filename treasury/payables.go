/*
payables.go - AP cash-exit projection and payment-run engine

PURPOSE:
  Projects when payables actually leave the bank. A scheduled payment
  date wins outright; otherwise the bill exits on the entity's next
  payment-run day on or after its due date. Off-cycle exceptions with an
  approval stamp override the cadence.

UNKNOWN ROUTING:
  Held bills and (when policy requires approval) unapproved bills are
  not forecastable: they land in the Unknown bucket with a reason code.

COMMITTED vs DISCRETIONARY:
  committed = not discretionary AND not held AND approved. Only
  committed bills produce outflow contributions; discretionary spend is
  reported separately, never mixed into the committed outflow line.

DOUBLE-COUNT SUPPRESSION:
  A recurring-template bill is suppressed when a concrete bill already
  occupies the same (vendor, category, exit week). Concrete always wins.
*/
package treasury

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// APProjection is the outcome of projecting one snapshot's payables.
type APProjection struct {
	Contributions []Contribution
	Suppressed    []BillID // recurring entries beaten by concrete bills
	Discretionary []BillID
}

// NextPaymentRun returns the first payment-run day on or after date.
func NextPaymentRun(date time.Time, runDay time.Weekday) time.Time {
	d := date
	for d.Weekday() != runDay {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// CashExitDate resolves when a bill's cash leaves, or routes it to the
// Unknown bucket. The bool reports whether an exit date was determined.
func CashExitDate(b *VendorBill, entity *Entity, ex *PaymentRunException, cfg Config) (time.Time, UnknownReason, bool) {
	if b.IsHeld() {
		return time.Time{}, UnknownHeld, false
	}
	if cfg.APRequireApproval && !b.IsApproved() {
		return time.Time{}, UnknownUnapproved, false
	}
	if ex != nil && ex.ApprovedBy != "" {
		return ex.PayDate, "", true
	}
	if b.ScheduledPaymentDate != nil {
		return *b.ScheduledPaymentDate, "", true
	}
	if b.DueDate == nil {
		return time.Time{}, UnknownMissingDueDate, false
	}
	return NextPaymentRun(*b.DueDate, entity.PaymentRunDay), "", true
}

// ProjectAP produces weekly outflow contributions for the snapshot's
// bills, with template suppression and Unknown routing. Open amount =
// amount minus existing approved allocations; a fully allocated bill is
// Reconciled - its cash is evidenced by bank transactions and nothing
// is projected for it.
func ProjectAP(ctx context.Context, snap *Snapshot, entity *Entity, bills []*VendorBill, exceptions map[BillID]*PaymentRunException, openAmounts map[BillID]decimal.Decimal, fx *FXService, baseCurrency string) (*APProjection, error) {
	proj := &APProjection{}
	cfg := snap.Config

	// First pass: resolve exit weeks of concrete bills so templates know
	// which (vendor, category, week) slots are taken.
	type slot struct {
		vendor, category string
		week             int
	}
	taken := make(map[slot]bool)
	exits := make(map[BillID]time.Time)
	reasons := make(map[BillID]UnknownReason)

	for _, b := range bills {
		exit, reason, ok := CashExitDate(b, entity, exceptions[b.ID], cfg)
		if !ok {
			reasons[b.ID] = reason
			continue
		}
		exits[b.ID] = exit
		if b.RecurringTemplateID == "" {
			taken[slot{Clean(b.Vendor), Clean(b.Category), snap.WeekIndex(exit)}] = true
		}
	}

	for _, b := range bills {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		open, ok := openAmounts[b.ID]
		if !ok {
			open = b.Amount.Value.Abs()
		}
		if open.IsZero() {
			b.TruthLabel = TruthReconciled
			continue
		}
		openMoney := Money{Value: open, Currency: b.Amount.Currency}

		if reason, gap := reasons[b.ID]; gap {
			b.TruthLabel = TruthUnknown
			proj.Contributions = append(proj.Contributions, Contribution{
				SourceID:      string(b.ID),
				CanonicalID:   b.CanonicalID,
				Direction:     DirectionOut,
				WeekIndex:     unknownBillWeek(snap, b),
				Amount:        openMoney,
				Weight:        decimal.NewFromInt(1),
				TruthLabel:    TruthUnknown,
				UnknownReason: reason,
			})
			continue
		}

		exit := exits[b.ID]
		week := snap.WeekIndex(exit)

		// Template suppression: a concrete bill already owns this slot.
		if b.RecurringTemplateID != "" && taken[slot{Clean(b.Vendor), Clean(b.Category), week}] {
			proj.Suppressed = append(proj.Suppressed, b.ID)
			continue
		}

		if b.IsDiscretionary {
			proj.Discretionary = append(proj.Discretionary, b.ID)
			continue
		}

		// Exits before the anchor land in the current week, whatever the
		// branch below.
		if week < 0 {
			week = 0
		}

		converted, err := fx.Convert(ctx, openMoney, baseCurrency, exit)
		if err != nil {
			if _, missing := err.(*FXMissingError); missing {
				b.TruthLabel = TruthUnknown
				proj.Contributions = append(proj.Contributions, Contribution{
					SourceID:      string(b.ID),
					CanonicalID:   b.CanonicalID,
					Direction:     DirectionOut,
					WeekIndex:     week,
					Amount:        openMoney,
					Weight:        decimal.NewFromInt(1),
					TruthLabel:    TruthUnknown,
					UnknownReason: UnknownMissingFX,
				})
				continue
			}
			return nil, err
		}

		b.TruthLabel = TruthModeled
		proj.Contributions = append(proj.Contributions, Contribution{
			SourceID:      string(b.ID),
			CanonicalID:   b.CanonicalID,
			Direction:     DirectionOut,
			WeekIndex:     week,
			Amount:        converted,
			Weight:        decimal.NewFromInt(1),
			PredictedDate: exit,
			TruthLabel:    TruthModeled,
		})
	}
	return proj, nil
}

func unknownBillWeek(snap *Snapshot, b *VendorBill) int {
	if b.DueDate != nil {
		if w := snap.WeekIndex(*b.DueDate); w > 0 {
			return w
		}
	}
	return 0
}
