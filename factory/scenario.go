/*
Package factory builds coherent demo scenarios for the treasury engine.

PURPOSE:
  Seeds an entity with paid AR history (enough to train segment
  distributions), open receivables, payables on a Friday payment run,
  bank transactions that reconcile against part of the book, and FX
  rates - so a fresh server shows a meaningful 13-week grid, trust
  report, and reconciliation pass out of the box.

USAGE:
  snapID, err := factory.SeedDemoScenario(ctx, engine)

  Used by cmd/server -seed and by integration-style tests.
*/
package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/treasury-engine/treasury"
)

// Fixed anchor so seeded runs are reproducible.
var demoAsOf = time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

const DemoEntityID = "acme-eu"

// SeedDemoScenario loads the demo book into the engine and returns the
// created snapshot id.
func SeedDemoScenario(ctx context.Context, engine *treasury.Engine) (treasury.SnapshotID, error) {
	repo := engine.Repo()

	entity := &treasury.Entity{
		ID:            DemoEntityID,
		Name:          "ACME Europe GmbH",
		BaseCurrency:  "EUR",
		PaymentRunDay: time.Friday,
		InternalAccounts: map[string]bool{
			"DE89-INTERNAL-01": true,
		},
	}
	if err := repo.InsertEntity(ctx, entity); err != nil {
		return "", err
	}

	snap, err := engine.CreateSnapshot(ctx, DemoEntityID, demoAsOf, nil, "seed")
	if err != nil {
		return "", err
	}

	rates := []*treasury.WeeklyFXRate{
		{FromCurrency: "USD", ToCurrency: "EUR", Rate: decimal.RequireFromString("0.92")},
		{FromCurrency: "GBP", ToCurrency: "EUR", Rate: decimal.RequireFromString("1.17")},
	}
	if err := engine.SetFXRates(ctx, snap.ID, rates, "seed"); err != nil {
		return "", err
	}

	records := demoRecords()
	if _, err := engine.IngestRecords(ctx, snap.ID, records, "seed"); err != nil {
		return "", err
	}

	for _, t := range demoTransactions() {
		if err := repo.InsertTransaction(ctx, t); err != nil {
			return "", err
		}
	}
	return snap.ID, nil
}

// demoRecords builds paid history for two customer segments plus open
// AR and AP.
func demoRecords() []*treasury.CanonicalRecord {
	var out []*treasury.CanonicalRecord

	// Paid history: Rheinmetall Handel pays ~10 days late, Beaufort Ltd
	// pays ~5 days early. 20 paid invoices each, weekly cadence.
	histories := []struct {
		customer string
		country  string
		terms    string
		delay    int
		amount   string
	}{
		{"Rheinmetall Handel", "DE", "NET30", 10, "12000.00"},
		{"Beaufort Ltd", "UK", "NET30", -5, "8500.00"},
	}
	for hi, h := range histories {
		for i := 0; i < 20; i++ {
			docDate := demoAsOf.AddDate(0, 0, -7*(i+4))
			due := docDate.AddDate(0, 0, 30)
			paid := due.AddDate(0, 0, h.delay+(i%3-1)) // small jitter around the mean
			out = append(out, &treasury.CanonicalRecord{
				Kind:           treasury.KindInvoice,
				SourceSystem:   "erp-demo",
				DocumentType:   "invoice",
				DocumentNumber: fmt.Sprintf("INV-%d%03d", hi+1, i+1),
				Counterparty:   h.customer,
				Country:        h.country,
				Terms:          h.terms,
				Amount:         decimal.RequireFromString(h.amount),
				Currency:       "EUR",
				DocumentDate:   docDate,
				DueDate:        &due,
				PaymentDate:    &paid,
			})
		}
	}

	// Open AR across the 13-week window.
	openAR := []struct {
		number   string
		customer string
		country  string
		amount   string
		currency string
		dueWeeks int
	}{
		{"INV-9001", "Rheinmetall Handel", "DE", "15000.00", "EUR", 1},
		{"INV-9002", "Rheinmetall Handel", "DE", "22000.00", "EUR", 3},
		{"INV-9003", "Beaufort Ltd", "UK", "9800.00", "GBP", 2},
		{"INV-9004", "Beaufort Ltd", "UK", "11200.00", "GBP", 5},
		{"INV-9005", "Nordwind Logistik", "DE", "7400.00", "EUR", 4},
		{"INV-9006", "Pacific Trading Co", "US", "10000.00", "USD", 6},
	}
	for _, inv := range openAR {
		docDate := demoAsOf.AddDate(0, 0, -14)
		due := demoAsOf.AddDate(0, 0, 7*inv.dueWeeks)
		out = append(out, &treasury.CanonicalRecord{
			Kind:           treasury.KindInvoice,
			SourceSystem:   "erp-demo",
			DocumentType:   "invoice",
			DocumentNumber: inv.number,
			Counterparty:   inv.customer,
			Country:        inv.country,
			Terms:          "NET30",
			Amount:         decimal.RequireFromString(inv.amount),
			Currency:       inv.currency,
			DocumentDate:   docDate,
			DueDate:        &due,
		})
	}

	// Payables: committed, held, discretionary, recurring.
	approval := demoAsOf.AddDate(0, 0, -3)
	bills := []struct {
		number   string
		vendor   string
		amount   string
		dueWeeks int
		hold     int
		approved bool
		discret  bool
		category string
		template string
	}{
		{"BILL-4001", "Stahlwerk Supplies", "18000.00", 2, 0, true, false, "materials", ""},
		{"BILL-4002", "Cloudhafen Hosting", "2400.00", 1, 0, true, false, "it", "tmpl-hosting"},
		{"BILL-4003", "Kanzlei Brandt", "5600.00", 3, 1, false, false, "legal", ""},
		{"BILL-4004", "Eventista Marketing", "7500.00", 4, 0, true, true, "marketing", ""},
		{"BILL-4005", "Stadtwerke Energie", "3100.00", 2, 0, false, false, "utilities", ""},
	}
	for _, b := range bills {
		docDate := demoAsOf.AddDate(0, 0, -10)
		due := demoAsOf.AddDate(0, 0, 7*b.dueWeeks)
		rec := &treasury.CanonicalRecord{
			Kind:                treasury.KindBill,
			SourceSystem:        "erp-demo",
			DocumentType:        "vendor_bill",
			DocumentNumber:      b.number,
			Counterparty:        b.vendor,
			Amount:              decimal.RequireFromString(b.amount),
			Currency:            "EUR",
			DocumentDate:        docDate,
			DueDate:             &due,
			HoldStatus:          b.hold,
			IsDiscretionary:     b.discret,
			Category:            b.category,
			RecurringTemplateID: b.template,
		}
		if b.approved {
			rec.ApprovalDate = &approval
		}
		out = append(out, rec)
	}
	return out
}

func demoTransactions() []*treasury.BankTransaction {
	mk := func(id, amount, currency, counterparty, reference string, daysFromAsOf int) *treasury.BankTransaction {
		return &treasury.BankTransaction{
			ID:              treasury.TransactionID(id),
			EntityID:        DemoEntityID,
			BankAccountID:   "DE89-OPERATING-01",
			TransactionDate: demoAsOf.AddDate(0, 0, daysFromAsOf),
			Amount:          treasury.NewMoneyFromString(amount, currency),
			Counterparty:    counterparty,
			Reference:       reference,
			LifecycleStatus: treasury.LifecycleNew,
		}
	}
	return []*treasury.BankTransaction{
		// Pays INV-9001 exactly, reference carries the document number.
		mk("txn-0001", "15000.00", "EUR", "Rheinmetall Handel", "Payment INV-9001 March", 2),
		// Partial wire with no usable reference: stays unmatched.
		mk("txn-0002", "4250.00", "EUR", "Unbekannt GmbH", "WIRE 99817723", 1),
		// Outflow to a vendor.
		mk("txn-0003", "-2400.00", "EUR", "Cloudhafen Hosting", "BILL-4002 hosting feb", 3),
		// Opening-balance history before the anchor week.
		mk("txn-0004", "50000.00", "EUR", "ACME Holding", "Capital injection", -30),
	}
}
