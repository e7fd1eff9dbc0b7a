package treasury_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/treasury"
	"github.com/warp/treasury-engine/treasury/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// asOf is a Monday; week 0 of every test grid is Mar 4-10 2024.
var asOf = time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := date(y, m, d)
	return &t
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func eur(s string) treasury.Money { return treasury.NewMoneyFromString(s, "EUR") }

type testEnv struct {
	repo   *store.Memory
	audit  *store.MemoryAuditLog
	engine *treasury.Engine
	snap   *treasury.Snapshot
}

// newTestEnv builds an engine over the memory store with one EUR entity
// (payment run Friday) and one DRAFT snapshot anchored at asOf.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	repo := store.NewMemory()
	audit := store.NewMemoryAuditLog()
	engine := treasury.NewEngine(repo, audit, nil)

	entity := &treasury.Entity{
		ID:            "acme",
		Name:          "ACME GmbH",
		BaseCurrency:  "EUR",
		PaymentRunDay: time.Friday,
	}
	require.NoError(t, repo.InsertEntity(ctx, entity))

	snap, err := engine.CreateSnapshot(ctx, "acme", asOf, nil, "tester")
	require.NoError(t, err)

	return &testEnv{repo: repo, audit: audit, engine: engine, snap: snap}
}

func (env *testEnv) setEURRate(t *testing.T, from, rate string) {
	t.Helper()
	err := env.engine.SetFXRates(context.Background(), env.snap.ID, []*treasury.WeeklyFXRate{
		{FromCurrency: from, ToCurrency: "EUR", Rate: dec(rate)},
	}, "tester")
	require.NoError(t, err)
}

// invoiceRecord builds a canonical AR record with the shared defaults.
func invoiceRecord(number, customer, amount string, due *time.Time) *treasury.CanonicalRecord {
	return &treasury.CanonicalRecord{
		Kind:           treasury.KindInvoice,
		SourceSystem:   "erp",
		DocumentType:   "invoice",
		DocumentNumber: number,
		Counterparty:   customer,
		Country:        "DE",
		Terms:          "NET30",
		Amount:         dec(amount),
		Currency:       "EUR",
		DocumentDate:   date(2024, time.February, 1),
		DueDate:        due,
	}
}

// paidHistory generates n paid EUR invoices for a customer with the
// given delay (days late, negative = early), weekly cadence backwards
// from the anchor.
func paidHistory(customer, country string, n, delayDays int, amount string) []*treasury.CanonicalRecord {
	out := make([]*treasury.CanonicalRecord, 0, n)
	for i := 0; i < n; i++ {
		docDate := asOf.AddDate(0, 0, -7*(i+3))
		due := docDate.AddDate(0, 0, 30)
		paid := due.AddDate(0, 0, delayDays)
		out = append(out, &treasury.CanonicalRecord{
			Kind:           treasury.KindInvoice,
			SourceSystem:   "erp",
			DocumentType:   "invoice",
			DocumentNumber: customer[:3] + "-H" + string(rune('A'+i%26)) + string(rune('0'+i/26)),
			Counterparty:   customer,
			Country:        country,
			Terms:          "NET30",
			Amount:         dec(amount),
			Currency:       "EUR",
			DocumentDate:   docDate,
			DueDate:        &due,
			PaymentDate:    &paid,
		})
	}
	return out
}
