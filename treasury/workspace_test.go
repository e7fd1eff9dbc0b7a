package treasury_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/treasury"
)

// mixedBook builds a book with history, open AR, AP, and bank activity.
func mixedBook() []*treasury.CanonicalRecord {
	records := paidHistory("Rheinmetall Handel", "DE", 20, 10, "1200.00")
	records = append(records, paidHistory("Beaufort Ltd", "UK", 20, -5, "900.00")...)
	records = append(records,
		invoiceRecord("INV-9001", "Rheinmetall Handel", "15000.00", datePtr(2024, time.March, 13)),
		invoiceRecord("INV-9002", "Beaufort Ltd", "8000.00", datePtr(2024, time.March, 27)),
		invoiceRecord("INV-9003", "Nordwind Logistik", "6000.00", datePtr(2024, time.April, 10)),
	)
	bill := billRecord("BILL-1", "Stahlwerk", "4000.00", datePtr(2024, time.March, 19))
	records = append(records, bill)
	return records
}

func buildGrid(t *testing.T, env *testEnv, records []*treasury.CanonicalRecord) *treasury.Workspace {
	t.Helper()
	ctx := context.Background()
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, records, "tester")
	require.NoError(t, err)
	_, err = env.engine.RunForecast(ctx, env.snap.ID, "tester")
	require.NoError(t, err)
	ws, _, err := env.engine.Workspace13W(ctx, env.snap.ID)
	require.NoError(t, err)
	return ws
}

func TestWorkspace_CashMathInvariant(t *testing.T) {
	env := newTestEnv(t)
	ws := buildGrid(t, env, mixedBook())

	require.Len(t, ws.Rows, treasury.GridWeeks)
	assert.Equal(t, -1, ws.CheckCashMath(), "close = open + inflow - outflow, open chains forward")
}

func TestWorkspace_DrilldownSumsToCell(t *testing.T) {
	env := newTestEnv(t)
	ws := buildGrid(t, env, mixedBook())

	for week := 0; week < treasury.GridWeeks; week++ {
		for _, dir := range []treasury.Direction{treasury.DirectionIn, treasury.DirectionOut} {
			var sum decimal.Decimal
			for _, c := range ws.Drilldown(week, dir) {
				sum = sum.Add(c.Amount.Value)
			}
			cell := ws.Rows[week].Inflow
			if dir == treasury.DirectionOut {
				cell = ws.Rows[week].Outflow
			}
			assert.True(t, sum.Equal(cell),
				"week %d %s: drilldown sum %s != cell %s", week, dir, sum, cell)
		}
	}
}

// Metamorphic: shuffling record order changes no aggregate.
func TestWorkspace_ShuffleInvariant(t *testing.T) {
	base := newTestEnv(t)
	baseline := buildGrid(t, base, mixedBook())

	shuffled := mixedBook()
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	env := newTestEnv(t)
	ws := buildGrid(t, env, shuffled)

	for i := range baseline.Rows {
		assert.True(t, baseline.Rows[i].Inflow.Equal(ws.Rows[i].Inflow), "week %d inflow", i)
		assert.True(t, baseline.Rows[i].Outflow.Equal(ws.Rows[i].Outflow), "week %d outflow", i)
		assert.True(t, baseline.Rows[i].Close.Equal(ws.Rows[i].Close), "week %d close", i)
	}
}

// Metamorphic: scaling all amounts by k scales every weekly aggregate
// by k.
func TestWorkspace_ScaleInvariant(t *testing.T) {
	k := dec("3")

	base := newTestEnv(t)
	baseline := buildGrid(t, base, mixedBook())

	scaled := mixedBook()
	for _, r := range scaled {
		r.Amount = r.Amount.Mul(k)
	}
	env := newTestEnv(t)
	ws := buildGrid(t, env, scaled)

	for i := range baseline.Rows {
		wantIn := baseline.Rows[i].Inflow.Mul(k)
		wantOut := baseline.Rows[i].Outflow.Mul(k)
		assert.True(t, wantIn.Sub(ws.Rows[i].Inflow).Abs().LessThanOrEqual(treasury.CentTolerance),
			"week %d inflow: want %s got %s", i, wantIn, ws.Rows[i].Inflow)
		assert.True(t, wantOut.Sub(ws.Rows[i].Outflow).Abs().LessThanOrEqual(treasury.CentTolerance),
			"week %d outflow: want %s got %s", i, wantOut, ws.Rows[i].Outflow)
	}
}

func TestWorkspace_BankTrueContributions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.repo.InsertTransaction(ctx, &treasury.BankTransaction{
		ID:              "txn-1",
		EntityID:        "acme",
		TransactionDate: date(2024, time.March, 6),
		Amount:          eur("2500.00"),
		Counterparty:    "Rheinmetall Handel",
		Reference:       "unreferenced receipt",
		LifecycleStatus: treasury.LifecycleNew,
	}))
	ws := buildGrid(t, env, nil)

	contribs := ws.Drilldown(0, treasury.DirectionIn)
	require.Len(t, contribs, 1)
	assert.Equal(t, treasury.TruthBankTrue, contribs[0].TruthLabel)
	assert.True(t, ws.Rows[0].Inflow.Equal(dec("2500")))
}

func TestWorkspace_WashTransactionsExcluded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.repo.InsertTransaction(ctx, &treasury.BankTransaction{
		ID:              "txn-wash",
		EntityID:        "acme",
		TransactionDate: date(2024, time.March, 6),
		Amount:          eur("99999.00"),
		IsWash:          true,
		LifecycleStatus: treasury.LifecycleNew,
	}))
	ws := buildGrid(t, env, nil)
	assert.True(t, ws.Rows[0].Inflow.IsZero(), "inter-company wash never hits the grid")
}
