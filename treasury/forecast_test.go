package treasury_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/treasury"
)

// runForecastContribs ingests, forecasts, and rebuilds the workspace,
// returning the full contribution set.
func runForecastContribs(t *testing.T, env *testEnv, records []*treasury.CanonicalRecord) (*treasury.Workspace, []treasury.Contribution) {
	t.Helper()
	ctx := context.Background()
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, records, "tester")
	require.NoError(t, err)
	_, err = env.engine.RunForecast(ctx, env.snap.ID, "tester")
	require.NoError(t, err)
	ws, contribs, err := env.engine.Workspace13W(ctx, env.snap.ID)
	require.NoError(t, err)
	return ws, contribs
}

func TestForecastAR_MixtureSplitsIntoThreeWeightedBuckets(t *testing.T) {
	env := newTestEnv(t)
	// History: pays dead on time, so p25=p50=p75=0 and the mixture
	// collapses into the due-date week.
	records := paidHistory("Punktlich AG", "DE", 20, 0, "1000.00")
	records = append(records,
		invoiceRecord("INV-OPEN", "Punktlich AG", "10000.00", datePtr(2024, time.March, 20)))
	_, contribs := runForecastContribs(t, env, records)

	var total decimal.Decimal
	var weights []string
	for _, c := range contribs {
		if c.TruthLabel == treasury.TruthModeled && c.Direction == treasury.DirectionIn {
			total = total.Add(c.Amount.Value)
			weights = append(weights, c.Weight.String())
		}
	}
	// 0.20 + 0.50 + 0.30 of 10000.
	assert.ElementsMatch(t, []string{"0.2", "0.5", "0.3"}, weights)
	assert.True(t, total.Equal(dec("10000")), "mixture weights sum to the open amount, got %s", total)
}

func TestForecastAR_MissingFXRoutesToUnknown(t *testing.T) {
	env := newTestEnv(t)
	// Seed scenario: one USD invoice in a EUR entity, no USD->EUR rate.
	usd := invoiceRecord("INV-USD", "Pacific Trading", "10000.00", datePtr(2024, time.March, 20))
	usd.Currency = "USD"
	ws, contribs := runForecastContribs(t, env, []*treasury.CanonicalRecord{usd})

	var unknown []treasury.Contribution
	for _, c := range contribs {
		if c.TruthLabel == treasury.TruthUnknown {
			unknown = append(unknown, c)
		}
	}
	require.Len(t, unknown, 1)
	assert.Equal(t, treasury.UnknownMissingFX, unknown[0].UnknownReason)

	// The grid inflow excludes the unconvertible $10,000 entirely.
	for _, row := range ws.Rows {
		assert.True(t, row.Inflow.IsZero(), "week %d inflow must exclude the USD invoice", row.WeekIndex)
	}
	week := env.snap.WeekIndex(date(2024, time.March, 20))
	assert.True(t, ws.Rows[week].UnknownIn.Equal(dec("10000")))
}

func TestForecastAR_MissingDueDateRoutesToUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, contribs := runForecastContribs(t, env,
		[]*treasury.CanonicalRecord{invoiceRecord("INV-NODUE", "Customer X", "5000.00", nil)})

	require.Len(t, contribs, 1)
	assert.Equal(t, treasury.TruthUnknown, contribs[0].TruthLabel)
	assert.Equal(t, treasury.UnknownMissingDueDate, contribs[0].UnknownReason)
}

func TestForecastAR_StampsPredictionFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	records := paidHistory("Rheinmetall Handel", "DE", 20, 10, "1000.00")
	records = append(records,
		invoiceRecord("INV-OPEN", "Rheinmetall Handel", "5000.00", datePtr(2024, time.March, 20)))
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, records, "tester")
	require.NoError(t, err)
	_, err = env.engine.RunForecast(ctx, env.snap.ID, "tester")
	require.NoError(t, err)

	invoices, err := env.repo.Invoices(ctx, env.snap.ID)
	require.NoError(t, err)
	for _, inv := range invoices {
		if inv.DocumentNumber != "INV-OPEN" {
			continue
		}
		require.NotNil(t, inv.PredictedPaymentDate)
		assert.Equal(t, treasury.TruthModeled, inv.TruthLabel)
		assert.NotEmpty(t, inv.PredictionSegment)
		// Median delay ~10 days after the Mar 20 due date.
		assert.WithinDuration(t, date(2024, time.March, 30), *inv.PredictedPaymentDate, 72*time.Hour)
	}
}
