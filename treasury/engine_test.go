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

// End-to-end: ingest -> fx -> forecast -> reconcile -> workspace ->
// trust -> ready -> lock, with every intermediate surface checked.
func TestEngine_FullPipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setEURRate(t, "GBP", "1.17")

	records := paidHistory("Rheinmetall Handel", "DE", 20, 10, "1200.00")
	records = append(records,
		invoiceRecord("INV-9001", "Rheinmetall Handel", "15000.00", datePtr(2024, time.March, 13)),
		invoiceRecord("INV-9002", "Rheinmetall Handel", "22000.00", datePtr(2024, time.March, 27)),
	)
	gbp := invoiceRecord("INV-9003", "Beaufort Ltd", "9800.00", datePtr(2024, time.March, 20))
	gbp.Currency = "GBP"
	records = append(records, gbp)
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, records, "tester")
	require.NoError(t, err)

	insertTxn(t, env, "txn-1", "15000.00", "Rheinmetall Handel", "Payment INV-9001 March", 2)

	forecast, err := env.engine.RunForecast(ctx, env.snap.ID, "tester")
	require.NoError(t, err)
	assert.NotEmpty(t, forecast.Segments)

	recon, err := env.engine.Reconcile(ctx, "acme", env.snap.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, recon.Tiers.Deterministic)

	ws, _, err := env.engine.Workspace13W(ctx, env.snap.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, ws.CheckCashMath())

	// The reconciled invoice forecasts nothing; its cash shows as the
	// Bank-True receipt in week 0.
	assert.True(t, ws.Rows[0].Inflow.GreaterThanOrEqual(dec("15000")))

	trust, err := env.engine.TrustReport(ctx, env.snap.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, trust.CashExplainedPct, 0.01, "the single movement is reconciled")
	assert.True(t, trust.Unknown.Total.IsZero())

	gates, err := env.engine.MarkReadyForReview(ctx, env.snap.ID, "analyst")
	require.NoError(t, err)
	assert.True(t, gates.Eligible)

	result, err := env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", false, "")
	require.NoError(t, err)
	assert.Equal(t, treasury.StatusLocked, result.Snapshot.Status)

	// Reads still work after lock.
	_, _, err = env.engine.Workspace13W(ctx, env.snap.ID)
	require.NoError(t, err)
	_, err = env.engine.TrustReport(ctx, env.snap.ID)
	require.NoError(t, err)
}

// Seed scenario: a $10,000 invoice in a EUR entity with no USD rate.
// run_forecast completes, the invoice lands in Unknown with missing_fx,
// and Convert raises FXMissing.
func TestEngine_MissingFXScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	usd := invoiceRecord("INV-USD", "Pacific Trading", "10000.00", datePtr(2024, time.March, 20))
	usd.Currency = "USD"
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, []*treasury.CanonicalRecord{usd}, "tester")
	require.NoError(t, err)

	_, err = env.engine.RunForecast(ctx, env.snap.ID, "tester")
	require.NoError(t, err, "missing FX is a data gap, not a forecast failure")

	trust, err := env.engine.TrustReport(ctx, env.snap.ID)
	require.NoError(t, err)
	assert.True(t, trust.Unknown.ByReason[treasury.UnknownMissingFX].Equal(dec("10000")))
	assert.InDelta(t, 100.0, trust.MissingFXPct, 0.01)

	fx := treasury.NewFXService(env.repo, env.snap.ID)
	_, err = fx.Convert(ctx, treasury.NewMoneyFromString("1000", "USD"), "EUR", asOf)
	var missing *treasury.FXMissingError
	require.ErrorAs(t, err, &missing)
}

func TestEngine_DrilldownMatchesWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	records := paidHistory("Rheinmetall Handel", "DE", 20, 10, "1200.00")
	records = append(records,
		invoiceRecord("INV-9001", "Rheinmetall Handel", "15000.00", datePtr(2024, time.March, 13)))
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, records, "tester")
	require.NoError(t, err)
	_, err = env.engine.RunForecast(ctx, env.snap.ID, "tester")
	require.NoError(t, err)

	ws, _, err := env.engine.Workspace13W(ctx, env.snap.ID)
	require.NoError(t, err)
	for week := 0; week < treasury.GridWeeks; week++ {
		contribs, err := env.engine.Drilldown(ctx, env.snap.ID, week, treasury.DirectionIn)
		require.NoError(t, err)
		var sum decimal.Decimal
		for _, c := range contribs {
			sum = sum.Add(c.Amount.Value)
		}
		assert.True(t, sum.Equal(ws.Rows[week].Inflow), "week %d", week)
	}
}

func TestEngine_AuditTrailCoversPipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.IngestRecords(ctx, env.snap.ID,
		[]*treasury.CanonicalRecord{invoiceRecord("INV-1", "Customer X", "100.00", datePtr(2024, time.March, 13))}, "tester")
	require.NoError(t, err)
	_, err = env.engine.RunForecast(ctx, env.snap.ID, "tester")
	require.NoError(t, err)
	_, err = env.engine.Reconcile(ctx, "acme", env.snap.ID, "tester")
	require.NoError(t, err)

	events, err := env.audit.Events(ctx, "acme", time.Time{}, time.Time{})
	require.NoError(t, err)

	actions := make(map[string]bool)
	var lastSeq uint64
	for _, ev := range events {
		actions[ev.Action] = true
		assert.Greater(t, ev.Seq, lastSeq, "audit log is monotonically sequenced")
		lastSeq = ev.Seq
	}
	for _, want := range []string{
		treasury.ActionCreateSnapshot,
		treasury.ActionIngest,
		treasury.ActionRunForecast,
		treasury.ActionReconcile,
	} {
		assert.True(t, actions[want], "missing audit action %s", want)
	}
}

func TestEngine_ConcurrentSnapshotsDoNotInterfere(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	snapB, err := env.engine.CreateSnapshot(ctx, "acme", asOf, nil, "tester")
	require.NoError(t, err)

	done := make(chan error, 2)
	ingest := func(sid treasury.SnapshotID, number string) {
		_, err := env.engine.IngestRecords(ctx, sid,
			[]*treasury.CanonicalRecord{invoiceRecord(number, "Customer X", "100.00", datePtr(2024, time.March, 13))}, "tester")
		done <- err
	}
	go ingest(env.snap.ID, "INV-A")
	go ingest(snapB.ID, "INV-B")
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	a, _ := env.repo.Invoices(ctx, env.snap.ID)
	b, _ := env.repo.Invoices(ctx, snapB.ID)
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}
