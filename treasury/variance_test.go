package treasury_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/treasury"
)

// newSnapshot opens a second DRAFT snapshot on the same entity.
func newSnapshot(t *testing.T, env *testEnv) *treasury.Snapshot {
	t.Helper()
	snap, err := env.engine.CreateSnapshot(context.Background(), "acme", asOf.AddDate(0, 0, 7), nil, "tester")
	require.NoError(t, err)
	return snap
}

// Seed scenario: A has {X, Y}; B has {X, Y one week later (due moved),
// Z (new)}. Weeks relative to B's anchor (Mar 11): X w1, Y w3 -> w4,
// Z w2. Y carries a stable external id, so moving its due date keeps its
// canonical id (the component tuple hashes the due date). Variance: one
// new item, one timing shift, nothing else.
func TestVariance_FourCategoryDecomposition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	x := invoiceRecord("INV-X", "Customer X", "100.00", datePtr(2024, time.March, 20))
	yA := invoiceRecord("INV-Y", "Customer Y", "200.00", datePtr(2024, time.April, 3))
	yA.ExternalID = "ERP-Y"
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, []*treasury.CanonicalRecord{x, yA}, "tester")
	require.NoError(t, err)

	snapB := newSnapshot(t, env)
	x2 := invoiceRecord("INV-X", "Customer X", "100.00", datePtr(2024, time.March, 20))
	yB := invoiceRecord("INV-Y", "Customer Y", "200.00", datePtr(2024, time.April, 10)) // moved a week
	yB.ExternalID = "ERP-Y"
	z := invoiceRecord("INV-Z", "Customer Z", "50.00", datePtr(2024, time.March, 27)) // new
	_, err = env.engine.IngestRecords(ctx, snapB.ID, []*treasury.CanonicalRecord{x2, yB, z}, "tester")
	require.NoError(t, err)

	report, err := env.engine.ComputeVariance(ctx, env.snap.ID, snapB.ID)
	require.NoError(t, err)

	newItems := report.Drilldown(treasury.VarNewItems)
	require.Len(t, newItems, 1)
	assert.True(t, newItems[0].Delta.Equal(dec("50")))

	timing := report.Drilldown(treasury.VarTimingShifts)
	require.Len(t, timing, 1)
	assert.Equal(t, timing[0].WeekTo, timing[0].WeekFrom+1, "Y moved one week out")

	assert.Empty(t, report.Drilldown(treasury.VarReconciliation))
	assert.Empty(t, report.Drilldown(treasury.VarPolicyChanges))

	// Completeness: total equals the sum of category deltas exactly.
	var sum = report.Categories[treasury.VarNewItems].
		Add(report.Categories[treasury.VarTimingShifts]).
		Add(report.Categories[treasury.VarReconciliation]).
		Add(report.Categories[treasury.VarPolicyChanges])
	assert.True(t, report.TotalDelta.Equal(sum))
	assert.True(t, report.TotalDelta.Equal(dec("50")))
}

func TestVariance_DroppedItemsAreNegativeNewItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.IngestRecords(ctx, env.snap.ID,
		[]*treasury.CanonicalRecord{invoiceRecord("INV-X", "Customer X", "100.00", datePtr(2024, time.March, 20))}, "tester")
	require.NoError(t, err)

	snapB := newSnapshot(t, env) // empty

	report, err := env.engine.ComputeVariance(ctx, env.snap.ID, snapB.ID)
	require.NoError(t, err)
	assert.True(t, report.TotalDelta.Equal(dec("-100")))
	items := report.Drilldown(treasury.VarNewItems)
	require.Len(t, items, 1)
	assert.Equal(t, -1, items[0].WeekTo, "absent on the B side")
}

func TestVariance_ReconciliationChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := invoiceRecord("INV-R", "Customer R", "1000.00", datePtr(2024, time.March, 13))
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, []*treasury.CanonicalRecord{rec}, "tester")
	require.NoError(t, err)

	snapB := newSnapshot(t, env)
	rec2 := invoiceRecord("INV-R", "Customer R", "1000.00", datePtr(2024, time.March, 13))
	_, err = env.engine.IngestRecords(ctx, snapB.ID, []*treasury.CanonicalRecord{rec2}, "tester")
	require.NoError(t, err)

	// Only snapshot B gets a bank match for the invoice.
	insertTxn(t, env, "txn-r", "1000.00", "Customer R", "Payment INV-R", 2)
	_, err = env.engine.Reconcile(ctx, "acme", snapB.ID, "tester")
	require.NoError(t, err)

	report, err := env.engine.ComputeVariance(ctx, env.snap.ID, snapB.ID)
	require.NoError(t, err)
	changes := report.Drilldown(treasury.VarReconciliation)
	require.Len(t, changes, 1)
	assert.True(t, report.TotalDelta.IsZero(), "same amount, only the allocation set moved")
}

func TestVariance_PolicyChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Same invoice, same due date in both snapshots; only snapshot B has
	// delay history, so B predicts a different week. That is a policy
	// (model) move, not a timing shift.
	inv := invoiceRecord("INV-P", "Rheinmetall Handel", "5000.00", datePtr(2024, time.March, 13))
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, []*treasury.CanonicalRecord{inv}, "tester")
	require.NoError(t, err)
	_, err = env.engine.RunForecast(ctx, env.snap.ID, "tester")
	require.NoError(t, err)

	snapB := newSnapshot(t, env)
	records := paidHistory("Rheinmetall Handel", "DE", 20, 21, "1000.00")
	records = append(records, invoiceRecord("INV-P", "Rheinmetall Handel", "5000.00", datePtr(2024, time.March, 13)))
	_, err = env.engine.IngestRecords(ctx, snapB.ID, records, "tester")
	require.NoError(t, err)
	_, err = env.engine.RunForecast(ctx, snapB.ID, "tester")
	require.NoError(t, err)

	report, err := env.engine.ComputeVariance(ctx, env.snap.ID, snapB.ID)
	require.NoError(t, err)
	policy := report.Drilldown(treasury.VarPolicyChanges)
	var found bool
	for _, it := range policy {
		if it.WeekTo != it.WeekFrom {
			found = true
		}
	}
	assert.True(t, found, "model-driven week move lands in policy_changes")
}
