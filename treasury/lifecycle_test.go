package treasury_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/treasury"
)

// gateBook: 8% of invoice value is in a currency with no configured
// rate, against the default 5% threshold.
func gateBook(t *testing.T, env *testEnv) {
	t.Helper()
	usd := invoiceRecord("INV-USD", "Pacific Trading", "8000.00", datePtr(2024, time.March, 20))
	usd.Currency = "USD"
	ingestOpen(t, env,
		invoiceRecord("INV-EUR", "Rheinmetall Handel", "92000.00", datePtr(2024, time.March, 20)),
		usd,
	)
}

// Seed scenario: gate failure plus CFO override.
func TestLifecycle_GateFailureAndOverride(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gateBook(t, env)

	gates, err := env.engine.MarkReadyForReview(ctx, env.snap.ID, "analyst")
	var gateErr *treasury.GateFailedError
	require.ErrorAs(t, err, &gateErr)
	require.NotNil(t, gates)
	assert.InDelta(t, 8.0, gates.MissingFXExposurePct, 0.01)
	assert.False(t, gates.Eligible)

	// Short acknowledgment is rejected before anything changes.
	_, err = env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", true, "ok then")
	assert.ErrorIs(t, err, treasury.ErrAckTooShort)

	snap, _ := env.repo.Snapshot(ctx, env.snap.ID)
	assert.Equal(t, treasury.StatusDraft, snap.Status)

	// A real acknowledgment bypasses the gates.
	result, err := env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", true,
		"Approved for weekly treasury meeting; known FX gap will be resolved next cycle.")
	require.NoError(t, err)
	assert.Equal(t, treasury.StatusLocked, result.Snapshot.Status)
	assert.Equal(t, treasury.LockOverride, result.Snapshot.LockType)
	assert.NotEmpty(t, result.Snapshot.OverrideAck)
}

func TestLifecycle_NormalPathWhenGatesPass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setEURRate(t, "USD", "0.92")
	gateBook(t, env)

	gates, err := env.engine.MarkReadyForReview(ctx, env.snap.ID, "analyst")
	require.NoError(t, err)
	assert.True(t, gates.Eligible)

	result, err := env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", false, "")
	require.NoError(t, err)
	assert.Equal(t, treasury.StatusLocked, result.Snapshot.Status)
	assert.Equal(t, treasury.LockStandard, result.Snapshot.LockType)
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// DRAFT cannot lock without override.
	_, err := env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", false, "")
	var trans *treasury.InvalidTransitionError
	require.ErrorAs(t, err, &trans)

	// Locked is terminal.
	_, err = env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", true,
		"Approved for weekly treasury meeting; empty book lock for testing.")
	require.NoError(t, err)

	_, err = env.engine.MarkReadyForReview(ctx, env.snap.ID, "analyst")
	require.ErrorAs(t, err, &trans)
	_, err = env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", true,
		"Second lock attempt should fail regardless of acknowledgment text.")
	require.ErrorAs(t, err, &trans)
}

// Seed scenario: end-to-end immutability of a locked snapshot.
func TestLifecycle_LockImmutability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ingestOpen(t, env, invoiceRecord("INV-I", "Customer X", "1000.00", datePtr(2024, time.March, 13)))
	insertTxn(t, env, "txn-l", "1000.00", "Customer X", "prelock wire", 1)

	invoices, _ := env.repo.Invoices(ctx, env.snap.ID)
	require.Len(t, invoices, 1)

	_, err := env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", true,
		"Approved for weekly treasury meeting; locking for immutability test.")
	require.NoError(t, err)

	// Update an owned invoice.
	invoices[0].Amount = eur("2000.00")
	err = env.repo.UpdateInvoice(ctx, invoices[0])
	assert.ErrorIs(t, err, treasury.ErrSnapshotLocked)

	// Insert a new FX rate for this snapshot.
	err = env.repo.InsertFXRate(ctx, &treasury.WeeklyFXRate{
		SnapshotID: env.snap.ID, FromCurrency: "USD", ToCurrency: "EUR", Rate: dec("0.9"),
	})
	assert.ErrorIs(t, err, treasury.ErrSnapshotLocked)

	// Create an allocation against an owned invoice.
	_, err = env.engine.LinkManual(ctx, env.snap.ID, "txn-l", invoices[0].ID, "", eur("1000.00"), "analyst")
	assert.ErrorIs(t, err, treasury.ErrSnapshotLocked)

	// Re-ingest into the snapshot.
	_, err = env.engine.IngestRecords(ctx, env.snap.ID,
		[]*treasury.CanonicalRecord{invoiceRecord("INV-NEW", "Customer Y", "1.00", nil)}, "tester")
	assert.ErrorIs(t, err, treasury.ErrSnapshotLocked)

	// Forecast and segment-stat writes are also frozen.
	_, err = env.engine.RunForecast(ctx, env.snap.ID, "tester")
	assert.ErrorIs(t, err, treasury.ErrSnapshotLocked)
}

func TestLifecycle_OverrideIsAudited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", true,
		"Approved for weekly treasury meeting; audit trail check for override.")
	require.NoError(t, err)

	events, err := env.audit.Events(ctx, "acme", time.Time{}, time.Time{})
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.Action == treasury.ActionOverrideLock {
			found = true
			assert.Contains(t, ev.Delta["acknowledgment"], "audit trail check")
			assert.Equal(t, "cfo", ev.User)
		}
	}
	assert.True(t, found, "override lock must appear in the audit log")
}
