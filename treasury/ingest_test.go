package treasury_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/treasury"
)

// Seed scenario: ingest three invoices, re-ingest the same file with
// trailing whitespace and different case. Expect 3 rows, identical
// canonical ids.
func TestIngest_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := []*treasury.CanonicalRecord{
		invoiceRecord("INV-A", "Customer X", "1000.00", datePtr(2024, time.March, 10)),
		invoiceRecord("INV-B", "Customer X", "500.00", datePtr(2024, time.March, 17)),
		invoiceRecord("INV-C", "Customer Y", "2000.00", datePtr(2024, time.March, 24)),
	}
	result, err := env.engine.IngestRecords(ctx, env.snap.ID, first, "tester")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Inserted)

	// Same file, sloppier formatting.
	second := []*treasury.CanonicalRecord{
		invoiceRecord("INV-A  ", "customer x", "1000.00", datePtr(2024, time.March, 10)),
		invoiceRecord(" inv-b", "CUSTOMER X", "500.00", datePtr(2024, time.March, 17)),
		invoiceRecord("INV-C", "Customer Y", "2000.00", datePtr(2024, time.March, 24)),
	}
	result, err = env.engine.IngestRecords(ctx, env.snap.ID, second, "tester")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted, "re-ingest must not insert")
	assert.Equal(t, 3, result.Updated)

	invoices, err := env.repo.Invoices(ctx, env.snap.ID)
	require.NoError(t, err)
	assert.Len(t, invoices, 3)
}

func TestIngest_UpdatesMutableFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := invoiceRecord("INV-A", "Customer X", "1000.00", datePtr(2024, time.March, 10))
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, []*treasury.CanonicalRecord{rec}, "tester")
	require.NoError(t, err)

	// The customer pays; the source re-exports with a payment date.
	rec2 := invoiceRecord("INV-A", "Customer X", "1000.00", datePtr(2024, time.March, 10))
	rec2.PaymentDate = datePtr(2024, time.March, 12)
	_, err = env.engine.IngestRecords(ctx, env.snap.ID, []*treasury.CanonicalRecord{rec2}, "tester")
	require.NoError(t, err)

	invoices, err := env.repo.Invoices(ctx, env.snap.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.NotNil(t, invoices[0].PaymentDate)
	assert.Equal(t, date(2024, time.March, 12), *invoices[0].PaymentDate)
}

func TestIngest_ResolvesParents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	original := invoiceRecord("INV-A", "Customer X", "1000.00", datePtr(2024, time.March, 10))
	original.ExternalID = "EXT-A"

	credit := invoiceRecord("CN-A", "Customer X", "-200.00", datePtr(2024, time.March, 10))
	credit.ExternalID = "EXT-CN-A"
	credit.Relationship = treasury.RelCreditNote
	credit.ParentExternalID = "EXT-A"

	orphan := invoiceRecord("CN-B", "Customer X", "-50.00", datePtr(2024, time.March, 10))
	orphan.ExternalID = "EXT-CN-B"
	orphan.Relationship = treasury.RelCreditNote
	orphan.ParentExternalID = "EXT-MISSING"

	result, err := env.engine.IngestRecords(ctx, env.snap.ID,
		[]*treasury.CanonicalRecord{credit, original, orphan}, "tester") // child before parent on purpose
	require.NoError(t, err)
	assert.Len(t, result.UnresolvedParents, 1, "orphan is flagged, not an error")

	invoices, err := env.repo.Invoices(ctx, env.snap.ID)
	require.NoError(t, err)
	byNumber := make(map[string]*treasury.Invoice)
	for _, inv := range invoices {
		byNumber[inv.DocumentNumber] = inv
	}
	assert.Equal(t, byNumber["INV-A"].ID, byNumber["CN-A"].ParentInvoiceID,
		"credit note resolves its parent regardless of input order")
	assert.Empty(t, byNumber["CN-B"].ParentInvoiceID)
}

func TestIngest_LockedSnapshotRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", true,
		"Approved for weekly treasury meeting; empty book lock for testing.")
	require.NoError(t, err)

	_, err = env.engine.IngestRecords(ctx, env.snap.ID,
		[]*treasury.CanonicalRecord{invoiceRecord("INV-A", "Customer X", "1000.00", nil)}, "tester")
	assert.ErrorIs(t, err, treasury.ErrSnapshotLocked)
}
