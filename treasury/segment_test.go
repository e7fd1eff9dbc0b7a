package treasury_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/treasury"
)

// Only paid invoices with both dates participate in training; these
// tests drive the model through ingest to keep the fixtures honest.

// trainModel ingests the records and trains the delay model directly.
func trainModel(t *testing.T, env *testEnv, records []*treasury.CanonicalRecord) *treasury.DelayModel {
	t.Helper()
	ctx := context.Background()
	_, err := env.engine.IngestRecords(ctx, env.snap.ID, records, "tester")
	require.NoError(t, err)
	invoices, err := env.repo.Invoices(ctx, env.snap.ID)
	require.NoError(t, err)
	fx := treasury.NewFXService(env.repo, env.snap.ID)
	model, err := treasury.TrainDelayModel(ctx, env.snap, invoices, fx, "EUR")
	require.NoError(t, err)
	return model
}

func TestDelayModel_HierarchyMostSpecificWins(t *testing.T) {
	env := newTestEnv(t)
	// 20 paid invoices for one customer: the full customer+country+terms
	// segment reaches the floor of 15.
	model := trainModel(t, env, paidHistory("Rheinmetall Handel", "DE", 20, 10, "1000.00"))

	inv := &treasury.Invoice{Customer: "Rheinmetall Handel", Country: "DE", Terms: "NET30"}
	pred := model.Predict(inv)
	assert.Contains(t, pred.Segment, string(treasury.SegCustomerCountryTerms))
	assert.InDelta(t, 10, pred.P50, 2, "median delay learned from history")
}

func TestDelayModel_FallsBackThroughHierarchy(t *testing.T) {
	env := newTestEnv(t)
	// History is for customer A; the open invoice is customer B in the
	// same country. Only country-level segments can reach the floor.
	model := trainModel(t, env, paidHistory("Alpha Versand", "DE", 20, 7, "1000.00"))

	inv := &treasury.Invoice{Customer: "Beta Logistik", Country: "DE", Terms: "NET30"}
	pred := model.Predict(inv)
	assert.Contains(t, pred.Segment, string(treasury.SegCountryTerms))
}

func TestDelayModel_GlobalFallbackDefaults(t *testing.T) {
	env := newTestEnv(t)
	// Only 5 paid invoices: nothing reaches the sample floor of 15.
	model := trainModel(t, env, paidHistory("Tiny Kunde", "DE", 5, 3, "1000.00"))

	inv := &treasury.Invoice{Customer: "Anyone", Country: "FR", Terms: "NET60"}
	pred := model.Predict(inv)
	assert.Equal(t, treasury.GlobalFallbackSegment, pred.Segment)
	assert.Equal(t, -7.0, pred.P25)
	assert.Equal(t, 0.0, pred.P50)
	assert.Equal(t, 14.0, pred.P75)
	assert.Equal(t, 30.0, pred.P90)
}

func TestDelayModel_MonotonicQuantiles(t *testing.T) {
	env := newTestEnv(t)
	records := paidHistory("Rheinmetall Handel", "DE", 40, 10, "1000.00")
	records = append(records, paidHistory("Beaufort Ltd", "UK", 40, -5, "2000.00")...)
	model := trainModel(t, env, records)

	for _, s := range model.Stats {
		assert.LessOrEqual(t, s.P25, s.P50, "segment %s/%s", s.SegmentType, s.SegmentKey)
		assert.LessOrEqual(t, s.P50, s.P75, "segment %s/%s", s.SegmentType, s.SegmentKey)
		assert.LessOrEqual(t, s.P75, s.P90, "segment %s/%s", s.SegmentType, s.SegmentKey)
	}
}

func TestDelayModel_CalibrationRunsOnLargeSegments(t *testing.T) {
	env := newTestEnv(t)
	// 40 rows with spread-out delays: above the 30-row calibration floor.
	records := make([]*treasury.CanonicalRecord, 0, 40)
	for i, delay := range []int{0, 5, 10, 15, 20} {
		batch := paidHistory("Grossabnehmer AG", "DE", 8, delay, "1000.00")
		for j, r := range batch {
			r.DocumentNumber = r.DocumentNumber + "-" + string(rune('a'+i)) + string(rune('a'+j))
			records = append(records, r)
		}
	}
	model := trainModel(t, env, records)

	require.NotEmpty(t, model.Calibration, "segments above the floor must calibrate")
	for _, c := range model.Calibration {
		assert.GreaterOrEqual(t, c.CoverageP25P75, 0.0)
		assert.LessOrEqual(t, c.CoverageP25P75, 1.0)
		assert.False(t, c.CVFoldSplit.IsZero(), "time-ordered split boundary recorded")
	}
}

func TestDelayModel_ExcludesUnpaidAndUndated(t *testing.T) {
	env := newTestEnv(t)
	records := paidHistory("Rheinmetall Handel", "DE", 16, 10, "1000.00")
	// An open invoice and a paid one missing its due date must not train.
	records = append(records,
		invoiceRecord("INV-OPEN", "Rheinmetall Handel", "9999.00", datePtr(2024, time.April, 1)))
	noDue := invoiceRecord("INV-NODUE", "Rheinmetall Handel", "8888.00", nil)
	noDue.PaymentDate = datePtr(2024, time.February, 20)
	records = append(records, noDue)

	model := trainModel(t, env, records)
	for _, s := range model.Stats {
		if s.SegmentType == treasury.SegGlobal {
			assert.Equal(t, 16, s.SampleSize, "only paid invoices with both dates train")
		}
	}
}
