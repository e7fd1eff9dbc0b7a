package treasury_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/treasury"
)

func solve(amount string, candidates []treasury.AllocationCandidate) *treasury.SolverResult {
	cfg := treasury.DefaultConfig()
	deadline := time.Now().Add(2 * time.Second)
	return treasury.SolveAllocation(dec(amount), candidates, decimal.Zero, decimal.Zero, cfg, deadline)
}

// Seed scenario: EUR 10,000 transaction over three open invoices of
// 4,000 / 3,500 / 2,500. Allocations must sum to the transaction and
// never exceed any invoice's open amount.
func TestSolver_ConservationExactFill(t *testing.T) {
	res := solve("10000", []treasury.AllocationCandidate{
		{InvoiceID: "inv-1", Open: dec("4000"), Quality: 150},
		{InvoiceID: "inv-2", Open: dec("3500"), Quality: 100},
		{InvoiceID: "inv-3", Open: dec("2500"), Quality: 75},
	})

	var sum decimal.Decimal
	for _, a := range res.Allocations {
		sum = sum.Add(a.Amount)
	}
	assert.True(t, sum.Equal(dec("10000")))
	assert.True(t, res.Residual.IsZero())
	assert.True(t, res.Conservation.IsConserved)
	assert.NotEmpty(t, res.Conservation.Proof, "machine-checkable proof string returned")

	for _, check := range res.NoOvermatch {
		assert.True(t, check.OK, "allocation to %s exceeds open", check.InvoiceID)
	}
}

// Seed scenario: EUR 15,000 transaction against EUR 10,000 of open
// invoices. The solver allocates 10,000 and records a 5,000 residual -
// it never fabricates capacity.
func TestSolver_OverOpenTransactionLeavesResidual(t *testing.T) {
	res := solve("15000", []treasury.AllocationCandidate{
		{InvoiceID: "inv-1", Open: dec("4000"), Quality: 150},
		{InvoiceID: "inv-2", Open: dec("3500"), Quality: 100},
		{InvoiceID: "inv-3", Open: dec("2500"), Quality: 75},
	})

	var sum decimal.Decimal
	for _, a := range res.Allocations {
		sum = sum.Add(a.Amount)
	}
	assert.True(t, sum.Equal(dec("10000")))
	assert.True(t, res.Residual.Equal(dec("5000")))
	assert.True(t, res.Conservation.IsConserved, "residual keeps the conservation identity")
	for _, check := range res.NoOvermatch {
		assert.True(t, check.OK)
	}
}

func TestSolver_QualityOrderGovernsFill(t *testing.T) {
	// 5,000 across two candidates: the higher-quality one fills first.
	res := solve("5000", []treasury.AllocationCandidate{
		{InvoiceID: "low", Open: dec("5000"), Quality: 60},
		{InvoiceID: "high", Open: dec("3000"), Quality: 185},
	})

	require.Len(t, res.Allocations, 2)
	assert.Equal(t, treasury.InvoiceID("high"), res.Allocations[0].InvoiceID)
	assert.True(t, res.Allocations[0].Amount.Equal(dec("3000")))
	assert.True(t, res.Allocations[1].Amount.Equal(dec("2000")))
}

func TestSolver_FeesAndWriteoffsCarvedOut(t *testing.T) {
	cfg := treasury.DefaultConfig()
	res := treasury.SolveAllocation(dec("1000"),
		[]treasury.AllocationCandidate{{InvoiceID: "inv-1", Open: dec("990"), Quality: 100}},
		dec("8.50"), dec("1.50"), cfg, time.Time{})

	require.Len(t, res.Allocations, 1)
	assert.True(t, res.Allocations[0].Amount.Equal(dec("990")))
	assert.True(t, res.Conservation.IsConserved,
		"alloc 990 + fees 8.50 + writeoffs 1.50 = 1000")
}

func TestSolver_CandidateCapDegradesToGreedy(t *testing.T) {
	cfg := treasury.DefaultConfig()
	cfg.LPCandidateCap = 3
	candidates := make([]treasury.AllocationCandidate, 10)
	for i := range candidates {
		candidates[i] = treasury.AllocationCandidate{
			InvoiceID: treasury.InvoiceID(string(rune('a' + i))),
			Open:      dec("100"),
			Quality:   float64(i),
		}
	}
	res := treasury.SolveAllocation(dec("250"), candidates, decimal.Zero, decimal.Zero, cfg, time.Time{})

	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Note)
	// Top three by quality are j, i, h.
	require.Len(t, res.Allocations, 3)
	assert.Equal(t, treasury.InvoiceID("j"), res.Allocations[0].InvoiceID)
}

// The objective weights are pinned: 100 ref / 50 amount / 25 date /
// 10 counterparty. Tests fail loudly on silent drift.
func TestQualityWeights_Pinned(t *testing.T) {
	cfg := treasury.DefaultConfig()
	assert.Equal(t, 100.0, cfg.Quality.Reference)
	assert.Equal(t, 50.0, cfg.Quality.Amount)
	assert.Equal(t, 25.0, cfg.Quality.Date)
	assert.Equal(t, 10.0, cfg.Quality.Counterparty)
}

func TestSolver_DeterministicUnderShuffle(t *testing.T) {
	candidates := []treasury.AllocationCandidate{
		{InvoiceID: "b", Open: dec("1000"), Quality: 100},
		{InvoiceID: "a", Open: dec("1000"), Quality: 100},
		{InvoiceID: "c", Open: dec("1000"), Quality: 100},
	}
	res1 := solve("1500", candidates)

	reversed := []treasury.AllocationCandidate{candidates[2], candidates[0], candidates[1]}
	res2 := solve("1500", reversed)

	require.Equal(t, len(res1.Allocations), len(res2.Allocations))
	for i := range res1.Allocations {
		assert.Equal(t, res1.Allocations[i].InvoiceID, res2.Allocations[i].InvoiceID,
			"equal-quality ties break deterministically")
	}
}
