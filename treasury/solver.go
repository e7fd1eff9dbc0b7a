/*
solver.go - Constrained many-to-many allocation

PURPOSE:
  Splits one bank transaction across candidate invoices:

    maximize   sum quality_i * x_i
    subject to sum x_i + fees + writeoffs + residual = |txn.amount|
               0 <= x_i <= open_i

  With a single conservation constraint and independent box bounds this
  program is a continuous knapsack, so filling candidates in descending
  quality order is exact. The solver still runs under a wall-clock cap;
  candidate sets above the cap are truncated to the top-quality slice
  and the allocation is annotated as degraded.

PROOFS:
  Every solve returns a machine-checkable conservation proof (allocated
  + fees + writeoffs + residual vs |amount|, within one cent) and a
  no-overmatch proof (per candidate, allocated <= open). A residual is
  recorded when candidates cannot absorb the transaction; the solver
  never fabricates capacity.
*/
package treasury

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CANDIDATES & RESULTS
// =============================================================================

// AllocationCandidate is one invoice (or bill) eligible for a share of
// the transaction, with its remaining open amount and match quality.
type AllocationCandidate struct {
	InvoiceID InvoiceID
	BillID    BillID
	Open      decimal.Decimal
	Quality   float64
}

type SolvedAllocation struct {
	InvoiceID InvoiceID
	BillID    BillID
	Amount    decimal.Decimal
	Quality   float64
}

type ConservationProof struct {
	IsConserved bool
	Expected    decimal.Decimal
	Actual      decimal.Decimal
	Difference  decimal.Decimal
	Proof       string
}

type OvermatchCheck struct {
	InvoiceID InvoiceID
	BillID    BillID
	Allocated decimal.Decimal
	Open      decimal.Decimal
	OK        bool
}

type SolverResult struct {
	Allocations []SolvedAllocation
	Residual    decimal.Decimal // unallocated remainder, never negative
	Fees        decimal.Decimal
	Writeoffs   decimal.Decimal

	Conservation ConservationProof
	NoOvermatch  []OvermatchCheck

	Degraded bool
	Note     string
}

// =============================================================================
// SOLVER
// =============================================================================

// SolveAllocation allocates |txnAmount| across candidates. fees and
// writeoffs are carved out before allocation. deadline bounds wall
// clock; on expiry the partial fill so far is kept and annotated.
func SolveAllocation(txnAmount decimal.Decimal, candidates []AllocationCandidate, fees, writeoffs decimal.Decimal, cfg Config, deadline time.Time) *SolverResult {
	target := txnAmount.Abs()
	res := &SolverResult{Fees: fees, Writeoffs: writeoffs}

	sorted := append([]AllocationCandidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Quality != sorted[j].Quality {
			return sorted[i].Quality > sorted[j].Quality
		}
		// Deterministic tie-break so shuffled input cannot change output.
		return allocKeyLess(sorted[i], sorted[j])
	})

	if cfg.LPCandidateCap > 0 && len(sorted) > cfg.LPCandidateCap {
		sorted = sorted[:cfg.LPCandidateCap]
		res.Degraded = true
		res.Note = fmt.Sprintf("candidate set truncated to top %d by quality", cfg.LPCandidateCap)
	}

	remaining := target.Sub(fees).Sub(writeoffs)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	for _, c := range sorted {
		if remaining.IsZero() {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			res.Degraded = true
			res.Note = "solver deadline reached; partial greedy fill kept"
			break
		}
		if !c.Open.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, c.Open)
		res.Allocations = append(res.Allocations, SolvedAllocation{
			InvoiceID: c.InvoiceID,
			BillID:    c.BillID,
			Amount:    take,
			Quality:   c.Quality,
		})
		remaining = remaining.Sub(take)
	}
	res.Residual = remaining

	res.Conservation = conservationProof(target, res)
	res.NoOvermatch = overmatchChecks(sorted, res)
	return res
}

func conservationProof(target decimal.Decimal, res *SolverResult) ConservationProof {
	actual := res.Fees.Add(res.Writeoffs).Add(res.Residual)
	var parts []string
	for _, a := range res.Allocations {
		actual = actual.Add(a.Amount)
		parts = append(parts, a.Amount.StringFixed(2))
	}
	diff := target.Sub(actual).Abs()
	proof := fmt.Sprintf("alloc[%s] + fees %s + writeoffs %s + residual %s = %s vs |txn| %s (diff %s)",
		strings.Join(parts, "+"), res.Fees.StringFixed(2), res.Writeoffs.StringFixed(2),
		res.Residual.StringFixed(2), actual.StringFixed(2), target.StringFixed(2), diff.StringFixed(4))
	return ConservationProof{
		IsConserved: diff.LessThanOrEqual(CentTolerance),
		Expected:    target,
		Actual:      actual,
		Difference:  diff,
		Proof:       proof,
	}
}

func overmatchChecks(candidates []AllocationCandidate, res *SolverResult) []OvermatchCheck {
	open := make(map[string]decimal.Decimal, len(candidates))
	for _, c := range candidates {
		open[allocKey(c.InvoiceID, c.BillID)] = c.Open
	}
	allocated := make(map[string]decimal.Decimal)
	for _, a := range res.Allocations {
		k := allocKey(a.InvoiceID, a.BillID)
		allocated[k] = allocated[k].Add(a.Amount)
	}
	var out []OvermatchCheck
	for _, c := range candidates {
		k := allocKey(c.InvoiceID, c.BillID)
		got := allocated[k]
		out = append(out, OvermatchCheck{
			InvoiceID: c.InvoiceID,
			BillID:    c.BillID,
			Allocated: got,
			Open:      c.Open,
			OK:        got.LessThanOrEqual(c.Open),
		})
	}
	return out
}

func allocKey(inv InvoiceID, bill BillID) string {
	if inv != "" {
		return "i:" + string(inv)
	}
	return "b:" + string(bill)
}

func allocKeyLess(a, b AllocationCandidate) bool {
	return allocKey(a.InvoiceID, a.BillID) < allocKey(b.InvoiceID, b.BillID)
}
