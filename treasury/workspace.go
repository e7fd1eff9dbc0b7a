/*
workspace.go - 13-week workspace aggregator

PURPOSE:
  Sums row-level contributions into the 13-week grid. Each weekly row is
  {open, inflow, outflow, close, unknown_in, unknown_out, truth_mix} with
  the cash-math invariant

    close_w = open_w + inflow_w - outflow_w     (within one cent)
    open_{w+1} = close_w

  Unknown amounts are carried in their own columns and NEVER mixed into
  inflow/outflow: a cell's value is exactly the sum of its non-Unknown
  contributions, which is what Drilldown returns.

SOURCES:
  - ForecastAR contributions (Modeled inflows)
  - ProjectAP contributions (Modeled outflows)
  - Bank transactions inside the window (Bank-True actuals; wash
    movements excluded)

SEE ALSO:
  - truth.go: The trust report computed over the same contributions
*/
package treasury

import (
	"context"

	"github.com/shopspring/decimal"
)

const GridWeeks = 13

// =============================================================================
// GRID TYPES
// =============================================================================

type WeeklyRow struct {
	WeekIndex  int
	Open       decimal.Decimal
	Inflow     decimal.Decimal
	Outflow    decimal.Decimal
	Close      decimal.Decimal
	UnknownIn  decimal.Decimal
	UnknownOut decimal.Decimal
	TruthMix   map[TruthLabel]decimal.Decimal // |amount| per label
}

type Workspace struct {
	SnapshotID   SnapshotID
	BaseCurrency string
	Rows         []WeeklyRow

	cells map[cellKey][]Contribution
}

type cellKey struct {
	Week      int
	Direction Direction
}

// =============================================================================
// AGGREGATION
// =============================================================================

// BuildWorkspace folds contributions into the grid. openingBalance seeds
// week 0's open. Contributions outside weeks 0..12 are ignored here (the
// grid is the 13-week window); they remain reachable through variance.
func BuildWorkspace(ctx context.Context, snap *Snapshot, baseCurrency string, openingBalance decimal.Decimal, contribs []Contribution, bank []Contribution) (*Workspace, error) {
	ws := &Workspace{
		SnapshotID:   snap.ID,
		BaseCurrency: baseCurrency,
		Rows:         make([]WeeklyRow, GridWeeks),
		cells:        make(map[cellKey][]Contribution),
	}
	for i := range ws.Rows {
		ws.Rows[i] = WeeklyRow{WeekIndex: i, TruthMix: make(map[TruthLabel]decimal.Decimal)}
	}

	all := make([]Contribution, 0, len(contribs)+len(bank))
	all = append(all, contribs...)
	all = append(all, bank...)

	for _, c := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.WeekIndex < 0 || c.WeekIndex >= GridWeeks {
			continue
		}
		row := &ws.Rows[c.WeekIndex]
		amt := c.Amount.Value
		switch {
		case c.TruthLabel == TruthUnknown:
			if c.Direction == DirectionIn {
				row.UnknownIn = row.UnknownIn.Add(amt.Abs())
			} else {
				row.UnknownOut = row.UnknownOut.Add(amt.Abs())
			}
		case c.Direction == DirectionIn:
			row.Inflow = row.Inflow.Add(amt)
			ws.cells[cellKey{c.WeekIndex, DirectionIn}] = append(ws.cells[cellKey{c.WeekIndex, DirectionIn}], c)
		default:
			row.Outflow = row.Outflow.Add(amt)
			ws.cells[cellKey{c.WeekIndex, DirectionOut}] = append(ws.cells[cellKey{c.WeekIndex, DirectionOut}], c)
		}
		row.TruthMix[c.TruthLabel] = row.TruthMix[c.TruthLabel].Add(amt.Abs())
	}

	// Cash math: close = open + inflow - outflow, rolling forward.
	open := openingBalance
	for i := range ws.Rows {
		ws.Rows[i].Open = open
		ws.Rows[i].Close = open.Add(ws.Rows[i].Inflow).Sub(ws.Rows[i].Outflow)
		open = ws.Rows[i].Close
	}
	return ws, nil
}

// Drilldown returns the contributions behind a cell. Their sum equals
// the cell's inflow/outflow value exactly.
func (ws *Workspace) Drilldown(week int, dir Direction) []Contribution {
	return ws.cells[cellKey{week, dir}]
}

// DrilldownUnknown returns the Unknown-bucket contributions attributed
// to a week and direction; their |sum| equals unknown_in/unknown_out.
func (ws *Workspace) DrilldownUnknown(week int, dir Direction, contribs []Contribution) []Contribution {
	var out []Contribution
	for _, c := range contribs {
		if c.TruthLabel == TruthUnknown && c.WeekIndex == week && c.Direction == dir {
			out = append(out, c)
		}
	}
	return out
}

// CheckCashMath verifies the grid invariant and returns the first
// violating week, or -1.
func (ws *Workspace) CheckCashMath() int {
	for i, row := range ws.Rows {
		expect := row.Open.Add(row.Inflow).Sub(row.Outflow)
		if !WithinCent(expect, row.Close) {
			return i
		}
		if i+1 < len(ws.Rows) && !ws.Rows[i+1].Open.Equal(row.Close) {
			return i
		}
	}
	return -1
}

// BankContributions converts in-window bank transactions to Bank-True
// contributions. Wash movements are skipped; a movement whose currency
// has no rate to base is routed to Unknown with missing_fx.
func BankContributions(ctx context.Context, snap *Snapshot, bank []*BankTransaction, fx *FXService, baseCurrency string) ([]Contribution, error) {
	var out []Contribution
	one := decimal.NewFromInt(1)
	for _, t := range bank {
		if t.IsWash {
			continue
		}
		week := snap.WeekIndex(t.TransactionDate)
		if week < 0 || week >= GridWeeks {
			continue
		}
		dir := DirectionIn
		if t.Amount.Value.IsNegative() {
			dir = DirectionOut
		}
		converted, err := fx.Convert(ctx, t.Amount.Abs(), baseCurrency, t.TransactionDate)
		if err != nil {
			if _, missing := err.(*FXMissingError); missing {
				out = append(out, Contribution{
					SourceID:      string(t.ID),
					Direction:     dir,
					WeekIndex:     week,
					Amount:        t.Amount.Abs(),
					Weight:        one,
					TruthLabel:    TruthUnknown,
					UnknownReason: UnknownMissingFX,
				})
				continue
			}
			return nil, err
		}
		out = append(out, Contribution{
			SourceID:      string(t.ID),
			Direction:     dir,
			WeekIndex:     week,
			Amount:        converted,
			Weight:        one,
			PredictedDate: t.TransactionDate,
			TruthLabel:    TruthBankTrue,
		})
	}
	return out, nil
}
