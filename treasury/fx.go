/*
fx.go - Snapshot-frozen FX service

PURPOSE:
  Converts amounts between currencies using rates written against a
  snapshot. A pair with no configured rate is MISSING, never 1.0; the
  only identity conversion is from == to. Rates freeze with the snapshot:
  the repository guard rejects writes after lock.

RATE SELECTION:
  Weekly banding: the rate row with the greatest effective_week_start on
  or before the effective date wins. A row with the zero week start is
  the snapshot's single as-of rate and is the fallback when no weekly
  band covers the date.

MEMOIZATION:
  One FXService is built per pipeline run and caches the snapshot's rate
  rows, so repeated conversions don't re-read the store.
*/
package treasury

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type FXService struct {
	repo       Repository
	snapshotID SnapshotID

	loaded bool
	// pair -> rows sorted by effective week start ascending
	rates map[fxPair][]*WeeklyFXRate
}

type fxPair struct {
	From string
	To   string
}

func NewFXService(repo Repository, snapshotID SnapshotID) *FXService {
	return &FXService{repo: repo, snapshotID: snapshotID}
}

// ValidateRate rejects non-positive rates before they reach the store.
func ValidateRate(rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return ErrInvalidRate
	}
	return nil
}

func (fx *FXService) load(ctx context.Context) error {
	if fx.loaded {
		return nil
	}
	rows, err := fx.repo.FXRates(ctx, fx.snapshotID)
	if err != nil {
		return err
	}
	fx.rates = make(map[fxPair][]*WeeklyFXRate)
	for _, r := range rows {
		p := fxPair{From: normalizeCcy(r.FromCurrency), To: normalizeCcy(r.ToCurrency)}
		fx.rates[p] = append(fx.rates[p], r)
	}
	for _, rows := range fx.rates {
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].EffectiveWeekStart.Before(rows[j].EffectiveWeekStart)
		})
	}
	fx.loaded = true
	return nil
}

// Rate returns the conversion rate for the pair effective at date. The
// second return is false when no rate is configured - callers route such
// records to the Unknown bucket rather than converting.
func (fx *FXService) Rate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, bool, error) {
	from, to = normalizeCcy(from), normalizeCcy(to)
	if from == to {
		return decimal.NewFromInt(1), true, nil
	}
	if err := fx.load(ctx); err != nil {
		return decimal.Zero, false, err
	}
	rows := fx.rates[fxPair{From: from, To: to}]
	var best *WeeklyFXRate
	for _, r := range rows {
		if r.EffectiveWeekStart.IsZero() {
			if best == nil {
				best = r // as-of fallback; any weekly band <= date beats it
			}
			continue
		}
		if !r.EffectiveWeekStart.After(date) {
			best = r
		}
	}
	if best == nil {
		return decimal.Zero, false, nil
	}
	return best.Rate, true, nil
}

// Convert converts an amount into the target currency or fails with
// FXMissingError. No silent defaults.
func (fx *FXService) Convert(ctx context.Context, amount Money, to string, date time.Time) (Money, error) {
	rate, ok, err := fx.Rate(ctx, amount.Currency, to, date)
	if err != nil {
		return Money{}, err
	}
	if !ok {
		return Money{}, &FXMissingError{From: normalizeCcy(amount.Currency), To: normalizeCcy(to)}
	}
	return Money{Value: amount.Value.Mul(rate), Currency: normalizeCcy(to)}, nil
}

func normalizeCcy(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
