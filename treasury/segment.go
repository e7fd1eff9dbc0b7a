/*
segment.go - Hierarchical segmented delay model

PURPOSE:
  Learns payment-delay distributions from paid AR history, per segment,
  and predicts delay quantiles for open invoices through a most-specific-
  first fallback ladder:

    customer+country+terms -> customer+country -> customer
      -> country+terms -> country -> global

  The first segment with enough samples wins and is recorded on the
  invoice as its prediction segment. When nothing reaches the floor, a
  configured industry default applies, labeled "Global (Fallback)".

TRAINING SET:
  Paid invoices with both payment and due dates. Amounts are converted
  to the entity base currency for weighting; rows whose currency has no
  configured rate are excluded from training (data gap, not an error).

WEIGHTING:
  Each observation weighs recency_weight(age) x |amount|. Quantiles are
  computed per quantile.go's weighted contract after per-segment
  winsorization of the delay tails.

SEE ALSO:
  - calibration.go: Split-CQR adjustment and regime detection
  - forecast.go: Turns predicted quantiles into weekly contributions
*/
package treasury

import (
	"context"
	"strings"
	"time"
)

// GlobalFallbackSegment labels predictions that used the industry
// default because no segment reached the sample floor.
const GlobalFallbackSegment = "Global (Fallback)"

// =============================================================================
// SEGMENT KEYS
// =============================================================================

// SegmentKeyFor builds the segment key of an invoice at a hierarchy level.
// Key parts are cleaned so "ACME GmbH" and "acme gmbh" share a segment.
func SegmentKeyFor(level SegmentType, inv *Invoice) string {
	cust := Clean(inv.Customer)
	country := Clean(inv.Country)
	terms := Clean(inv.Terms)
	switch level {
	case SegCustomerCountryTerms:
		return strings.Join([]string{cust, country, terms}, "|")
	case SegCustomerCountry:
		return strings.Join([]string{cust, country}, "|")
	case SegCustomer:
		return cust
	case SegCountryTerms:
		return strings.Join([]string{country, terms}, "|")
	case SegCountry:
		return country
	default:
		return "global"
	}
}

// =============================================================================
// TRAINING
// =============================================================================

// delayObservation is one paid invoice in model space.
type delayObservation struct {
	Delay      float64
	AmountBase float64 // |amount| in entity base currency
	PaidAt     time.Time
}

// DelayModel holds the learned stats for one snapshot plus the lookup
// index used at prediction time.
type DelayModel struct {
	Stats       []*SegmentDelayStats
	Calibration []*CalibrationStats
	Warnings    []string

	index map[segmentRef]*SegmentDelayStats
	cfg   Config
}

type segmentRef struct {
	Type SegmentType
	Key  string
}

// TrainDelayModel learns per-segment delay distributions from the
// snapshot's paid invoices. Polls ctx between segment levels.
func TrainDelayModel(ctx context.Context, snap *Snapshot, invoices []*Invoice, fx *FXService, baseCurrency string) (*DelayModel, error) {
	cfg := snap.Config
	model := &DelayModel{cfg: cfg, index: make(map[segmentRef]*SegmentDelayStats)}

	// Collect observations once; segment grouping reuses them.
	type obsWithInvoice struct {
		obs delayObservation
		inv *Invoice
	}
	var all []obsWithInvoice
	for _, inv := range invoices {
		delay, ok := inv.DelayDays()
		if !ok {
			continue
		}
		amt, err := fx.Convert(ctx, inv.Amount, baseCurrency, inv.DocumentDate)
		if err != nil {
			if _, missing := err.(*FXMissingError); missing {
				continue // excluded from training, surfaced via trust report
			}
			return nil, err
		}
		f, _ := amt.Value.Abs().Float64()
		all = append(all, obsWithInvoice{
			obs: delayObservation{Delay: delay, AmountBase: f, PaidAt: *inv.PaymentDate},
			inv: inv,
		})
	}

	if len(all) == 0 {
		model.Warnings = append(model.Warnings, ErrInsufficientHistory.Error())
	}

	for _, level := range SegmentHierarchy {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		groups := make(map[string][]delayObservation)
		for _, o := range all {
			key := SegmentKeyFor(level, o.inv)
			groups[key] = append(groups[key], o.obs)
		}
		for key, obs := range groups {
			stats, cal := trainSegment(snap, level, key, obs, cfg)
			model.Stats = append(model.Stats, stats)
			if cal != nil {
				model.Calibration = append(model.Calibration, cal)
			}
			model.index[segmentRef{Type: level, Key: key}] = stats
		}
	}
	return model, nil
}

// trainSegment computes winsorized weighted quantiles for one segment and,
// when the sample is large enough, the conformal calibration stats.
func trainSegment(snap *Snapshot, level SegmentType, key string, obs []delayObservation, cfg Config) (*SegmentDelayStats, *CalibrationStats) {
	raw := make([]float64, len(obs))
	for i, o := range obs {
		raw[i] = o.Delay
	}
	clipped, winsorized := Winsorize(raw, cfg.WinsorizeLowerPct, cfg.WinsorizeUpperPct)

	weighted := make([]WeightedObs, len(obs))
	for i, o := range obs {
		age := snap.AsOf.Sub(o.PaidAt).Hours() / 24
		if age < 0 {
			age = 0
		}
		weighted[i] = WeightedObs{
			Value:  clipped[i],
			Weight: RecencyWeight(age, cfg.RecencyHalfLifeDays) * o.AmountBase,
		}
	}

	q := []float64{
		WeightedQuantile(weighted, 0.25),
		WeightedQuantile(weighted, 0.50),
		WeightedQuantile(weighted, 0.75),
		WeightedQuantile(weighted, 0.90),
	}
	q = RepairMonotonic(q)
	mean, std := WeightedMeanStd(weighted)

	stats := &SegmentDelayStats{
		SnapshotID:   snap.ID,
		SegmentType:  level,
		SegmentKey:   key,
		SampleSize:   len(obs),
		P25:          q[0],
		P50:          q[1],
		P75:          q[2],
		P90:          q[3],
		Mean:         mean,
		Std:          std,
		HalfLifeDays: cfg.RecencyHalfLifeDays,
		Winsorized:   winsorized,
	}

	var cal *CalibrationStats
	if len(obs) >= cfg.MinCalibrationSampleSize {
		cal = calibrateSegment(snap, stats, obs, cfg)
	}
	return stats, cal
}

// =============================================================================
// PREDICTION
// =============================================================================

// DelayPrediction is the quantile set applied to one open invoice.
type DelayPrediction struct {
	P25, P50, P75, P90 float64
	Segment            string // "<type>:<key>" or the global fallback label
}

// Predict walks the hierarchy for the invoice and returns the first
// segment meeting the sample floor, or the industry default.
func (m *DelayModel) Predict(inv *Invoice) DelayPrediction {
	for _, level := range SegmentHierarchy {
		key := SegmentKeyFor(level, inv)
		stats, ok := m.index[segmentRef{Type: level, Key: key}]
		if !ok || stats.SampleSize < m.cfg.MinSegmentSampleSize {
			continue
		}
		return DelayPrediction{
			P25:     stats.P25,
			P50:     stats.P50,
			P75:     stats.P75,
			P90:     stats.P90,
			Segment: string(level) + ":" + key,
		}
	}
	return DelayPrediction{
		P25:     m.cfg.FallbackP25,
		P50:     m.cfg.FallbackP50,
		P75:     m.cfg.FallbackP75,
		P90:     m.cfg.FallbackP90,
		Segment: GlobalFallbackSegment,
	}
}

// NewDelayModelFromStats rebuilds the prediction index from persisted
// rows, so predictions can be re-derived from any snapshot without
// retraining.
func NewDelayModelFromStats(stats []*SegmentDelayStats, cfg Config) *DelayModel {
	m := &DelayModel{Stats: stats, cfg: cfg, index: make(map[segmentRef]*SegmentDelayStats)}
	for _, s := range stats {
		m.index[segmentRef{Type: s.SegmentType, Key: s.SegmentKey}] = s
	}
	return m
}
