/*
calibration.go - Split-conformal quantile calibration and regime detection

PURPOSE:
  Adjusts a segment's predicted quantiles so observed coverage matches
  the target, using split-CQR with a time-ordered split (no future
  leakage): the first 60% of paid history trains the quantiles, the
  remaining 40% scores them.

NONCONFORMITY:
  For a calibration delay d against the train band [q25, q75] of width w:

    s = max((q25 - d)/w, (d - q75)/w, 0)

  gamma is the amount-weighted quantile of s at (1 - alpha); the band is
  stretched by gamma*w on both sides. The p90 tail is stretched by the
  same gamma*w. Monotonicity is repaired by running maximum afterwards.

REGIME SHIFT:
  Compares the recent window of delays to the long run of the same
  segment. Mean shift beyond the configured sigma multiple or a KS
  statistic above the configured cutoff emits a severity. Advisory only:
  surfaced on the trust report, never auto-retrains.
*/
package treasury

import (
	"math"
	"sort"
	"time"
)

// calibrateSegment runs split-CQR on one segment's observations and
// rewrites stats' quantiles with the calibrated values. Returns the
// calibration record persisted next to the stats.
func calibrateSegment(snap *Snapshot, stats *SegmentDelayStats, obs []delayObservation, cfg Config) *CalibrationStats {
	sorted := append([]delayObservation(nil), obs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PaidAt.Before(sorted[j].PaidAt) })

	split := len(sorted) * 60 / 100
	if split < 2 || split >= len(sorted) {
		return nil
	}
	train, calib := sorted[:split], sorted[split:]
	splitAt := calib[0].PaidAt

	trainWeighted := weightObservations(snap.AsOf, train, cfg)
	q25 := WeightedQuantile(trainWeighted, 0.25)
	q50 := WeightedQuantile(trainWeighted, 0.50)
	q75 := WeightedQuantile(trainWeighted, 0.75)
	q90 := WeightedQuantile(trainWeighted, 0.90)

	w := q75 - q25
	if w <= 0 {
		return nil // degenerate band, nothing to calibrate
	}

	// Amount-weighted nonconformity scores on the calibration split.
	scores := make([]WeightedObs, len(calib))
	for i, o := range calib {
		s := math.Max((q25-o.Delay)/w, (o.Delay-q75)/w)
		if s < 0 {
			s = 0
		}
		scores[i] = WeightedObs{Value: s, Weight: o.AmountBase}
	}
	gamma := WeightedQuantile(scores, 1-cfg.ConformalTargetCoverage)

	p25 := q25 - gamma*w
	p75 := q75 + gamma*w
	p90 := q90 + gamma*w
	q := RepairMonotonic([]float64{p25, q50, p75, p90})

	stats.P25, stats.P50, stats.P75, stats.P90 = q[0], q[1], q[2], q[3]
	stats.Calibrated = true
	stats.CalibrationGamma = gamma

	// Coverage of the calibrated band on the held-out split.
	var inBand, total float64
	for _, o := range calib {
		total += o.AmountBase
		if o.Delay >= q[0] && o.Delay <= q[2] {
			inBand += o.AmountBase
		}
	}
	coverage := 0.0
	if total > 0 {
		coverage = inBand / total
	}

	return &CalibrationStats{
		SnapshotID:          snap.ID,
		SegmentType:         stats.SegmentType,
		SegmentKey:          stats.SegmentKey,
		CoverageP25P75:      coverage,
		CalibrationError:    math.Abs(coverage - cfg.ConformalTargetCoverage),
		RegimeShiftSeverity: detectRegimeShift(snap.AsOf, obs, cfg),
		CVFoldSplit:         splitAt,
	}
}

func weightObservations(asOf time.Time, obs []delayObservation, cfg Config) []WeightedObs {
	out := make([]WeightedObs, len(obs))
	for i, o := range obs {
		age := asOf.Sub(o.PaidAt).Hours() / 24
		if age < 0 {
			age = 0
		}
		out[i] = WeightedObs{Value: o.Delay, Weight: RecencyWeight(age, cfg.RecencyHalfLifeDays) * o.AmountBase}
	}
	return out
}

// detectRegimeShift grades how far the recent window has drifted from
// the long-run distribution. Cutoffs are heuristic and configured.
func detectRegimeShift(asOf time.Time, obs []delayObservation, cfg Config) RegimeShiftSeverity {
	cutoff := asOf.AddDate(0, 0, -cfg.RegimeRecentWindowDays)
	var recent, longRun []float64
	var recentW, longW []WeightedObs
	for _, o := range obs {
		longRun = append(longRun, o.Delay)
		longW = append(longW, WeightedObs{Value: o.Delay, Weight: o.AmountBase})
		if o.PaidAt.After(cutoff) {
			recent = append(recent, o.Delay)
			recentW = append(recentW, WeightedObs{Value: o.Delay, Weight: o.AmountBase})
		}
	}
	if len(recent) < 5 || len(recent) == len(longRun) {
		return RegimeNone
	}

	longMean, longStd := WeightedMeanStd(longW)
	recentMean, _ := WeightedMeanStd(recentW)

	sigmas := 0.0
	if longStd > 0 {
		sigmas = math.Abs(recentMean-longMean) / longStd
	}
	ks := KSStatistic(recent, longRun)

	meanHit := sigmas > cfg.RegimeMeanShiftSigma
	ksHit := ks > cfg.RegimeKSThreshold
	switch {
	case meanHit && ksHit:
		return RegimeSevere
	case meanHit || ksHit:
		return RegimeModerate
	case sigmas > 0.8*cfg.RegimeMeanShiftSigma || ks > 0.8*cfg.RegimeKSThreshold:
		return RegimeMild
	default:
		return RegimeNone
	}
}
