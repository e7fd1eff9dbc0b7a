/*
config.go - Snapshot configuration bag

PURPOSE:
  Every tunable recognized at snapshot creation, with defaults. The config
  travels with the snapshot so a locked snapshot's numbers can always be
  re-derived under the assumptions that produced them.

SEE ALSO:
  - segment.go: Model knobs (half-life, winsorize bounds, sample floors)
  - lifecycle.go: Gate thresholds
  - solver.go: LP cap, timeout, quality weights
*/
package treasury

import "github.com/shopspring/decimal"

// MixtureWeight is one bucket of the AR weekly allocation mixture.
type MixtureWeight struct {
	Quantile string // "p25", "p50", "p75"
	Weight   decimal.Decimal
}

// QualityWeights are the solver objective coefficients. Pinned by tests;
// change them deliberately, never silently.
type QualityWeights struct {
	Reference    float64
	Amount       float64
	Date         float64
	Counterparty float64
}

type Config struct {
	// Lock gates (amount-weighted percentages).
	MissingFXThresholdPct       float64
	UnexplainedCashThresholdPct float64
	UnknownBucketKPITargetPct   float64

	// Delay model.
	MinSegmentSampleSize   int
	MinCalibrationSampleSize int
	RecencyHalfLifeDays    float64
	WinsorizeLowerPct      float64
	WinsorizeUpperPct      float64
	ConformalTargetCoverage float64

	// Regime shift heuristics (advisory).
	RegimeRecentWindowDays int
	RegimeMeanShiftSigma   float64
	RegimeKSThreshold      float64

	// Industry-default quantiles when no segment reaches the sample floor.
	FallbackP25, FallbackP50, FallbackP75, FallbackP90 float64

	// AR weekly mixture. Three buckets; weights must sum to 1.
	ARMixture []MixtureWeight

	// Reconciliation.
	AmountTolerance decimal.Decimal
	DateWindowDays  int
	LPCandidateCap  int
	LPTimeoutMS     int
	Quality         QualityWeights

	// AP policy.
	APRequireApproval bool

	// Unmatched transaction SLA (Mon-Fri business days).
	UnmatchedSLABusinessDays int
}

func DefaultConfig() Config {
	return Config{
		MissingFXThresholdPct:       5.0,
		UnexplainedCashThresholdPct: 5.0,
		UnknownBucketKPITargetPct:   5.0,

		MinSegmentSampleSize:     15,
		MinCalibrationSampleSize: 30,
		RecencyHalfLifeDays:      90,
		WinsorizeLowerPct:        1,
		WinsorizeUpperPct:        99,
		ConformalTargetCoverage:  0.50,

		RegimeRecentWindowDays: 45,
		RegimeMeanShiftSigma:   1.5,
		RegimeKSThreshold:      0.2,

		FallbackP25: -7,
		FallbackP50: 0,
		FallbackP75: 14,
		FallbackP90: 30,

		ARMixture: []MixtureWeight{
			{Quantile: "p25", Weight: decimal.RequireFromString("0.20")},
			{Quantile: "p50", Weight: decimal.RequireFromString("0.50")},
			{Quantile: "p75", Weight: decimal.RequireFromString("0.30")},
		},

		AmountTolerance: decimal.RequireFromString("0.01"),
		DateWindowDays:  30,
		LPCandidateCap:  50,
		LPTimeoutMS:     2000,
		Quality: QualityWeights{
			Reference:    100,
			Amount:       50,
			Date:         25,
			Counterparty: 10,
		},

		APRequireApproval: true,

		UnmatchedSLABusinessDays: 5,
	}
}

// CalibrationAdvisoryBand is the advisory gate on |coverage - 0.5|.
const CalibrationAdvisoryBand = 0.15

// MinOverrideAckLen is the minimum trimmed length of a CFO override
// acknowledgment.
const MinOverrideAckLen = 20
