/*
lifecycle.go - Snapshot state machine and lock gates

PURPOSE:
  DRAFT --markReady--> READY_FOR_REVIEW --lock--> LOCKED, plus
  DRAFT --lock--> LOCKED with a CFO override. LOCKED is terminal;
  the repository guard makes everything under a locked snapshot
  read-only.

GATES (amount-weighted, never row-count):
  - missing FX exposure <= threshold (default 5%)
  - unexplained cash   <= threshold (default 5%)
  - calibration |coverage - 0.5| <= 0.15, advisory only

OVERRIDE:
  lock with cfo_override bypasses the blocking gates only when the
  acknowledgment has at least 20 characters after trimming. The text is
  stored on the snapshot and audited.
*/
package treasury

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// GATE CHECK
// =============================================================================

type GateResult struct {
	MissingFXExposurePct float64
	UnexplainedCashPct   float64
	CalibrationError     float64
	CalibrationAdvisory  bool // true when outside the advisory band
	Failures             []GateFailure
	Eligible             bool
}

type Lifecycle struct {
	repo Repository
	log  *zap.Logger
}

func NewLifecycle(repo Repository, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{repo: repo, log: log}
}

// CheckGates measures the amount-weighted gate exposures for a snapshot.
func (lc *Lifecycle) CheckGates(ctx context.Context, snap *Snapshot) (*GateResult, error) {
	entity, err := lc.repo.Entity(ctx, snap.EntityID)
	if err != nil {
		return nil, err
	}
	fx := NewFXService(lc.repo, snap.ID)
	res := &GateResult{}

	// Missing FX exposure over all invoices, |amount|-weighted.
	invoices, err := lc.repo.Invoices(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	var missing, total decimal.Decimal
	for _, inv := range invoices {
		amt := inv.Amount.Value.Abs()
		total = total.Add(amt)
		_, ok, err := fx.Rate(ctx, inv.Amount.Currency, entity.BaseCurrency, snap.AsOf)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = missing.Add(amt)
		}
	}
	if total.IsPositive() {
		f, _ := missing.Div(total).Float64()
		res.MissingFXExposurePct = f * 100
	}

	// Unexplained cash over the entity's bank movements.
	txns, err := lc.repo.Transactions(ctx, snap.EntityID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	var unmatched, allCash decimal.Decimal
	for _, t := range txns {
		amt := t.Amount.Value.Abs()
		allCash = allCash.Add(amt)
		if !t.IsReconciled && !t.IsWash {
			unmatched = unmatched.Add(amt)
		}
	}
	if allCash.IsPositive() {
		f, _ := unmatched.Div(allCash).Float64()
		res.UnexplainedCashPct = f * 100
	}

	// Calibration advisory, sample-weighted across calibrated segments.
	calStats, err := lc.repo.CalibrationStats(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	segStats, err := lc.repo.SegmentStats(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	sampleBySeg := make(map[segmentRef]int)
	for _, s := range segStats {
		sampleBySeg[segmentRef{s.SegmentType, s.SegmentKey}] = s.SampleSize
	}
	var errSum, wSum float64
	for _, c := range calStats {
		w := float64(sampleBySeg[segmentRef{c.SegmentType, c.SegmentKey}])
		if w <= 0 {
			w = 1
		}
		errSum += c.CalibrationError * w
		wSum += w
	}
	if wSum > 0 {
		res.CalibrationError = errSum / wSum
	}
	res.CalibrationAdvisory = res.CalibrationError > CalibrationAdvisoryBand

	cfg := snap.Config
	if res.MissingFXExposurePct > cfg.MissingFXThresholdPct {
		res.Failures = append(res.Failures, GateFailure{
			Gate: "missing_fx_exposure", Measured: res.MissingFXExposurePct, Threshold: cfg.MissingFXThresholdPct,
		})
	}
	if res.UnexplainedCashPct > cfg.UnexplainedCashThresholdPct {
		res.Failures = append(res.Failures, GateFailure{
			Gate: "unexplained_cash", Measured: res.UnexplainedCashPct, Threshold: cfg.UnexplainedCashThresholdPct,
		})
	}
	res.Eligible = len(res.Failures) == 0
	return res, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// MarkReady moves DRAFT to READY_FOR_REVIEW when the blocking gates
// pass. The gate result is returned either way.
func (lc *Lifecycle) MarkReady(ctx context.Context, snapshotID SnapshotID, user string) (*GateResult, error) {
	snap, err := lc.repo.Snapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status != StatusDraft {
		return nil, &InvalidTransitionError{From: snap.Status, To: StatusReadyForReview}
	}
	gates, err := lc.CheckGates(ctx, snap)
	if err != nil {
		return nil, err
	}
	if !gates.Eligible {
		return gates, &GateFailedError{Reasons: gates.Failures}
	}
	snap.Status = StatusReadyForReview
	if err := lc.repo.UpdateSnapshot(ctx, snap); err != nil {
		return gates, err
	}
	lc.log.Info("snapshot ready for review",
		zap.String("snapshot", string(snapshotID)), zap.String("user", user))
	return gates, nil
}

type LockResult struct {
	Snapshot *Snapshot
	Gates    *GateResult
	Override bool
}

// Lock moves a snapshot to LOCKED. From READY_FOR_REVIEW the gates are
// rechecked; from DRAFT only an override can lock. Override requires an
// acknowledgment of at least MinOverrideAckLen trimmed characters.
func (lc *Lifecycle) Lock(ctx context.Context, snapshotID SnapshotID, user string, override bool, acknowledgment string, now time.Time) (*LockResult, error) {
	snap, err := lc.repo.Snapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	switch snap.Status {
	case StatusLocked:
		return nil, &InvalidTransitionError{From: StatusLocked, To: StatusLocked}
	case StatusDraft:
		if !override {
			return nil, &InvalidTransitionError{From: StatusDraft, To: StatusLocked}
		}
	case StatusReadyForReview:
		// normal path
	default:
		return nil, &InvalidTransitionError{From: snap.Status, To: StatusLocked}
	}

	gates, err := lc.CheckGates(ctx, snap)
	if err != nil {
		return nil, err
	}

	if override {
		if len(strings.TrimSpace(acknowledgment)) < MinOverrideAckLen {
			return nil, ErrAckTooShort
		}
		snap.LockType = LockOverride
		snap.OverrideAck = strings.TrimSpace(acknowledgment)
	} else {
		if !gates.Eligible {
			return &LockResult{Snapshot: snap, Gates: gates}, &GateFailedError{Reasons: gates.Failures}
		}
		snap.LockType = LockStandard
	}

	snap.Status = StatusLocked
	snap.LockedAt = &now
	snap.LockedBy = user
	if err := lc.repo.UpdateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	lc.log.Info("snapshot locked",
		zap.String("snapshot", string(snapshotID)),
		zap.String("user", user),
		zap.Bool("override", override))
	return &LockResult{Snapshot: snap, Gates: gates, Override: override}, nil
}
