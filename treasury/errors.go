/*
errors.go - Centralized error taxonomy for the treasury core

PURPOSE:
  All error types in one place. The boundary exposes a fixed taxonomy;
  callers dispatch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Integrity violations  - lock violation, over-allocation. Programming
     bugs or forbidden writes; never recovered.
  2. Contract violations   - invalid transition, short acknowledgment,
     invalid rate. Synchronous, no state change.
  3. Data-gap signals      - missing FX, missing due date, held bill.
     NOT errors: routed to the Unknown bucket with a reason code.
  4. Calibration warnings  - insufficient history, regime shift. Attached
     to reports, never block.
  5. Solver fallbacks      - LP timeout, oversized candidate set. Silent
     degradation to greedy, annotated on the allocation.

SEE ALSO:
  - store.go: The lock guard raising ErrSnapshotLocked
  - lifecycle.go: Gate checks raising GateFailedError
*/
package treasury

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSnapshotLocked is returned for any write touching a LOCKED
	// snapshot or its transitive contents. Raised by the repository guard.
	ErrSnapshotLocked = errors.New("snapshot is locked")

	// ErrInvalidRate is returned when an FX rate is zero or negative.
	ErrInvalidRate = errors.New("invalid fx rate")

	// ErrAckTooShort is returned when a CFO override acknowledgment has
	// fewer than the required characters after trimming.
	ErrAckTooShort = errors.New("override acknowledgment too short")

	// ErrUnknownSegment is returned when a segment key cannot be resolved.
	ErrUnknownSegment = errors.New("unknown segment")

	// ErrInsufficientHistory is a warning-grade sentinel: the delay model
	// had too little paid history for calibration. It never blocks.
	ErrInsufficientHistory = errors.New("insufficient paid history")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// FXMissingError is returned by Convert when no rate is configured for a
// cross-currency pair. There is no silent 1.0 fallback.
type FXMissingError struct {
	From string
	To   string
}

func (e *FXMissingError) Error() string {
	return fmt.Sprintf("fx rate missing: %s->%s", e.From, e.To)
}

// OverAllocationError indicates an allocation would exceed an invoice's
// open amount. Integrity-grade: the solver must never produce it, and the
// repository rejects it on write.
type OverAllocationError struct {
	InvoiceID InvoiceID
	BillID    BillID
	Open      Money
	Requested Money
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over-allocation: open %s, requested %s",
		e.Open.Value, e.Requested.Value)
}

// GateFailedError reports which lock gates failed, with the measured
// amount-weighted exposures.
type GateFailedError struct {
	Reasons []GateFailure
}

type GateFailure struct {
	Gate      string
	Measured  float64
	Threshold float64
}

func (e *GateFailedError) Error() string {
	if len(e.Reasons) == 0 {
		return "gate check failed"
	}
	return fmt.Sprintf("gate check failed: %s (%.2f%% > %.2f%%)",
		e.Reasons[0].Gate, e.Reasons[0].Measured, e.Reasons[0].Threshold)
}

// InvalidTransitionError reports a forbidden snapshot status transition.
type InvalidTransitionError struct {
	From SnapshotStatus
	To   SnapshotStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input
// and no state was changed.
func IsClientError(err error) bool {
	var gate *GateFailedError
	var trans *InvalidTransitionError
	return errors.Is(err, ErrAckTooShort) ||
		errors.Is(err, ErrInvalidRate) ||
		errors.Is(err, ErrNotFound) ||
		errors.As(err, &gate) ||
		errors.As(err, &trans)
}

// IsIntegrityError returns true if the error indicates a forbidden write
// or a broken invariant. These surface to the caller unrecovered.
func IsIntegrityError(err error) bool {
	var over *OverAllocationError
	return errors.Is(err, ErrSnapshotLocked) || errors.As(err, &over)
}
