/*
Package treasury provides the core of the 13-week cash-flow forecasting
and reconciliation engine.

PURPOSE:
  This package contains the domain types and algorithms for treasury
  forecasting: canonical document identity, segmented payment-delay
  modeling with conformal calibration, AR/AP weekly allocation, the
  four-tier reconciliation ladder with a constrained allocation solver,
  the snapshot state machine with lock gates, truth labeling, and the
  variance decomposition between snapshots.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: an amount with a currency (decimal-backed, never float)
  - Snapshot: a point-in-time forecasting run, immutable once locked
  - Invoice / VendorBill: open receivables and payables
  - BankTransaction: actual cash movement, entity-owned
  - MatchAllocation: link from a transaction to an invoice or bill
  - SegmentDelayStats / CalibrationStats: learned delay distributions

DESIGN PRINCIPLES:
  1. Immutability: a LOCKED snapshot and everything it owns never changes
  2. Precision: decimal.Decimal for all amounts and rates
  3. Traceability: every aggregate decomposes into row-level contributions
  4. Honesty: every number carries a truth label; gaps go to the Unknown
     bucket instead of being silently defaulted

OWNERSHIP:
  A Snapshot exclusively owns its Invoices, VendorBills, SegmentDelayStats,
  CalibrationStats, and WeeklyFXRates. BankTransactions belong to an Entity
  and reference snapshots only through MatchAllocations, so the same
  transaction can back more than one snapshot (needed for cross-lock
  variance analysis).

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Repository capability interfaces
  - engine.go: The operation surface over these types
*/
package treasury

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Amount with currency
// =============================================================================

type Money struct {
	Value    decimal.Decimal
	Currency string
}

func NewMoney(value float64, currency string) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewMoneyFromString(value, currency string) Money {
	d, err := decimal.NewFromString(value)
	if err != nil {
		d = decimal.Zero
	}
	return Money{Value: d, Currency: currency}
}

func (m Money) Zero() Money               { return Money{Value: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(b Money) Money         { return Money{Value: m.Value.Add(b.Value), Currency: m.Currency} }
func (m Money) Sub(b Money) Money         { return Money{Value: m.Value.Sub(b.Value), Currency: m.Currency} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s), Currency: m.Currency} }
func (m Money) Neg() Money                { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) Abs() Money                { return Money{Value: m.Value.Abs(), Currency: m.Currency} }
func (m Money) Round2() Money             { return Money{Value: m.Value.Round(2), Currency: m.Currency} }
func (m Money) IsZero() bool              { return m.Value.IsZero() }
func (m Money) IsNegative() bool          { return m.Value.IsNegative() }
func (m Money) IsPositive() bool          { return m.Value.IsPositive() }

// CentTolerance is the rounding tolerance for cash-math and conservation
// invariants: one cent.
var CentTolerance = decimal.RequireFromString("0.01")

// WithinCent reports whether |a-b| <= one cent.
func WithinCent(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(CentTolerance)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type SnapshotID string
type InvoiceID string
type BillID string
type TransactionID string
type AllocationID string
type CanonicalID string

// =============================================================================
// ENTITY - Legal/operating unit
// =============================================================================

type Entity struct {
	ID                EntityID
	Name              string
	BaseCurrency      string
	PaymentRunDay     time.Weekday // day of week AP runs are dispatched
	InternalAccounts  map[string]bool
}

// IsInternalAccount reports whether a bank account belongs to the entity
// itself (inter-company wash movements are matched but never forecast).
func (e *Entity) IsInternalAccount(accountID string) bool {
	return e.InternalAccounts[accountID]
}

// =============================================================================
// SNAPSHOT - Point-in-time forecasting run
// =============================================================================

type SnapshotStatus string

const (
	StatusDraft          SnapshotStatus = "DRAFT"
	StatusReadyForReview SnapshotStatus = "READY_FOR_REVIEW"
	StatusLocked         SnapshotStatus = "LOCKED"
)

type LockType string

const (
	LockStandard LockType = "standard"
	LockOverride LockType = "cfo_override"
)

type Snapshot struct {
	ID              SnapshotID
	EntityID        EntityID
	AsOf            time.Time
	Status          SnapshotStatus
	LockType        LockType
	LockedAt        *time.Time
	LockedBy        string
	OverrideAck     string
	ImportBatchID   string
	AssumptionSetID string
	FXTableVersion  string
	Config          Config
	CreatedAt       time.Time
}

// AnchorWeek returns the Monday of the ISO week containing the as-of date.
// All 13-week grids and week indexes are anchored here.
func (s *Snapshot) AnchorWeek() time.Time {
	return StartOfISOWeek(s.AsOf)
}

// WeekIndex returns the 0-based week offset of a date from the anchor week.
// Dates before the anchor return negative indexes.
func (s *Snapshot) WeekIndex(date time.Time) int {
	anchor := s.AnchorWeek()
	days := int(StartOfISOWeek(date).Sub(anchor).Hours() / 24)
	if days < 0 {
		return -((-days + 6) / 7)
	}
	return days / 7
}

// StartOfISOWeek returns the Monday 00:00 UTC of the ISO week containing t.
func StartOfISOWeek(t time.Time) time.Time {
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7 // Sunday belongs to the week that started the previous Monday
	}
	return t.AddDate(0, 0, -(wd - 1))
}

// =============================================================================
// INVOICE (AR)
// =============================================================================

type RelationshipType string

const (
	RelOriginal   RelationshipType = "original"
	RelCreditNote RelationshipType = "credit_note"
	RelRebill     RelationshipType = "rebill"
	RelPartial    RelationshipType = "partial"
	RelAdjustment RelationshipType = "adjustment"
)

type Invoice struct {
	ID              InvoiceID
	SnapshotID      SnapshotID
	CanonicalID     CanonicalID
	EntityID        EntityID
	DocumentType    string
	DocumentNumber  string
	Customer        string
	CounterpartyID  string
	Country         string
	Terms           string
	Amount          Money
	DocumentDate    time.Time
	ExpectedDueDate *time.Time
	PaymentDate     *time.Time

	// Forecast outputs, written by RunForecast.
	PredictedPaymentDate *time.Time
	ConfidenceP25        *time.Time
	ConfidenceP50        *time.Time
	ConfidenceP75        *time.Time
	ConfidenceP90        *time.Time
	PredictionSegment    string
	TruthLabel           TruthLabel

	ParentInvoiceID  InvoiceID
	RelationshipType RelationshipType
}

// IsPaid reports whether the invoice has a recorded payment date.
func (i *Invoice) IsPaid() bool { return i.PaymentDate != nil }

// DelayDays returns payment_date - expected_due_date in days. Only valid
// for paid invoices with a due date; second return is false otherwise.
func (i *Invoice) DelayDays() (float64, bool) {
	if i.PaymentDate == nil || i.ExpectedDueDate == nil {
		return 0, false
	}
	return i.PaymentDate.Sub(*i.ExpectedDueDate).Hours() / 24, true
}

// =============================================================================
// VENDOR BILL (AP)
// =============================================================================

type VendorBill struct {
	ID                   BillID
	SnapshotID           SnapshotID
	CanonicalID          CanonicalID
	EntityID             EntityID
	DocumentNumber       string
	Vendor               string
	Amount               Money
	BillDate             time.Time
	DueDate              *time.Time
	ScheduledPaymentDate *time.Time
	HoldStatus           int // 0 active, 1 held
	ApprovalDate         *time.Time
	IsDiscretionary      bool
	Category             string
	RecurringTemplateID  string
	TruthLabel           TruthLabel
}

func (b *VendorBill) IsHeld() bool     { return b.HoldStatus == 1 }
func (b *VendorBill) IsApproved() bool { return b.ApprovalDate != nil }

// =============================================================================
// BANK TRANSACTION
// =============================================================================

type ReconciliationType string

const (
	ReconDeterministic ReconciliationType = "Deterministic"
	ReconRule          ReconciliationType = "Rule"
	ReconSuggested     ReconciliationType = "Suggested"
	ReconManual        ReconciliationType = "Manual"
)

type LifecycleStatus string

const (
	LifecycleNew       LifecycleStatus = "New"
	LifecycleAssigned  LifecycleStatus = "Assigned"
	LifecycleInReview  LifecycleStatus = "InReview"
	LifecycleResolved  LifecycleStatus = "Resolved"
	LifecycleEscalated LifecycleStatus = "Escalated"
)

type BankTransaction struct {
	ID                 TransactionID
	EntityID           EntityID
	BankAccountID      string
	TransactionDate    time.Time
	Amount             Money // signed: inflow positive, outflow negative
	Counterparty       string
	Reference          string
	ReconciliationType ReconciliationType
	IsReconciled       bool
	IsWash             bool
	Assignee           string
	AssignedAt         *time.Time
	SLABreachAt        *time.Time
	LifecycleStatus    LifecycleStatus
}

// =============================================================================
// MATCH ALLOCATION
// =============================================================================

type MatchAllocation struct {
	ID            AllocationID
	TransactionID TransactionID
	InvoiceID     InvoiceID // exactly one of InvoiceID / BillID is set
	BillID        BillID
	SnapshotID    SnapshotID // snapshot owning the matched document
	Allocated     Money      // >= 0
	Tier          int        // 1..4
	Quality       float64
	SolverNote    string // set when the LP degraded to greedy
	Approved      bool
	ApprovedBy    string
	CreatedAt     time.Time
}

// =============================================================================
// FX
// =============================================================================

type WeeklyFXRate struct {
	SnapshotID         SnapshotID
	FromCurrency       string
	ToCurrency         string
	EffectiveWeekStart time.Time // zero time = snapshot as-of rate
	Rate               decimal.Decimal
}

// =============================================================================
// SEGMENT DELAY STATS
// =============================================================================

type SegmentType string

const (
	SegCustomerCountryTerms SegmentType = "customer+country+terms"
	SegCustomerCountry      SegmentType = "customer+country"
	SegCustomer             SegmentType = "customer"
	SegCountryTerms         SegmentType = "country+terms"
	SegCountry              SegmentType = "country"
	SegGlobal               SegmentType = "global"
)

// SegmentHierarchy is the fallback order for prediction: most specific
// segment first, global last.
var SegmentHierarchy = []SegmentType{
	SegCustomerCountryTerms,
	SegCustomerCountry,
	SegCustomer,
	SegCountryTerms,
	SegCountry,
	SegGlobal,
}

type SegmentDelayStats struct {
	SnapshotID      SnapshotID
	SegmentType     SegmentType
	SegmentKey      string
	SampleSize      int
	P25, P50        float64
	P75, P90        float64
	Mean, Std       float64
	HalfLifeDays    float64
	Winsorized      bool
	Calibrated      bool
	CalibrationGamma float64
}

type RegimeShiftSeverity string

const (
	RegimeNone     RegimeShiftSeverity = "none"
	RegimeMild     RegimeShiftSeverity = "mild"
	RegimeModerate RegimeShiftSeverity = "moderate"
	RegimeSevere   RegimeShiftSeverity = "severe"
)

type CalibrationStats struct {
	SnapshotID            SnapshotID
	SegmentType           SegmentType
	SegmentKey            string
	CoverageP25P75        float64 // amount-weighted
	CalibrationError      float64 // |coverage - target|
	RegimeShiftSeverity   RegimeShiftSeverity
	CVFoldSplit           time.Time // boundary between train and calibration
}

// =============================================================================
// TRUTH LABELS
// =============================================================================

type TruthLabel string

const (
	TruthBankTrue   TruthLabel = "Bank-True"
	TruthReconciled TruthLabel = "Reconciled"
	TruthModeled    TruthLabel = "Modeled"
	TruthUnknown    TruthLabel = "Unknown"
)

// UnknownReason codes why a record landed in the Unknown bucket.
type UnknownReason string

const (
	UnknownMissingFX      UnknownReason = "missing_fx"
	UnknownMissingDueDate UnknownReason = "missing_due_date"
	UnknownHeld           UnknownReason = "held"
	UnknownUnapproved     UnknownReason = "unapproved"
)

// =============================================================================
// PAYMENT RUN EXCEPTION
// =============================================================================

// PaymentRunException overrides the entity payment-run cadence for a single
// bill. Requires an approval stamp.
type PaymentRunException struct {
	BillID     BillID
	PayDate    time.Time
	ApprovedBy string
	ApprovedAt time.Time
}

// =============================================================================
// MATCHING POLICY
// =============================================================================

// MatchingPolicy carries reconciliation tolerances. Resolution order is
// (entity, currency) -> (entity, *) -> (*, *); see PolicyFor in store.go.
type MatchingPolicy struct {
	EntityID                EntityID // empty = global default
	Currency                string   // empty = any currency
	AmountTolerance         decimal.Decimal
	DateWindowDays          int
	RequireCounterpartyTier1 bool
	AutoReconcileTier1      bool
	AutoReconcileTier2      bool
}

// =============================================================================
// AUDIT EVENT
// =============================================================================

type AuditEvent struct {
	Seq          uint64
	Timestamp    time.Time
	User         string
	EntityID     EntityID
	SnapshotID   SnapshotID
	Action       string
	ResourceType string
	ResourceID   string
	Delta        map[string]string
	IPAddress    string
}
