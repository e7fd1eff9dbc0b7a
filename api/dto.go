/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the HTTP surface. These decouple the internal
  domain model from the API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/treasury-engine/treasury"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateEntityRequest struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	BaseCurrency  string   `json:"base_currency"`
	PaymentRunDay int      `json:"payment_run_day"` // 0 Sunday .. 6 Saturday
	InternalAccts []string `json:"internal_account_ids,omitempty"`
}

type CreateSnapshotRequest struct {
	EntityID string           `json:"entity_id"`
	AsOf     time.Time        `json:"as_of"`
	Config   *treasury.Config `json:"config,omitempty"`
	User     string           `json:"user"`
}

type IngestRequest struct {
	Records []RecordDTO `json:"records"`
	User    string      `json:"user"`
}

// RecordDTO is the wire form of a canonical record.
type RecordDTO struct {
	Kind                 string     `json:"kind"` // "invoice" | "vendor_bill"
	SourceSystem         string     `json:"source_system"`
	ExternalID           string     `json:"external_id,omitempty"`
	DocumentType         string     `json:"document_type,omitempty"`
	DocumentNumber       string     `json:"document_number"`
	Counterparty         string     `json:"counterparty"`
	CounterpartyID       string     `json:"counterparty_id,omitempty"`
	Country              string     `json:"country,omitempty"`
	Terms                string     `json:"terms,omitempty"`
	Amount               string     `json:"amount"`
	Currency             string     `json:"currency"`
	DocumentDate         time.Time  `json:"document_date"`
	DueDate              *time.Time `json:"due_date,omitempty"`
	PaymentDate          *time.Time `json:"payment_date,omitempty"`
	LineID               string     `json:"line_id,omitempty"`
	ScheduledPaymentDate *time.Time `json:"scheduled_payment_date,omitempty"`
	HoldStatus           int        `json:"hold_status,omitempty"`
	ApprovalDate         *time.Time `json:"approval_date,omitempty"`
	IsDiscretionary      bool       `json:"is_discretionary,omitempty"`
	Category             string     `json:"category,omitempty"`
	RecurringTemplateID  string     `json:"recurring_template_id,omitempty"`
	ParentExternalID     string     `json:"parent_external_id,omitempty"`
	Relationship         string     `json:"relationship_type,omitempty"`
}

type FXRatesRequest struct {
	Rates []FXRateDTO `json:"rates"`
	User  string      `json:"user"`
}

type FXRateDTO struct {
	From               string     `json:"from_currency"`
	To                 string     `json:"to_currency"`
	EffectiveWeekStart *time.Time `json:"effective_week_start,omitempty"`
	Rate               string     `json:"rate"`
}

type TransactionRequest struct {
	ID              string    `json:"id,omitempty"`
	EntityID        string    `json:"entity_id"`
	BankAccountID   string    `json:"bank_account_id"`
	TransactionDate time.Time `json:"transaction_date"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	Counterparty    string    `json:"counterparty"`
	Reference       string    `json:"reference"`
	IsWash          bool      `json:"is_wash,omitempty"`
}

type LockRequest struct {
	User           string `json:"user"`
	Override       bool   `json:"cfo_override"`
	Acknowledgment string `json:"acknowledgment,omitempty"`
}

type AssignRequest struct {
	Assignee string `json:"assignee"`
	User     string `json:"user"`
}

type AdvanceRequest struct {
	Status string `json:"status"` // InReview | Resolved | Escalated
	User   string `json:"user"`
}

type PolicyRequest struct {
	EntityID                 string `json:"entity_id"`
	Currency                 string `json:"currency,omitempty"`
	AmountTolerance          string `json:"amount_tolerance"`
	DateWindowDays           int    `json:"date_window_days"`
	RequireCounterpartyTier1 bool   `json:"require_counterparty_tier1"`
	AutoReconcileTier1       bool   `json:"auto_reconcile_tier1"`
	AutoReconcileTier2       bool   `json:"auto_reconcile_tier2"`
	User                     string `json:"user"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type SnapshotDTO struct {
	ID       string     `json:"id"`
	EntityID string     `json:"entity_id"`
	AsOf     time.Time  `json:"as_of"`
	Status   string     `json:"status"`
	LockType string     `json:"lock_type,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
	LockedBy string     `json:"locked_by,omitempty"`
}

type IngestResultDTO struct {
	Inserted           int      `json:"inserted"`
	Updated            int      `json:"updated"`
	Skipped            int      `json:"skipped"`
	PossibleCollisions int      `json:"possible_collisions"`
	UnresolvedParents  []string `json:"unresolved_parents,omitempty"`
}

type WeeklyRowDTO struct {
	WeekIndex  int               `json:"week_index"`
	Open       string            `json:"open_balance"`
	Inflow     string            `json:"inflow"`
	Outflow    string            `json:"outflow"`
	Close      string            `json:"close_balance"`
	UnknownIn  string            `json:"unknown_in"`
	UnknownOut string            `json:"unknown_out"`
	TruthMix   map[string]string `json:"truth_mix"`
}

type WorkspaceDTO struct {
	SnapshotID   string         `json:"snapshot_id"`
	BaseCurrency string         `json:"base_currency"`
	Rows         []WeeklyRowDTO `json:"rows"`
}

type ContributionDTO struct {
	SourceID      string `json:"source_record_id"`
	Amount        string `json:"amount_contribution"`
	Weight        string `json:"weight"`
	PredictedDate string `json:"predicted_date_used,omitempty"`
	TruthLabel    string `json:"truth_label"`
	UnknownReason string `json:"unknown_reason,omitempty"`
}

type GateResultDTO struct {
	MissingFXExposurePct float64          `json:"missing_fx_exposure_pct"`
	UnexplainedCashPct   float64          `json:"unexplained_cash_pct"`
	CalibrationError     float64          `json:"calibration_error"`
	CalibrationAdvisory  bool             `json:"calibration_advisory"`
	Eligible             bool             `json:"eligible"`
	Failures             []GateFailureDTO `json:"failures,omitempty"`
}

type GateFailureDTO struct {
	Gate      string  `json:"gate"`
	Measured  float64 `json:"measured_pct"`
	Threshold float64 `json:"threshold_pct"`
}

type ReconcileReportDTO struct {
	Deterministic int        `json:"deterministic"`
	Rule          int        `json:"rule"`
	Suggested     int        `json:"suggested"`
	Manual        int        `json:"manual"`
	Unmatched     int        `json:"unmatched"`
	Proofs        []ProofDTO `json:"conservation_proofs"`
}

type ProofDTO struct {
	TransactionID string `json:"transaction_id"`
	IsConserved   bool   `json:"is_conserved"`
	Expected      string `json:"expected_total"`
	Actual        string `json:"actual_total"`
	Difference    string `json:"difference"`
	Proof         string `json:"proof"`
	Degraded      bool   `json:"degraded,omitempty"`
}

type TrustReportDTO struct {
	SnapshotID       string            `json:"snapshot_id"`
	CashExplainedPct float64           `json:"cash_explained_pct"`
	UnknownTotal     string            `json:"unknown_exposure"`
	UnknownByReason  map[string]string `json:"unknown_by_reason"`
	MissingFXPct     float64           `json:"missing_fx_exposure_pct"`
	CalibrationError float64           `json:"calibration_error"`
	RegimeShifts     map[string]string `json:"regime_shifts,omitempty"`
	LockEligibility  *GateResultDTO    `json:"lock_eligibility"`
	Warnings         []string          `json:"warnings,omitempty"`
}

type VarianceReportDTO struct {
	SnapshotA  string                       `json:"snapshot_a"`
	SnapshotB  string                       `json:"snapshot_b"`
	TotalDelta string                       `json:"total_delta"`
	Categories map[string]string            `json:"categories"`
	Items      map[string][]VarianceItemDTO `json:"drilldown"`
}

type VarianceItemDTO struct {
	CanonicalID string `json:"canonical_id"`
	Delta       string `json:"delta"`
	WeekFrom    int    `json:"week_from"`
	WeekTo      int    `json:"week_to"`
}

type ErrorDTO struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
