/*
handlers.go - HTTP handlers for the treasury engine

PURPOSE:
  Maps the engine's operation surface onto REST handlers. Each handler:
  1. Parse and validate input
  2. Call the engine
  3. Serialize response
  4. Map domain errors to status codes

ERROR HANDLING:
  - 400: Validation errors, invalid input, gate failures, short ack
  - 404: Resource not found
  - 409: SnapshotLocked, over-allocation
  - 500: Internal errors

SECURITY NOTE:
  No authentication; auth and tenancy live outside the core.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/treasury-engine/treasury"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	Engine *treasury.Engine
	Log    *zap.Logger
}

func NewHandler(engine *treasury.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, Log: log}
}

// =============================================================================
// ENTITY / SNAPSHOT HANDLERS
// =============================================================================

func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req CreateEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" || req.BaseCurrency == "" {
		writeError(w, http.StatusBadRequest, "id and base_currency are required", nil)
		return
	}
	accounts := make(map[string]bool, len(req.InternalAccts))
	for _, a := range req.InternalAccts {
		accounts[a] = true
	}
	entity := &treasury.Entity{
		ID:               treasury.EntityID(req.ID),
		Name:             req.Name,
		BaseCurrency:     req.BaseCurrency,
		PaymentRunDay:    time.Weekday(req.PaymentRunDay),
		InternalAccounts: accounts,
	}
	if err := h.Engine.Repo().InsertEntity(r.Context(), entity); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req CreateSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	snap, err := h.Engine.CreateSnapshot(r.Context(), treasury.EntityID(req.EntityID), req.AsOf, req.Config, req.User)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshotDTO(snap))
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Engine.Repo().Snapshot(r.Context(), treasury.SnapshotID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotDTO(snap))
}

// =============================================================================
// INGEST / FX
// =============================================================================

func (h *Handler) IngestRecords(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	records := make([]*treasury.CanonicalRecord, 0, len(req.Records))
	for i, dto := range req.Records {
		rec, err := recordFromDTO(dto)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid record at index "+strconv.Itoa(i), err)
			return
		}
		records = append(records, rec)
	}
	result, err := h.Engine.IngestRecords(r.Context(), treasury.SnapshotID(chi.URLParam(r, "id")), records, req.User)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	unresolved := make([]string, len(result.UnresolvedParents))
	for i, cid := range result.UnresolvedParents {
		unresolved[i] = string(cid)
	}
	writeJSON(w, http.StatusOK, IngestResultDTO{
		Inserted:           result.Inserted,
		Updated:            result.Updated,
		Skipped:            result.Skipped,
		PossibleCollisions: len(result.PossibleCollisions),
		UnresolvedParents:  unresolved,
	})
}

func (h *Handler) SetFXRates(w http.ResponseWriter, r *http.Request) {
	var req FXRatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rates := make([]*treasury.WeeklyFXRate, 0, len(req.Rates))
	for _, dto := range req.Rates {
		rate, err := decimal.NewFromString(dto.Rate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rate "+dto.Rate, err)
			return
		}
		fx := &treasury.WeeklyFXRate{FromCurrency: dto.From, ToCurrency: dto.To, Rate: rate}
		if dto.EffectiveWeekStart != nil {
			fx.EffectiveWeekStart = *dto.EffectiveWeekStart
		}
		rates = append(rates, fx)
	}
	if err := h.Engine.SetFXRates(r.Context(), treasury.SnapshotID(chi.URLParam(r, "id")), rates, req.User); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rates": len(rates)})
}

// =============================================================================
// FORECAST / RECONCILE
// =============================================================================

func (h *Handler) RunForecast(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.RunForecast(r.Context(), treasury.SnapshotID(chi.URLParam(r, "id")), r.URL.Query().Get("user"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"segments":    len(report.Segments),
		"calibration": report.Calibration,
		"warnings":    report.Warnings,
	})
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	snapID := treasury.SnapshotID(chi.URLParam(r, "id"))
	snap, err := h.Engine.Repo().Snapshot(r.Context(), snapID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	report, err := h.Engine.Reconcile(r.Context(), snap.EntityID, snapID, r.URL.Query().Get("user"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dto := ReconcileReportDTO{
		Deterministic: report.Tiers.Deterministic,
		Rule:          report.Tiers.Rule,
		Suggested:     report.Tiers.Suggested,
		Manual:        report.Tiers.Manual,
		Unmatched:     report.Tiers.Unmatched,
	}
	for _, p := range report.Proofs {
		dto.Proofs = append(dto.Proofs, ProofDTO{
			TransactionID: string(p.TransactionID),
			IsConserved:   p.Conservation.IsConserved,
			Expected:      p.Conservation.Expected.StringFixed(2),
			Actual:        p.Conservation.Actual.StringFixed(2),
			Difference:    p.Conservation.Difference.StringFixed(4),
			Proof:         p.Conservation.Proof,
			Degraded:      p.Degraded,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ApproveMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Engine.ApproveMatch(r.Context(), treasury.AllocationID(chi.URLParam(r, "id")), req.User); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BANK TRANSACTIONS
// =============================================================================

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", err)
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	txn := &treasury.BankTransaction{
		ID:              treasury.TransactionID(id),
		EntityID:        treasury.EntityID(req.EntityID),
		BankAccountID:   req.BankAccountID,
		TransactionDate: req.TransactionDate,
		Amount:          treasury.Money{Value: amount, Currency: req.Currency},
		Counterparty:    req.Counterparty,
		Reference:       req.Reference,
		IsWash:          req.IsWash,
		LifecycleStatus: treasury.LifecycleNew,
	}
	if err := h.Engine.Repo().InsertTransaction(r.Context(), txn); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) AssignTransaction(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	snapID := treasury.SnapshotID(r.URL.Query().Get("snapshot"))
	err := h.Engine.AssignTransaction(r.Context(), snapID, treasury.TransactionID(chi.URLParam(r, "id")), req.Assignee, req.User)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdvanceTransaction applies a user-driven lifecycle transition
// (Assigned -> InReview -> Resolved | Escalated).
func (h *Handler) AdvanceTransaction(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	to := treasury.LifecycleStatus(req.Status)
	switch to {
	case treasury.LifecycleInReview, treasury.LifecycleResolved, treasury.LifecycleEscalated:
	default:
		writeError(w, http.StatusBadRequest, "status must be InReview|Resolved|Escalated", nil)
		return
	}
	if err := h.Engine.AdvanceTransaction(r.Context(), treasury.TransactionID(chi.URLParam(r, "id")), to); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lifecycle transition", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// WORKSPACE / DRILLDOWN
// =============================================================================

func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, _, err := h.Engine.Workspace13W(r.Context(), treasury.SnapshotID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dto := WorkspaceDTO{SnapshotID: string(ws.SnapshotID), BaseCurrency: ws.BaseCurrency}
	for _, row := range ws.Rows {
		mix := make(map[string]string, len(row.TruthMix))
		for label, amt := range row.TruthMix {
			mix[string(label)] = amt.StringFixed(2)
		}
		dto.Rows = append(dto.Rows, WeeklyRowDTO{
			WeekIndex:  row.WeekIndex,
			Open:       row.Open.StringFixed(2),
			Inflow:     row.Inflow.StringFixed(2),
			Outflow:    row.Outflow.StringFixed(2),
			Close:      row.Close.StringFixed(2),
			UnknownIn:  row.UnknownIn.StringFixed(2),
			UnknownOut: row.UnknownOut.StringFixed(2),
			TruthMix:   mix,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetDrilldown(w http.ResponseWriter, r *http.Request) {
	week, err := strconv.Atoi(r.URL.Query().Get("week"))
	if err != nil || week < 0 || week >= treasury.GridWeeks {
		writeError(w, http.StatusBadRequest, "week must be 0..12", err)
		return
	}
	dir := treasury.Direction(r.URL.Query().Get("direction"))
	if dir != treasury.DirectionIn && dir != treasury.DirectionOut {
		writeError(w, http.StatusBadRequest, "direction must be in|out", nil)
		return
	}
	contribs, err := h.Engine.Drilldown(r.Context(), treasury.SnapshotID(chi.URLParam(r, "id")), week, dir)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]ContributionDTO, 0, len(contribs))
	for _, c := range contribs {
		dto := ContributionDTO{
			SourceID:      c.SourceID,
			Amount:        c.Amount.Value.StringFixed(2),
			Weight:        c.Weight.String(),
			TruthLabel:    string(c.TruthLabel),
			UnknownReason: string(c.UnknownReason),
		}
		if !c.PredictedDate.IsZero() {
			dto.PredictedDate = c.PredictedDate.Format("2006-01-02")
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (h *Handler) MarkReady(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	gates, err := h.Engine.MarkReadyForReview(r.Context(), treasury.SnapshotID(chi.URLParam(r, "id")), req.User)
	if err != nil {
		var gateErr *treasury.GateFailedError
		if errors.As(err, &gateErr) {
			writeJSON(w, http.StatusBadRequest, gateResultDTO(gates))
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateResultDTO(gates))
}

func (h *Handler) LockSnapshot(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	result, err := h.Engine.LockSnapshot(r.Context(), treasury.SnapshotID(chi.URLParam(r, "id")), req.User, req.Override, req.Acknowledgment)
	if err != nil {
		var gateErr *treasury.GateFailedError
		if errors.As(err, &gateErr) && result != nil {
			writeJSON(w, http.StatusBadRequest, gateResultDTO(result.Gates))
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotDTO(result.Snapshot))
}

// =============================================================================
// VARIANCE / TRUST / POLICIES
// =============================================================================

func (h *Handler) ComputeVariance(w http.ResponseWriter, r *http.Request) {
	a := treasury.SnapshotID(r.URL.Query().Get("from"))
	b := treasury.SnapshotID(r.URL.Query().Get("to"))
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, "from and to snapshot ids are required", nil)
		return
	}
	report, err := h.Engine.ComputeVariance(r.Context(), a, b)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dto := VarianceReportDTO{
		SnapshotA:  string(report.SnapshotA),
		SnapshotB:  string(report.SnapshotB),
		TotalDelta: report.TotalDelta.StringFixed(2),
		Categories: make(map[string]string),
		Items:      make(map[string][]VarianceItemDTO),
	}
	for cat, delta := range report.Categories {
		dto.Categories[string(cat)] = delta.StringFixed(2)
	}
	for _, it := range report.Items {
		dto.Items[string(it.Category)] = append(dto.Items[string(it.Category)], VarianceItemDTO{
			CanonicalID: string(it.CanonicalID),
			Delta:       it.Delta.StringFixed(2),
			WeekFrom:    it.WeekFrom,
			WeekTo:      it.WeekTo,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetTrustReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.TrustReport(r.Context(), treasury.SnapshotID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	byReason := make(map[string]string, len(report.Unknown.ByReason))
	for reason, amt := range report.Unknown.ByReason {
		byReason[string(reason)] = amt.StringFixed(2)
	}
	shifts := make(map[string]string, len(report.RegimeShifts))
	for seg, sev := range report.RegimeShifts {
		shifts[seg] = string(sev)
	}
	writeJSON(w, http.StatusOK, TrustReportDTO{
		SnapshotID:       string(report.SnapshotID),
		CashExplainedPct: report.CashExplainedPct,
		UnknownTotal:     report.Unknown.Total.StringFixed(2),
		UnknownByReason:  byReason,
		MissingFXPct:     report.MissingFXPct,
		CalibrationError: report.CalibrationError,
		RegimeShifts:     shifts,
		LockEligibility:  gateResultDTO(report.LockEligibility),
		Warnings:         report.Warnings,
	})
}

func (h *Handler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	tolerance, err := decimal.NewFromString(req.AmountTolerance)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount_tolerance", err)
		return
	}
	policy := &treasury.MatchingPolicy{
		EntityID:                 treasury.EntityID(req.EntityID),
		Currency:                 req.Currency,
		AmountTolerance:          tolerance,
		DateWindowDays:           req.DateWindowDays,
		RequireCounterpartyTier1: req.RequireCounterpartyTier1,
		AutoReconcileTier1:       req.AutoReconcileTier1,
		AutoReconcileTier2:       req.AutoReconcileTier2,
	}
	if err := h.Engine.SetMatchingPolicy(r.Context(), policy, req.User); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SERIALIZATION HELPERS
// =============================================================================

func snapshotDTO(s *treasury.Snapshot) SnapshotDTO {
	return SnapshotDTO{
		ID:       string(s.ID),
		EntityID: string(s.EntityID),
		AsOf:     s.AsOf,
		Status:   string(s.Status),
		LockType: string(s.LockType),
		LockedAt: s.LockedAt,
		LockedBy: s.LockedBy,
	}
}

func gateResultDTO(g *treasury.GateResult) *GateResultDTO {
	if g == nil {
		return nil
	}
	dto := &GateResultDTO{
		MissingFXExposurePct: g.MissingFXExposurePct,
		UnexplainedCashPct:   g.UnexplainedCashPct,
		CalibrationError:     g.CalibrationError,
		CalibrationAdvisory:  g.CalibrationAdvisory,
		Eligible:             g.Eligible,
	}
	for _, f := range g.Failures {
		dto.Failures = append(dto.Failures, GateFailureDTO{Gate: f.Gate, Measured: f.Measured, Threshold: f.Threshold})
	}
	return dto
}

func recordFromDTO(dto RecordDTO) (*treasury.CanonicalRecord, error) {
	amount, err := decimal.NewFromString(dto.Amount)
	if err != nil {
		return nil, err
	}
	kind := treasury.KindInvoice
	if dto.Kind == string(treasury.KindBill) {
		kind = treasury.KindBill
	}
	return &treasury.CanonicalRecord{
		Kind:                 kind,
		SourceSystem:         dto.SourceSystem,
		ExternalID:           dto.ExternalID,
		DocumentType:         dto.DocumentType,
		DocumentNumber:       dto.DocumentNumber,
		Counterparty:         dto.Counterparty,
		CounterpartyID:       dto.CounterpartyID,
		Country:              dto.Country,
		Terms:                dto.Terms,
		Amount:               amount,
		Currency:             dto.Currency,
		DocumentDate:         dto.DocumentDate,
		DueDate:              dto.DueDate,
		PaymentDate:          dto.PaymentDate,
		LineID:               dto.LineID,
		ScheduledPaymentDate: dto.ScheduledPaymentDate,
		HoldStatus:           dto.HoldStatus,
		ApprovalDate:         dto.ApprovalDate,
		IsDiscretionary:      dto.IsDiscretionary,
		Category:             dto.Category,
		RecurringTemplateID:  dto.RecurringTemplateID,
		ParentExternalID:     dto.ParentExternalID,
		Relationship:         treasury.RelationshipType(dto.Relationship),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	dto := ErrorDTO{Error: msg}
	if err != nil {
		dto.Details = err.Error()
	}
	writeJSON(w, status, dto)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, treasury.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", err)
	case treasury.IsIntegrityError(err):
		writeError(w, http.StatusConflict, "conflict", err)
	case treasury.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}
