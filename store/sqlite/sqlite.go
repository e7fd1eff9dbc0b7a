/*
Package sqlite provides the SQLite-backed implementation of the treasury
Repository.

PURPOSE:
  Production persistence for the treasury core. The same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

LOCK GUARD:
  Snapshot immutability is enforced here, the single choke point: every
  write that touches a snapshot's transitive contents reads the owning
  snapshot's status first and fails with ErrSnapshotLocked. UpdateSnapshot
  itself refuses to touch an already-LOCKED row.

KEY TABLES AND INDEXES:
  invoices, vendor_bills:    UNIQUE(snapshot_id, canonical_id)
  bank_transactions:         INDEX(entity_id, transaction_date)
  segment_stats:             INDEX(snapshot_id, segment_type, segment_key)
  fx_rates:                  UNIQUE(snapshot_id, from_ccy, to_ccy, week)

WAL MODE:
  Opened with WAL for read concurrency; foreign keys on.

TRANSACTIONS:
  WithTx wraps fn in BEGIN/COMMIT; the transactional view shares the
  advisory lock table with the root store.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a versioned
  migration tool.

SEE ALSO:
  - treasury/store.go: Interface definitions
  - treasury/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/treasury-engine/treasury"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
	q  queryer

	advisory   map[treasury.SnapshotID]*sync.Mutex
	advisoryMu *sync.Mutex
}

// New opens (and migrates) a SQLite store. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{
		db:         db,
		advisory:   make(map[treasury.SnapshotID]*sync.Mutex),
		advisoryMu: &sync.Mutex{},
	}
	s.q = db
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_currency TEXT NOT NULL,
		payment_run_day INTEGER NOT NULL DEFAULT 5,
		internal_accounts_json TEXT
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL REFERENCES entities(id),
		as_of TEXT NOT NULL,
		status TEXT NOT NULL,
		lock_type TEXT,
		locked_at TEXT,
		locked_by TEXT,
		override_ack TEXT,
		import_batch_id TEXT,
		assumption_set_id TEXT,
		fx_table_version TEXT,
		config_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_entity ON snapshots(entity_id);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
		canonical_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		document_type TEXT,
		document_number TEXT,
		customer TEXT,
		counterparty_id TEXT,
		country TEXT,
		terms TEXT,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		document_date TEXT NOT NULL,
		expected_due_date TEXT,
		payment_date TEXT,
		predicted_payment_date TEXT,
		confidence_p25 TEXT,
		confidence_p50 TEXT,
		confidence_p75 TEXT,
		confidence_p90 TEXT,
		prediction_segment TEXT,
		truth_label TEXT,
		parent_invoice_id TEXT,
		relationship_type TEXT NOT NULL DEFAULT 'original'
	);

	-- Canonical identity: the idempotent-ingest invariant.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_canonical
		ON invoices(snapshot_id, canonical_id);

	CREATE TABLE IF NOT EXISTS vendor_bills (
		id TEXT PRIMARY KEY,
		snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
		canonical_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		document_number TEXT,
		vendor TEXT,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		bill_date TEXT NOT NULL,
		due_date TEXT,
		scheduled_payment_date TEXT,
		hold_status INTEGER NOT NULL DEFAULT 0,
		approval_date TEXT,
		is_discretionary INTEGER NOT NULL DEFAULT 0,
		category TEXT,
		recurring_template_id TEXT,
		truth_label TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_canonical
		ON vendor_bills(snapshot_id, canonical_id);

	CREATE TABLE IF NOT EXISTS bank_transactions (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		bank_account_id TEXT,
		transaction_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		counterparty TEXT,
		reference TEXT,
		reconciliation_type TEXT,
		is_reconciled INTEGER NOT NULL DEFAULT 0,
		is_wash INTEGER NOT NULL DEFAULT 0,
		assignee TEXT,
		assigned_at TEXT,
		sla_breach_at TEXT,
		lifecycle_status TEXT NOT NULL DEFAULT 'New'
	);

	CREATE INDEX IF NOT EXISTS idx_txns_entity_date
		ON bank_transactions(entity_id, transaction_date);

	CREATE TABLE IF NOT EXISTS match_allocations (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		invoice_id TEXT,
		bill_id TEXT,
		snapshot_id TEXT NOT NULL,
		allocated TEXT NOT NULL,
		currency TEXT NOT NULL,
		tier INTEGER NOT NULL,
		quality REAL NOT NULL DEFAULT 0,
		solver_note TEXT,
		approved INTEGER NOT NULL DEFAULT 0,
		approved_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alloc_txn ON match_allocations(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_alloc_invoice ON match_allocations(invoice_id)
		WHERE invoice_id IS NOT NULL AND invoice_id != '';
	CREATE INDEX IF NOT EXISTS idx_alloc_snapshot ON match_allocations(snapshot_id);

	CREATE TABLE IF NOT EXISTS fx_rates (
		snapshot_id TEXT NOT NULL,
		from_ccy TEXT NOT NULL,
		to_ccy TEXT NOT NULL,
		effective_week_start TEXT NOT NULL DEFAULT '',
		rate TEXT NOT NULL,
		UNIQUE(snapshot_id, from_ccy, to_ccy, effective_week_start)
	);

	CREATE TABLE IF NOT EXISTS segment_stats (
		snapshot_id TEXT NOT NULL,
		segment_type TEXT NOT NULL,
		segment_key TEXT NOT NULL,
		sample_size INTEGER NOT NULL,
		p25 REAL, p50 REAL, p75 REAL, p90 REAL,
		mean REAL, std REAL,
		half_life_days REAL,
		winsorized INTEGER NOT NULL DEFAULT 0,
		calibrated INTEGER NOT NULL DEFAULT 0,
		calibration_gamma REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_segment_stats
		ON segment_stats(snapshot_id, segment_type, segment_key);

	CREATE TABLE IF NOT EXISTS calibration_stats (
		snapshot_id TEXT NOT NULL,
		segment_type TEXT NOT NULL,
		segment_key TEXT NOT NULL,
		coverage_p25_p75 REAL,
		calibration_error REAL,
		regime_shift_severity TEXT,
		cv_fold_split TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_calibration_stats
		ON calibration_stats(snapshot_id, segment_type, segment_key);

	CREATE TABLE IF NOT EXISTS payment_run_exceptions (
		bill_id TEXT PRIMARY KEY,
		pay_date TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		approved_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS matching_policies (
		entity_id TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT '',
		amount_tolerance TEXT NOT NULL,
		date_window_days INTEGER NOT NULL,
		require_counterparty_tier1 INTEGER NOT NULL DEFAULT 0,
		auto_reconcile_tier1 INTEGER NOT NULL DEFAULT 1,
		auto_reconcile_tier2 INTEGER NOT NULL DEFAULT 1,
		UNIQUE(entity_id, currency)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// guard is the snapshot immutability choke point.
func (s *Store) guard(ctx context.Context, id treasury.SnapshotID) error {
	return treasury.GuardWritable(ctx, s, id)
}

// =============================================================================
// HELPERS
// =============================================================================

const dateFmt = time.RFC3339

func fmtTime(t time.Time) string { return t.UTC().Format(dateFmt) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(dateFmt, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func parseDec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// ENTITIES
// =============================================================================

func (s *Store) InsertEntity(ctx context.Context, e *treasury.Entity) error {
	accounts, _ := json.Marshal(e.InternalAccounts)
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO entities (id, name, base_currency, payment_run_day, internal_accounts_json)
		VALUES (?, ?, ?, ?, ?)`,
		string(e.ID), e.Name, e.BaseCurrency, int(e.PaymentRunDay), string(accounts))
	return err
}

func (s *Store) Entity(ctx context.Context, id treasury.EntityID) (*treasury.Entity, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, base_currency, payment_run_day, COALESCE(internal_accounts_json, '{}')
		FROM entities WHERE id = ?`, string(id))
	var e treasury.Entity
	var runDay int
	var accounts string
	if err := row.Scan((*string)(&e.ID), &e.Name, &e.BaseCurrency, &runDay, &accounts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, treasury.ErrNotFound
		}
		return nil, err
	}
	e.PaymentRunDay = time.Weekday(runDay)
	_ = json.Unmarshal([]byte(accounts), &e.InternalAccounts)
	return &e, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (s *Store) InsertSnapshot(ctx context.Context, snap *treasury.Snapshot) error {
	cfg, err := json.Marshal(snap.Config)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO snapshots (id, entity_id, as_of, status, lock_type, locked_at, locked_by,
			override_ack, import_batch_id, assumption_set_id, fx_table_version, config_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(snap.ID), string(snap.EntityID), fmtTime(snap.AsOf), string(snap.Status),
		string(snap.LockType), fmtTimePtr(snap.LockedAt), snap.LockedBy, snap.OverrideAck,
		snap.ImportBatchID, snap.AssumptionSetID, snap.FXTableVersion, string(cfg), fmtTime(snap.CreatedAt))
	return err
}

func (s *Store) Snapshot(ctx context.Context, id treasury.SnapshotID) (*treasury.Snapshot, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, entity_id, as_of, status, COALESCE(lock_type, ''), locked_at,
			COALESCE(locked_by, ''), COALESCE(override_ack, ''), COALESCE(import_batch_id, ''),
			COALESCE(assumption_set_id, ''), COALESCE(fx_table_version, ''), config_json, created_at
		FROM snapshots WHERE id = ?`, string(id))
	var snap treasury.Snapshot
	var asOf, createdAt, cfg string
	var lockedAt sql.NullString
	if err := row.Scan((*string)(&snap.ID), (*string)(&snap.EntityID), &asOf,
		(*string)(&snap.Status), (*string)(&snap.LockType), &lockedAt, &snap.LockedBy,
		&snap.OverrideAck, &snap.ImportBatchID, &snap.AssumptionSetID, &snap.FXTableVersion,
		&cfg, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, treasury.ErrNotFound
		}
		return nil, err
	}
	snap.AsOf = parseTime(asOf)
	snap.CreatedAt = parseTime(createdAt)
	snap.LockedAt = parseTimePtr(lockedAt)
	if err := json.Unmarshal([]byte(cfg), &snap.Config); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) UpdateSnapshot(ctx context.Context, snap *treasury.Snapshot) error {
	cur, err := s.Snapshot(ctx, snap.ID)
	if err != nil {
		return err
	}
	if cur.Status == treasury.StatusLocked {
		return treasury.ErrSnapshotLocked
	}
	cfg, err := json.Marshal(snap.Config)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE snapshots SET status = ?, lock_type = ?, locked_at = ?, locked_by = ?,
			override_ack = ?, config_json = ? WHERE id = ?`,
		string(snap.Status), string(snap.LockType), fmtTimePtr(snap.LockedAt),
		snap.LockedBy, snap.OverrideAck, string(cfg), string(snap.ID))
	return err
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceCols = `id, snapshot_id, canonical_id, entity_id, COALESCE(document_type, ''),
	COALESCE(document_number, ''), COALESCE(customer, ''), COALESCE(counterparty_id, ''),
	COALESCE(country, ''), COALESCE(terms, ''), amount, currency, document_date,
	expected_due_date, payment_date, predicted_payment_date, confidence_p25, confidence_p50,
	confidence_p75, confidence_p90, COALESCE(prediction_segment, ''), COALESCE(truth_label, ''),
	COALESCE(parent_invoice_id, ''), relationship_type`

func (s *Store) InsertInvoice(ctx context.Context, inv *treasury.Invoice) error {
	if err := s.guard(ctx, inv.SnapshotID); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO invoices (id, snapshot_id, canonical_id, entity_id, document_type,
			document_number, customer, counterparty_id, country, terms, amount, currency,
			document_date, expected_due_date, payment_date, predicted_payment_date,
			confidence_p25, confidence_p50, confidence_p75, confidence_p90,
			prediction_segment, truth_label, parent_invoice_id, relationship_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(inv.ID), string(inv.SnapshotID), string(inv.CanonicalID), string(inv.EntityID),
		inv.DocumentType, inv.DocumentNumber, inv.Customer, inv.CounterpartyID, inv.Country,
		inv.Terms, inv.Amount.Value.String(), inv.Amount.Currency, fmtTime(inv.DocumentDate),
		fmtTimePtr(inv.ExpectedDueDate), fmtTimePtr(inv.PaymentDate),
		fmtTimePtr(inv.PredictedPaymentDate), fmtTimePtr(inv.ConfidenceP25),
		fmtTimePtr(inv.ConfidenceP50), fmtTimePtr(inv.ConfidenceP75), fmtTimePtr(inv.ConfidenceP90),
		inv.PredictionSegment, string(inv.TruthLabel), string(inv.ParentInvoiceID),
		string(inv.RelationshipType))
	return err
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *treasury.Invoice) error {
	if err := s.guard(ctx, inv.SnapshotID); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE invoices SET amount = ?, currency = ?, expected_due_date = ?, payment_date = ?,
			predicted_payment_date = ?, confidence_p25 = ?, confidence_p50 = ?,
			confidence_p75 = ?, confidence_p90 = ?, prediction_segment = ?, truth_label = ?,
			parent_invoice_id = ? WHERE id = ?`,
		inv.Amount.Value.String(), inv.Amount.Currency, fmtTimePtr(inv.ExpectedDueDate),
		fmtTimePtr(inv.PaymentDate), fmtTimePtr(inv.PredictedPaymentDate),
		fmtTimePtr(inv.ConfidenceP25), fmtTimePtr(inv.ConfidenceP50),
		fmtTimePtr(inv.ConfidenceP75), fmtTimePtr(inv.ConfidenceP90),
		inv.PredictionSegment, string(inv.TruthLabel), string(inv.ParentInvoiceID), string(inv.ID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return treasury.ErrNotFound
	}
	return nil
}

func scanInvoice(scan func(...any) error) (*treasury.Invoice, error) {
	var inv treasury.Invoice
	var amount, currency, docDate string
	var due, paid, pred, p25, p50, p75, p90 sql.NullString
	err := scan((*string)(&inv.ID), (*string)(&inv.SnapshotID), (*string)(&inv.CanonicalID),
		(*string)(&inv.EntityID), &inv.DocumentType, &inv.DocumentNumber, &inv.Customer,
		&inv.CounterpartyID, &inv.Country, &inv.Terms, &amount, &currency, &docDate,
		&due, &paid, &pred, &p25, &p50, &p75, &p90, &inv.PredictionSegment,
		(*string)(&inv.TruthLabel), (*string)(&inv.ParentInvoiceID), (*string)(&inv.RelationshipType))
	if err != nil {
		return nil, err
	}
	inv.Amount = treasury.Money{Value: parseDec(amount), Currency: currency}
	inv.DocumentDate = parseTime(docDate)
	inv.ExpectedDueDate = parseTimePtr(due)
	inv.PaymentDate = parseTimePtr(paid)
	inv.PredictedPaymentDate = parseTimePtr(pred)
	inv.ConfidenceP25 = parseTimePtr(p25)
	inv.ConfidenceP50 = parseTimePtr(p50)
	inv.ConfidenceP75 = parseTimePtr(p75)
	inv.ConfidenceP90 = parseTimePtr(p90)
	return &inv, nil
}

func (s *Store) Invoice(ctx context.Context, id treasury.InvoiceID) (*treasury.Invoice, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = ?`, string(id))
	inv, err := scanInvoice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, treasury.ErrNotFound
	}
	return inv, err
}

func (s *Store) InvoiceByCanonical(ctx context.Context, sid treasury.SnapshotID, cid treasury.CanonicalID) (*treasury.Invoice, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE snapshot_id = ? AND canonical_id = ?`,
		string(sid), string(cid))
	inv, err := scanInvoice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, treasury.ErrNotFound
	}
	return inv, err
}

func (s *Store) Invoices(ctx context.Context, sid treasury.SnapshotID) ([]*treasury.Invoice, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE snapshot_id = ? ORDER BY id`, string(sid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*treasury.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// =============================================================================
// VENDOR BILLS
// =============================================================================

const billCols = `id, snapshot_id, canonical_id, entity_id, COALESCE(document_number, ''),
	COALESCE(vendor, ''), amount, currency, bill_date, due_date, scheduled_payment_date,
	hold_status, approval_date, is_discretionary, COALESCE(category, ''),
	COALESCE(recurring_template_id, ''), COALESCE(truth_label, '')`

func (s *Store) InsertBill(ctx context.Context, b *treasury.VendorBill) error {
	if err := s.guard(ctx, b.SnapshotID); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO vendor_bills (id, snapshot_id, canonical_id, entity_id, document_number,
			vendor, amount, currency, bill_date, due_date, scheduled_payment_date, hold_status,
			approval_date, is_discretionary, category, recurring_template_id, truth_label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID), string(b.SnapshotID), string(b.CanonicalID), string(b.EntityID),
		b.DocumentNumber, b.Vendor, b.Amount.Value.String(), b.Amount.Currency,
		fmtTime(b.BillDate), fmtTimePtr(b.DueDate), fmtTimePtr(b.ScheduledPaymentDate),
		b.HoldStatus, fmtTimePtr(b.ApprovalDate), boolToInt(b.IsDiscretionary), b.Category,
		b.RecurringTemplateID, string(b.TruthLabel))
	return err
}

func (s *Store) UpdateBill(ctx context.Context, b *treasury.VendorBill) error {
	if err := s.guard(ctx, b.SnapshotID); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE vendor_bills SET amount = ?, currency = ?, due_date = ?,
			scheduled_payment_date = ?, hold_status = ?, approval_date = ?, truth_label = ?
		WHERE id = ?`,
		b.Amount.Value.String(), b.Amount.Currency, fmtTimePtr(b.DueDate),
		fmtTimePtr(b.ScheduledPaymentDate), b.HoldStatus, fmtTimePtr(b.ApprovalDate),
		string(b.TruthLabel), string(b.ID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return treasury.ErrNotFound
	}
	return nil
}

func scanBill(scan func(...any) error) (*treasury.VendorBill, error) {
	var b treasury.VendorBill
	var amount, currency, billDate string
	var due, sched, approval sql.NullString
	var discretionary int
	err := scan((*string)(&b.ID), (*string)(&b.SnapshotID), (*string)(&b.CanonicalID),
		(*string)(&b.EntityID), &b.DocumentNumber, &b.Vendor, &amount, &currency, &billDate,
		&due, &sched, &b.HoldStatus, &approval, &discretionary, &b.Category,
		&b.RecurringTemplateID, (*string)(&b.TruthLabel))
	if err != nil {
		return nil, err
	}
	b.Amount = treasury.Money{Value: parseDec(amount), Currency: currency}
	b.BillDate = parseTime(billDate)
	b.DueDate = parseTimePtr(due)
	b.ScheduledPaymentDate = parseTimePtr(sched)
	b.ApprovalDate = parseTimePtr(approval)
	b.IsDiscretionary = discretionary == 1
	return &b, nil
}

func (s *Store) Bill(ctx context.Context, id treasury.BillID) (*treasury.VendorBill, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+billCols+` FROM vendor_bills WHERE id = ?`, string(id))
	b, err := scanBill(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, treasury.ErrNotFound
	}
	return b, err
}

func (s *Store) BillByCanonical(ctx context.Context, sid treasury.SnapshotID, cid treasury.CanonicalID) (*treasury.VendorBill, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+billCols+` FROM vendor_bills WHERE snapshot_id = ? AND canonical_id = ?`,
		string(sid), string(cid))
	b, err := scanBill(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, treasury.ErrNotFound
	}
	return b, err
}

func (s *Store) Bills(ctx context.Context, sid treasury.SnapshotID) ([]*treasury.VendorBill, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+billCols+` FROM vendor_bills WHERE snapshot_id = ? ORDER BY id`, string(sid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*treasury.VendorBill
	for rows.Next() {
		b, err := scanBill(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// BANK TRANSACTIONS
// =============================================================================

const txnCols = `id, entity_id, COALESCE(bank_account_id, ''), transaction_date, amount,
	currency, COALESCE(counterparty, ''), COALESCE(reference, ''),
	COALESCE(reconciliation_type, ''), is_reconciled, is_wash, COALESCE(assignee, ''),
	assigned_at, sla_breach_at, lifecycle_status`

func (s *Store) InsertTransaction(ctx context.Context, t *treasury.BankTransaction) error {
	if t.LifecycleStatus == "" {
		t.LifecycleStatus = treasury.LifecycleNew
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO bank_transactions (id, entity_id, bank_account_id, transaction_date,
			amount, currency, counterparty, reference, reconciliation_type, is_reconciled,
			is_wash, assignee, assigned_at, sla_breach_at, lifecycle_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(t.EntityID), t.BankAccountID, fmtTime(t.TransactionDate),
		t.Amount.Value.String(), t.Amount.Currency, t.Counterparty, t.Reference,
		string(t.ReconciliationType), boolToInt(t.IsReconciled), boolToInt(t.IsWash),
		t.Assignee, fmtTimePtr(t.AssignedAt), fmtTimePtr(t.SLABreachAt), string(t.LifecycleStatus))
	return err
}

func (s *Store) UpdateTransaction(ctx context.Context, t *treasury.BankTransaction) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE bank_transactions SET reconciliation_type = ?, is_reconciled = ?, is_wash = ?,
			assignee = ?, assigned_at = ?, sla_breach_at = ?, lifecycle_status = ?
		WHERE id = ?`,
		string(t.ReconciliationType), boolToInt(t.IsReconciled), boolToInt(t.IsWash),
		t.Assignee, fmtTimePtr(t.AssignedAt), fmtTimePtr(t.SLABreachAt),
		string(t.LifecycleStatus), string(t.ID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return treasury.ErrNotFound
	}
	return nil
}

func scanTxn(scan func(...any) error) (*treasury.BankTransaction, error) {
	var t treasury.BankTransaction
	var date, amount, currency string
	var assignedAt, slaBreach sql.NullString
	var reconciled, wash int
	err := scan((*string)(&t.ID), (*string)(&t.EntityID), &t.BankAccountID, &date, &amount,
		&currency, &t.Counterparty, &t.Reference, (*string)(&t.ReconciliationType),
		&reconciled, &wash, &t.Assignee, &assignedAt, &slaBreach, (*string)(&t.LifecycleStatus))
	if err != nil {
		return nil, err
	}
	t.TransactionDate = parseTime(date)
	t.Amount = treasury.Money{Value: parseDec(amount), Currency: currency}
	t.IsReconciled = reconciled == 1
	t.IsWash = wash == 1
	t.AssignedAt = parseTimePtr(assignedAt)
	t.SLABreachAt = parseTimePtr(slaBreach)
	return &t, nil
}

func (s *Store) Transaction(ctx context.Context, id treasury.TransactionID) (*treasury.BankTransaction, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+txnCols+` FROM bank_transactions WHERE id = ?`, string(id))
	t, err := scanTxn(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, treasury.ErrNotFound
	}
	return t, err
}

func (s *Store) Transactions(ctx context.Context, eid treasury.EntityID, from, to time.Time) ([]*treasury.BankTransaction, error) {
	query := `SELECT ` + txnCols + ` FROM bank_transactions WHERE entity_id = ?`
	args := []any{string(eid)}
	if !from.IsZero() {
		query += ` AND transaction_date >= ?`
		args = append(args, fmtTime(from))
	}
	if !to.IsZero() {
		query += ` AND transaction_date <= ?`
		args = append(args, fmtTime(to))
	}
	query += ` ORDER BY transaction_date, id`
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*treasury.BankTransaction
	for rows.Next() {
		t, err := scanTxn(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// MATCH ALLOCATIONS
// =============================================================================

const allocCols = `id, transaction_id, COALESCE(invoice_id, ''), COALESCE(bill_id, ''),
	snapshot_id, allocated, currency, tier, quality, COALESCE(solver_note, ''), approved,
	COALESCE(approved_by, ''), created_at`

func (s *Store) InsertAllocation(ctx context.Context, a *treasury.MatchAllocation) error {
	if err := s.guard(ctx, a.SnapshotID); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO match_allocations (id, transaction_id, invoice_id, bill_id, snapshot_id,
			allocated, currency, tier, quality, solver_note, approved, approved_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), string(a.TransactionID), string(a.InvoiceID), string(a.BillID),
		string(a.SnapshotID), a.Allocated.Value.String(), a.Allocated.Currency, a.Tier,
		a.Quality, a.SolverNote, boolToInt(a.Approved), a.ApprovedBy, fmtTime(a.CreatedAt))
	return err
}

func (s *Store) UpdateAllocation(ctx context.Context, a *treasury.MatchAllocation) error {
	if err := s.guard(ctx, a.SnapshotID); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE match_allocations SET allocated = ?, currency = ?, approved = ?, approved_by = ?
		WHERE id = ?`,
		a.Allocated.Value.String(), a.Allocated.Currency, boolToInt(a.Approved),
		a.ApprovedBy, string(a.ID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return treasury.ErrNotFound
	}
	return nil
}

func scanAlloc(scan func(...any) error) (*treasury.MatchAllocation, error) {
	var a treasury.MatchAllocation
	var allocated, currency, createdAt string
	var approved int
	err := scan((*string)(&a.ID), (*string)(&a.TransactionID), (*string)(&a.InvoiceID),
		(*string)(&a.BillID), (*string)(&a.SnapshotID), &allocated, &currency, &a.Tier,
		&a.Quality, &a.SolverNote, &approved, &a.ApprovedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Allocated = treasury.Money{Value: parseDec(allocated), Currency: currency}
	a.Approved = approved == 1
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *Store) Allocation(ctx context.Context, id treasury.AllocationID) (*treasury.MatchAllocation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+allocCols+` FROM match_allocations WHERE id = ?`, string(id))
	a, err := scanAlloc(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, treasury.ErrNotFound
	}
	return a, err
}

func (s *Store) allocationsWhere(ctx context.Context, where string, arg string) ([]*treasury.MatchAllocation, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+allocCols+` FROM match_allocations WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*treasury.MatchAllocation
	for rows.Next() {
		a, err := scanAlloc(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) AllocationsForTransaction(ctx context.Context, id treasury.TransactionID) ([]*treasury.MatchAllocation, error) {
	return s.allocationsWhere(ctx, `transaction_id = ?`, string(id))
}

func (s *Store) AllocationsForInvoice(ctx context.Context, id treasury.InvoiceID) ([]*treasury.MatchAllocation, error) {
	return s.allocationsWhere(ctx, `invoice_id = ?`, string(id))
}

func (s *Store) AllocationsForBill(ctx context.Context, id treasury.BillID) ([]*treasury.MatchAllocation, error) {
	return s.allocationsWhere(ctx, `bill_id = ?`, string(id))
}

func (s *Store) AllocationsForSnapshot(ctx context.Context, id treasury.SnapshotID) ([]*treasury.MatchAllocation, error) {
	return s.allocationsWhere(ctx, `snapshot_id = ?`, string(id))
}

// =============================================================================
// FX RATES
// =============================================================================

func (s *Store) InsertFXRate(ctx context.Context, r *treasury.WeeklyFXRate) error {
	if err := s.guard(ctx, r.SnapshotID); err != nil {
		return err
	}
	week := ""
	if !r.EffectiveWeekStart.IsZero() {
		week = fmtTime(r.EffectiveWeekStart)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO fx_rates (snapshot_id, from_ccy, to_ccy, effective_week_start, rate)
		VALUES (?, ?, ?, ?, ?)`,
		string(r.SnapshotID), r.FromCurrency, r.ToCurrency, week, r.Rate.String())
	return err
}

func (s *Store) FXRates(ctx context.Context, sid treasury.SnapshotID) ([]*treasury.WeeklyFXRate, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT snapshot_id, from_ccy, to_ccy, effective_week_start, rate
		FROM fx_rates WHERE snapshot_id = ? ORDER BY from_ccy, to_ccy, effective_week_start`,
		string(sid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*treasury.WeeklyFXRate
	for rows.Next() {
		var r treasury.WeeklyFXRate
		var week, rate string
		if err := rows.Scan((*string)(&r.SnapshotID), &r.FromCurrency, &r.ToCurrency, &week, &rate); err != nil {
			return nil, err
		}
		if week != "" {
			r.EffectiveWeekStart = parseTime(week)
		}
		r.Rate = parseDec(rate)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// =============================================================================
// LEARNED STATS
// =============================================================================

func (s *Store) SaveSegmentStats(ctx context.Context, sid treasury.SnapshotID, stats []*treasury.SegmentDelayStats) error {
	if err := s.guard(ctx, sid); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM segment_stats WHERE snapshot_id = ?`, string(sid)); err != nil {
		return err
	}
	for _, st := range stats {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO segment_stats (snapshot_id, segment_type, segment_key, sample_size,
				p25, p50, p75, p90, mean, std, half_life_days, winsorized, calibrated, calibration_gamma)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(sid), string(st.SegmentType), st.SegmentKey, st.SampleSize,
			st.P25, st.P50, st.P75, st.P90, st.Mean, st.Std, st.HalfLifeDays,
			boolToInt(st.Winsorized), boolToInt(st.Calibrated), st.CalibrationGamma)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SegmentStats(ctx context.Context, sid treasury.SnapshotID) ([]*treasury.SegmentDelayStats, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT snapshot_id, segment_type, segment_key, sample_size, p25, p50, p75, p90,
			mean, std, half_life_days, winsorized, calibrated, calibration_gamma
		FROM segment_stats WHERE snapshot_id = ? ORDER BY segment_type, segment_key`, string(sid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*treasury.SegmentDelayStats
	for rows.Next() {
		var st treasury.SegmentDelayStats
		var winsorized, calibrated int
		if err := rows.Scan((*string)(&st.SnapshotID), (*string)(&st.SegmentType),
			&st.SegmentKey, &st.SampleSize, &st.P25, &st.P50, &st.P75, &st.P90,
			&st.Mean, &st.Std, &st.HalfLifeDays, &winsorized, &calibrated,
			&st.CalibrationGamma); err != nil {
			return nil, err
		}
		st.Winsorized = winsorized == 1
		st.Calibrated = calibrated == 1
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *Store) SaveCalibrationStats(ctx context.Context, sid treasury.SnapshotID, stats []*treasury.CalibrationStats) error {
	if err := s.guard(ctx, sid); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM calibration_stats WHERE snapshot_id = ?`, string(sid)); err != nil {
		return err
	}
	for _, st := range stats {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO calibration_stats (snapshot_id, segment_type, segment_key,
				coverage_p25_p75, calibration_error, regime_shift_severity, cv_fold_split)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(sid), string(st.SegmentType), st.SegmentKey, st.CoverageP25P75,
			st.CalibrationError, string(st.RegimeShiftSeverity), fmtTime(st.CVFoldSplit))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CalibrationStats(ctx context.Context, sid treasury.SnapshotID) ([]*treasury.CalibrationStats, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT snapshot_id, segment_type, segment_key, coverage_p25_p75, calibration_error,
			regime_shift_severity, cv_fold_split
		FROM calibration_stats WHERE snapshot_id = ? ORDER BY segment_type, segment_key`, string(sid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*treasury.CalibrationStats
	for rows.Next() {
		var st treasury.CalibrationStats
		var split string
		if err := rows.Scan((*string)(&st.SnapshotID), (*string)(&st.SegmentType),
			&st.SegmentKey, &st.CoverageP25P75, &st.CalibrationError,
			(*string)(&st.RegimeShiftSeverity), &split); err != nil {
			return nil, err
		}
		st.CVFoldSplit = parseTime(split)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENT RUN EXCEPTIONS / POLICIES
// =============================================================================

func (s *Store) InsertPaymentRunException(ctx context.Context, ex *treasury.PaymentRunException) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO payment_run_exceptions (bill_id, pay_date, approved_by, approved_at)
		VALUES (?, ?, ?, ?)`,
		string(ex.BillID), fmtTime(ex.PayDate), ex.ApprovedBy, fmtTime(ex.ApprovedAt))
	return err
}

func (s *Store) PaymentRunExceptions(ctx context.Context, sid treasury.SnapshotID) (map[treasury.BillID]*treasury.PaymentRunException, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT e.bill_id, e.pay_date, e.approved_by, e.approved_at
		FROM payment_run_exceptions e
		JOIN vendor_bills b ON b.id = e.bill_id
		WHERE b.snapshot_id = ?`, string(sid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[treasury.BillID]*treasury.PaymentRunException)
	for rows.Next() {
		var ex treasury.PaymentRunException
		var payDate, approvedAt string
		if err := rows.Scan((*string)(&ex.BillID), &payDate, &ex.ApprovedBy, &approvedAt); err != nil {
			return nil, err
		}
		ex.PayDate = parseTime(payDate)
		ex.ApprovedAt = parseTime(approvedAt)
		out[ex.BillID] = &ex
	}
	return out, rows.Err()
}

func (s *Store) SavePolicy(ctx context.Context, p *treasury.MatchingPolicy) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO matching_policies (entity_id, currency, amount_tolerance,
			date_window_days, require_counterparty_tier1, auto_reconcile_tier1, auto_reconcile_tier2)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(p.EntityID), p.Currency, p.AmountTolerance.String(), p.DateWindowDays,
		boolToInt(p.RequireCounterpartyTier1), boolToInt(p.AutoReconcileTier1),
		boolToInt(p.AutoReconcileTier2))
	return err
}

func (s *Store) Policies(ctx context.Context) ([]*treasury.MatchingPolicy, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT entity_id, currency, amount_tolerance, date_window_days,
			require_counterparty_tier1, auto_reconcile_tier1, auto_reconcile_tier2
		FROM matching_policies ORDER BY entity_id, currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*treasury.MatchingPolicy
	for rows.Next() {
		var p treasury.MatchingPolicy
		var tolerance string
		var reqCp, auto1, auto2 int
		if err := rows.Scan((*string)(&p.EntityID), &p.Currency, &tolerance,
			&p.DateWindowDays, &reqCp, &auto1, &auto2); err != nil {
			return nil, err
		}
		p.AmountTolerance = parseDec(tolerance)
		p.RequireCounterpartyTier1 = reqCp == 1
		p.AutoReconcileTier1 = auto1 == 1
		p.AutoReconcileTier2 = auto2 == 1
		out = append(out, &p)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONS & ADVISORY LOCKS
// =============================================================================

// WithTx runs fn against a transactional view of the store. The view
// shares the advisory lock table with the root.
func (s *Store) WithTx(ctx context.Context, fn func(treasury.Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	view := &Store{db: s.db, q: tx, advisory: s.advisory, advisoryMu: s.advisoryMu}
	if err := fn(view); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) AcquireSnapshot(id treasury.SnapshotID) (release func()) {
	s.advisoryMu.Lock()
	mu, ok := s.advisory[id]
	if !ok {
		mu = &sync.Mutex{}
		s.advisory[id] = mu
	}
	s.advisoryMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
