/*
canonical.go - Content-addressed document identity

PURPOSE:
  Assigns a stable canonical id to every ingested business document so
  re-ingesting the same document yields one row regardless of formatting.
  The id is a truncated SHA-256 over the cleaned identity tuple. When the
  source system supplies a stable external id, external identity wins over
  the component tuple.

CLEANING:
  clean() strips whitespace, lowercases, and removes common punctuation,
  so "INV-1001 ", "inv 1001" and "Inv.1001" fingerprint identically.

COLLISION SIGNAL:
  When an external-id record's component tuple matches a DIFFERENT
  existing row, ingest surfaces the pair as a possible collision and
  never auto-merges.

SEE ALSO:
  - ingest.go: Uses these fingerprints for idempotent upserts
*/
package treasury

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CANONICAL RECORD - What parsers produce, what ingest consumes
// =============================================================================

// RecordKind selects the target table.
type RecordKind string

const (
	KindInvoice RecordKind = "invoice"
	KindBill    RecordKind = "vendor_bill"
)

// CanonicalRecord is the parser-agnostic ingest row. Spreadsheet, MT940,
// BAI2, camt.053 and CSV producers all emit this shape; the core never
// sees a file.
type CanonicalRecord struct {
	Kind           RecordKind
	SourceSystem   string
	ExternalID     string // stable source id; wins over the tuple when set
	EntityID       EntityID
	DocumentType   string
	DocumentNumber string
	Counterparty   string
	CounterpartyID string
	Country        string
	Terms          string
	Amount         decimal.Decimal
	Currency       string
	DocumentDate   time.Time
	DueDate        *time.Time
	PaymentDate    *time.Time
	LineID         string

	// AP-only fields.
	ScheduledPaymentDate *time.Time
	HoldStatus           int
	ApprovalDate         *time.Time
	IsDiscretionary      bool
	Category             string
	RecurringTemplateID  string

	// AR relationship fields.
	ParentExternalID string
	Relationship     RelationshipType
}

// =============================================================================
// FINGERPRINT
// =============================================================================

const canonicalIDLen = 32 // hex chars; 128 bits of SHA-256

var punctReplacer = strings.NewReplacer(
	".", "", ",", "", ";", "", ":", "", "/", "", "\\", "",
	"-", "", "_", "", "#", "", "'", "", "\"", "",
)

// Clean normalizes a free-text identity component: trim, lowercase,
// collapse inner whitespace, strip common punctuation.
func Clean(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = punctReplacer.Replace(s)
	return strings.Join(strings.Fields(s), "")
}

// Quantize renders an amount at fixed 2-decimal precision, the only
// precision that participates in identity.
func Quantize(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

func hashTuple(parts ...string) CanonicalID {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return CanonicalID(hex.EncodeToString(h[:])[:canonicalIDLen])
}

// FingerprintTuple computes the component-tuple canonical id.
func FingerprintTuple(r *CanonicalRecord) CanonicalID {
	due := ""
	if r.DueDate != nil {
		due = r.DueDate.Format("2006-01-02")
	}
	return hashTuple(
		Clean(r.SourceSystem),
		string(r.EntityID),
		Clean(r.DocumentType),
		Clean(r.DocumentNumber),
		Clean(r.Counterparty),
		strings.ToUpper(strings.TrimSpace(r.Currency)),
		Quantize(r.Amount),
		r.DocumentDate.Format("2006-01-02"),
		due,
		Clean(r.LineID),
	)
}

// FingerprintExternal computes the external-identity canonical id.
func FingerprintExternal(r *CanonicalRecord) CanonicalID {
	return hashTuple("ext", Clean(r.SourceSystem), string(r.EntityID), Clean(r.ExternalID))
}

// Fingerprint returns the record's canonical id: external identity when
// available, component tuple otherwise.
func Fingerprint(r *CanonicalRecord) CanonicalID {
	if strings.TrimSpace(r.ExternalID) != "" {
		return FingerprintExternal(r)
	}
	return FingerprintTuple(r)
}
