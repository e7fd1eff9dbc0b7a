/*
blocking.go - Blocking indexes for reconciliation

PURPOSE:
  Prebuilt inverted indexes that cut candidate generation from O(n*m) to
  O(n*k): a transaction only ever meets documents sharing a document
  number, an amount bucket, a counterparty key, or a nearby week. Both
  sides of the book are indexed - inflows match open invoices, outflows
  match vendor bills. The candidate set for a transaction is the union
  of its blocks (the intersection would miss legitimate partial matches;
  tiers re-verify every candidate anyway).
*/
package treasury

import (
	"time"
)

type BlockingIndex struct {
	byDocNumber    map[string][]*Invoice
	byAmountBucket map[string][]*Invoice
	byCounterparty map[string][]*Invoice
	byWeek         map[int][]*Invoice

	billByDocNumber    map[string][]*VendorBill
	billByAmountBucket map[string][]*VendorBill
	billByCounterparty map[string][]*VendorBill
	billByWeek         map[int][]*VendorBill

	anchor time.Time
}

// BuildBlockingIndex indexes open invoices and vendor bills for
// matching. Paid invoices are not candidates.
func BuildBlockingIndex(invoices []*Invoice, bills []*VendorBill, anchor time.Time) *BlockingIndex {
	idx := &BlockingIndex{
		byDocNumber:        make(map[string][]*Invoice),
		byAmountBucket:     make(map[string][]*Invoice),
		byCounterparty:     make(map[string][]*Invoice),
		byWeek:             make(map[int][]*Invoice),
		billByDocNumber:    make(map[string][]*VendorBill),
		billByAmountBucket: make(map[string][]*VendorBill),
		billByCounterparty: make(map[string][]*VendorBill),
		billByWeek:         make(map[int][]*VendorBill),
		anchor:             StartOfISOWeek(anchor),
	}
	for _, inv := range invoices {
		if inv.IsPaid() {
			continue
		}
		if doc := Clean(inv.DocumentNumber); doc != "" {
			idx.byDocNumber[doc] = append(idx.byDocNumber[doc], inv)
		}
		idx.byAmountBucket[Quantize(inv.Amount.Value.Abs())] = append(idx.byAmountBucket[Quantize(inv.Amount.Value.Abs())], inv)
		if cp := Clean(inv.Customer); cp != "" {
			idx.byCounterparty[cp] = append(idx.byCounterparty[cp], inv)
		}
		if inv.ExpectedDueDate != nil {
			idx.byWeek[idx.week(*inv.ExpectedDueDate)] = append(idx.byWeek[idx.week(*inv.ExpectedDueDate)], inv)
		}
	}
	for _, b := range bills {
		if doc := Clean(b.DocumentNumber); doc != "" {
			idx.billByDocNumber[doc] = append(idx.billByDocNumber[doc], b)
		}
		idx.billByAmountBucket[Quantize(b.Amount.Value.Abs())] = append(idx.billByAmountBucket[Quantize(b.Amount.Value.Abs())], b)
		if cp := Clean(b.Vendor); cp != "" {
			idx.billByCounterparty[cp] = append(idx.billByCounterparty[cp], b)
		}
		when := b.DueDate
		if b.ScheduledPaymentDate != nil {
			when = b.ScheduledPaymentDate
		}
		if when != nil {
			idx.billByWeek[idx.week(*when)] = append(idx.billByWeek[idx.week(*when)], b)
		}
	}
	return idx
}

func (idx *BlockingIndex) week(t time.Time) int {
	return int(StartOfISOWeek(t).Sub(idx.anchor).Hours() / (24 * 7))
}

// Candidates returns the deduplicated union of the transaction's
// invoice blocks: exact document-number hits, its amount bucket, its
// counterparty key, and due weeks within +-1 of the transaction week.
func (idx *BlockingIndex) Candidates(t *BankTransaction) []*Invoice {
	seen := make(map[InvoiceID]bool)
	var out []*Invoice
	add := func(invs []*Invoice) {
		for _, inv := range invs {
			if !seen[inv.ID] {
				seen[inv.ID] = true
				out = append(out, inv)
			}
		}
	}

	// Document numbers embedded in the reference.
	ref := Clean(t.Reference)
	for doc, invs := range idx.byDocNumber {
		if doc != "" && len(doc) >= 3 && containsToken(ref, doc) {
			add(invs)
		}
	}
	add(idx.byAmountBucket[Quantize(t.Amount.Value.Abs())])
	add(idx.byCounterparty[Clean(t.Counterparty)])
	w := idx.week(t.TransactionDate)
	for _, dw := range []int{w - 1, w, w + 1} {
		add(idx.byWeek[dw])
	}
	return out
}

// BillCandidates is the outflow-side mirror of Candidates.
func (idx *BlockingIndex) BillCandidates(t *BankTransaction) []*VendorBill {
	seen := make(map[BillID]bool)
	var out []*VendorBill
	add := func(bills []*VendorBill) {
		for _, b := range bills {
			if !seen[b.ID] {
				seen[b.ID] = true
				out = append(out, b)
			}
		}
	}

	ref := Clean(t.Reference)
	for doc, bills := range idx.billByDocNumber {
		if doc != "" && len(doc) >= 3 && containsToken(ref, doc) {
			add(bills)
		}
	}
	add(idx.billByAmountBucket[Quantize(t.Amount.Value.Abs())])
	add(idx.billByCounterparty[Clean(t.Counterparty)])
	w := idx.week(t.TransactionDate)
	for _, dw := range []int{w - 1, w, w + 1} {
		add(idx.billByWeek[dw])
	}
	return out
}

func containsToken(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
