// Package canonical defines the normalized invoice snapshot consumed by the
// rule evaluator. A snapshot is immutable once produced for an evaluation and
// is regenerated whenever line-level edits occur.
package canonical

import (
	"github.com/shopspring/decimal"
)

// Invoice is the rule-engine-facing view of an invoice. Field names are part
// of the external contract and must not change.
type Invoice struct {
	InvoiceID   string          `json:"invoice_id"`
	VendorID    string          `json:"vendor_id"`
	Status      string          `json:"status"`
	Currency    string          `json:"currency"`
	InvoiceDate *string         `json:"invoice_date"` // YYYY-MM-DD, nil when unknown
	Total       decimal.Decimal `json:"total"`
	Lines       []Line          `json:"lines"`
}

// Line is one normalized invoice line. GLAccount and Dimensions carry the
// line's current coding so the evaluator can detect missing mandatory codes
// and merge dimension updates key-wise.
type Line struct {
	LineIndex   int               `json:"line_index"`
	Description string            `json:"description"`
	Qty         decimal.Decimal   `json:"qty"`
	UnitPrice   decimal.Decimal   `json:"unit_price"`
	Amount      decimal.Decimal   `json:"amount"`
	GLAccount   string            `json:"gl_account,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// LineAt returns the line with the given index, or nil.
func (inv *Invoice) LineAt(index int) *Line {
	for i := range inv.Lines {
		if inv.Lines[i].LineIndex == index {
			return &inv.Lines[i]
		}
	}
	return nil
}

// SumLines returns the sum of all line amounts. Callers use it to sanity-check
// a snapshot against the stored invoice total.
func (inv *Invoice) SumLines() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range inv.Lines {
		sum = sum.Add(l.Amount)
	}
	return sum
}

// GroupAmountsBy sums line amounts per value of the given dimension key.
// Lines without the dimension fall under the empty key.
func (inv *Invoice) GroupAmountsBy(dimension string) map[string]decimal.Decimal {
	groups := make(map[string]decimal.Decimal)
	for _, l := range inv.Lines {
		key := l.Dimensions[dimension]
		groups[key] = groups[key].Add(l.Amount)
	}
	return groups
}
