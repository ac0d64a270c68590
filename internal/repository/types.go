package repository

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/ap-approvals/internal/canonical"
)

// Invoice is the stored invoice header with its lines.
type Invoice struct {
	ID            string
	FirmID        string
	VendorID      string
	InvoiceNumber string
	Status        string
	Currency      string
	InvoiceDate   *string // YYYY-MM-DD
	Total         decimal.Decimal
	CreatedBy     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Lines         []*InvoiceLine
}

// InvoiceLine is one stored invoice line with its current coding.
type InvoiceLine struct {
	ID          string
	InvoiceID   string
	LineIndex   int
	Description string
	Qty         decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
	GLAccount   *string
	Dimensions  map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Snapshot builds the canonical, evaluator-facing view of the invoice.
// Regenerated per rule-application call so line edits are always reflected.
func (inv *Invoice) Snapshot() *canonical.Invoice {
	snap := &canonical.Invoice{
		InvoiceID:   inv.ID,
		VendorID:    inv.VendorID,
		Status:      inv.Status,
		Currency:    inv.Currency,
		InvoiceDate: inv.InvoiceDate,
		Total:       inv.Total,
		Lines:       make([]canonical.Line, 0, len(inv.Lines)),
	}
	for _, l := range inv.Lines {
		line := canonical.Line{
			LineIndex:   l.LineIndex,
			Description: l.Description,
			Qty:         l.Qty,
			UnitPrice:   l.UnitPrice,
			Amount:      l.Amount,
		}
		if l.GLAccount != nil {
			line.GLAccount = *l.GLAccount
		}
		if len(l.Dimensions) > 0 {
			line.Dimensions = make(map[string]string, len(l.Dimensions))
			for k, v := range l.Dimensions {
				line.Dimensions[k] = v
			}
		}
		snap.Lines = append(snap.Lines, line)
	}
	return snap
}

// InvoiceApproval is one immutable audit record of an approval action.
// Append-only; never updated or deleted except via cascade invoice deletion.
type InvoiceApproval struct {
	ID              string
	FirmID          string
	InvoiceID       string
	PlanID          *string
	ScopeID         *string
	StepID          *string
	Action          string // submitted | approved | rejected | cancelled
	ActorID         string
	ResultingStatus string
	Comment         *string
	ActedAt         time.Time
	Metadata        map[string]interface{}
}

// PendingStep is an inbox row: an actionable step joined with its invoice.
type PendingStep struct {
	StepID        string
	ScopeID       string
	PlanID        string
	InvoiceID     string
	InvoiceNumber string
	VendorID      string
	ApproverID    string
	StepIndex     int
	ScopeType     string
	ScopeKey      string
	Amount        decimal.Decimal
	Currency      string
	CreatedAt     time.Time
}

// PolicyTier is one amount band of an approval policy. A nil UpTo bound is
// the unbounded top tier. Approvers is the ordered chain for the band.
type PolicyTier struct {
	UpTo      *decimal.Decimal `json:"up_to,omitempty"`
	Approvers []string         `json:"approvers"`
}

// Policy is a firm-scoped approval policy resolved by name. "none" carries no
// tiers and yields an instant auto-approval. SplitByDimension, when set,
// produces one scope per distinct value of that line dimension.
type Policy struct {
	ID               string
	FirmID           string
	Name             string
	SplitByDimension string
	Tiers            []PolicyTier
	IsDefault        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RuleApplication is the persisted record of one evaluator run.
type RuleApplication struct {
	ID          string
	FirmID      string
	InvoiceID   string
	RuleID      string
	RuleVersion int
	NeedsReview bool
	Result      []byte // evaluator result as JSON
	AppliedAt   time.Time
}
