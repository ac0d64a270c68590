package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/repository"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

// NewInvoiceInput is the payload for registering an invoice with the engine.
type NewInvoiceInput struct {
	VendorID      string          `json:"vendor_id"`
	InvoiceNumber string          `json:"invoice_number"`
	Currency      string          `json:"currency"`
	InvoiceDate   *string         `json:"invoice_date,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Lines         []NewLineInput  `json:"lines"`
}

// NewLineInput is one line of a new invoice.
type NewLineInput struct {
	Description string            `json:"description"`
	Qty         decimal.Decimal   `json:"qty"`
	UnitPrice   decimal.Decimal   `json:"unit_price"`
	Amount      decimal.Decimal   `json:"amount"`
	GLAccount   *string           `json:"gl_account,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// InvoiceService registers invoices and reads them back.
type InvoiceService struct {
	invoices InvoiceStore
	setups   SetupStore
	log      zerolog.Logger

	now   func() time.Time
	newID func() string
}

func NewInvoiceService(invoices InvoiceStore, setups SetupStore, log zerolog.Logger) *InvoiceService {
	return &InvoiceService{
		invoices: invoices,
		setups:   setups,
		log:      log,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Create registers a new draft invoice. The header total must equal the sum
// of line amounts; a line with a zero amount derives it from qty and unit
// price.
func (s *InvoiceService) Create(ctx context.Context, sess Session, in *NewInvoiceInput) (*repository.Invoice, error) {
	if in.Currency == "" {
		return nil, apperrors.InvalidInput("currency", "currency is required")
	}
	if len(in.Lines) == 0 {
		return nil, apperrors.InvalidInput("lines", "an invoice requires at least one line")
	}

	inv := &repository.Invoice{
		ID:            s.newID(),
		FirmID:        sess.FirmID,
		VendorID:      in.VendorID,
		InvoiceNumber: in.InvoiceNumber,
		Status:        approval.InvoiceStatusDraft,
		Currency:      in.Currency,
		InvoiceDate:   in.InvoiceDate,
		Total:         in.Total,
		CreatedBy:     &sess.UserID,
	}

	sum := decimal.Zero
	for i, line := range in.Lines {
		amount := line.Amount
		if amount.IsZero() {
			amount = line.Qty.Mul(line.UnitPrice)
		}
		sum = sum.Add(amount)
		inv.Lines = append(inv.Lines, &repository.InvoiceLine{
			ID:          s.newID(),
			InvoiceID:   inv.ID,
			LineIndex:   i,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
			Amount:      amount,
			GLAccount:   line.GLAccount,
			Dimensions:  line.Dimensions,
		})
	}
	if !sum.Equal(in.Total) {
		return nil, apperrors.InvalidInput("total",
			fmt.Sprintf("header total %s does not equal line sum %s", in.Total, sum))
	}

	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("firm_id", sess.FirmID).
		Str("invoice_id", inv.ID).
		Str("vendor_id", inv.VendorID).
		Msg("invoice registered")

	return inv, nil
}

// Get returns one invoice with its lines.
func (s *InvoiceService) Get(ctx context.Context, sess Session, invoiceID string) (*repository.Invoice, error) {
	return s.invoices.Get(ctx, sess.FirmID, invoiceID)
}

// UpsertUserSetup stores a user's approval setup, including the optional
// substitute delegation window.
func (s *InvoiceService) UpsertUserSetup(ctx context.Context, sess Session, setup *substitute.UserSetup) error {
	setup.FirmID = sess.FirmID
	if setup.UserID == "" {
		return apperrors.InvalidInput("user_id", "user_id is required")
	}
	if setup.SubstituteUserID != nil && *setup.SubstituteUserID == setup.UserID {
		return apperrors.InvalidInput("substitute_user_id", "a user cannot substitute for themselves")
	}
	return s.setups.Upsert(ctx, setup)
}

// GetUserSetup returns a user's approval setup, or NotFound when none exists.
func (s *InvoiceService) GetUserSetup(ctx context.Context, sess Session, userID string) (*substitute.UserSetup, error) {
	setup, err := s.setups.GetUserSetup(ctx, sess.FirmID, userID)
	if err != nil {
		return nil, err
	}
	if setup == nil {
		return nil, apperrors.NotFound("user_setup", userID)
	}
	return setup, nil
}
