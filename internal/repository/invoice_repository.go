package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/database"
	"github.com/ledgerflow/ap-approvals/internal/rules"
)

// InvoiceRepository handles invoice persistence. Approval-driven status
// transitions run inside plan transactions (see PlanRepository); this
// repository covers creation, reads and rule-driven coding updates.
type InvoiceRepository struct {
	db *database.DB
}

// NewInvoiceRepository creates a new InvoiceRepository.
func NewInvoiceRepository(db *database.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create inserts an invoice with its lines in one transaction.
func (r *InvoiceRepository) Create(ctx context.Context, invoice *Invoice) error {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO invoices
			    (id, firm_id, vendor_id, invoice_number, status, currency,
			     invoice_date, total, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at, updated_at
		`, invoice.ID, invoice.FirmID, invoice.VendorID, invoice.InvoiceNumber,
			invoice.Status, invoice.Currency, invoice.InvoiceDate, invoice.Total, invoice.CreatedBy,
		).Scan(&invoice.CreatedAt, &invoice.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create invoice")
		}

		for _, line := range invoice.Lines {
			if line.ID == "" {
				line.ID = uuid.NewString()
			}
			line.InvoiceID = invoice.ID

			dimensions, err := marshalDimensions(line.Dimensions)
			if err != nil {
				return err
			}
			err = tx.QueryRow(ctx, `
				INSERT INTO invoice_lines
				    (id, invoice_id, line_index, description, qty, unit_price,
				     amount, gl_account, dimensions)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING created_at, updated_at
			`, line.ID, line.InvoiceID, line.LineIndex, line.Description, line.Qty,
				line.UnitPrice, line.Amount, line.GLAccount, dimensions,
			).Scan(&line.CreatedAt, &line.UpdatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create invoice line")
			}
		}
		return nil
	})
}

// Get returns an invoice with its lines.
func (r *InvoiceRepository) Get(ctx context.Context, firmID, invoiceID string) (*Invoice, error) {
	invoice := &Invoice{}
	err := r.db.QueryRow(ctx, `
		SELECT id, firm_id, vendor_id, invoice_number, status, currency,
		       invoice_date, total, created_by, created_at, updated_at
		FROM invoices
		WHERE id = $1 AND firm_id = $2
	`, invoiceID, firmID).Scan(
		&invoice.ID, &invoice.FirmID, &invoice.VendorID, &invoice.InvoiceNumber,
		&invoice.Status, &invoice.Currency, &invoice.InvoiceDate, &invoice.Total,
		&invoice.CreatedBy, &invoice.CreatedAt, &invoice.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("invoice", invoiceID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get invoice")
	}

	lines, err := r.getLines(ctx, invoice.ID)
	if err != nil {
		return nil, err
	}
	invoice.Lines = lines
	return invoice, nil
}

func (r *InvoiceRepository) getLines(ctx context.Context, invoiceID string) ([]*InvoiceLine, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, invoice_id, line_index, description, qty, unit_price,
		       amount, gl_account, dimensions, created_at, updated_at
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_index ASC
	`, invoiceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get invoice lines")
	}
	defer rows.Close()

	lines := make([]*InvoiceLine, 0)
	for rows.Next() {
		line := &InvoiceLine{}
		var dimensions []byte
		err := rows.Scan(
			&line.ID, &line.InvoiceID, &line.LineIndex, &line.Description, &line.Qty,
			&line.UnitPrice, &line.Amount, &line.GLAccount, &dimensions,
			&line.CreatedAt, &line.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan invoice line")
		}
		if dimensions != nil {
			if err := json.Unmarshal(dimensions, &line.Dimensions); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal line dimensions")
			}
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ApplyCoding persists evaluator line updates, records the rule application
// and settles the invoice in draft or needs_review, all in one transaction.
// GL overrides replace; dimension updates merge key-wise into the existing
// dimension map.
func (r *InvoiceRepository) ApplyCoding(ctx context.Context, firmID, invoiceID string, updates []rules.LineUpdate, app *RuleApplication, markNeedsReview bool) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// Coding must not change once the invoice is in approval.
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM invoices WHERE id = $1 AND firm_id = $2 FOR UPDATE`,
			invoiceID, firmID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("invoice", invoiceID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to lock invoice")
		}
		if status != approval.InvoiceStatusDraft && status != InvoiceStatusNeedsReview {
			return apperrors.New(apperrors.ErrCodeConflict,
				"cannot change coding while approval is pending or complete")
		}

		for _, upd := range updates {
			dimensions, err := marshalDimensions(upd.SetDimensions)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
				UPDATE invoice_lines
				SET gl_account = COALESCE($3, gl_account),
				    dimensions = COALESCE(dimensions, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb),
				    updated_at = NOW()
				WHERE invoice_id = $1 AND line_index = $2
			`, invoiceID, upd.LineIndex, upd.SetGL, dimensions)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update line coding")
			}
			if tag.RowsAffected() == 0 {
				return apperrors.NotFound("invoice_line", invoiceID)
			}
		}

		if app.ID == "" {
			app.ID = uuid.NewString()
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO rule_applications
			    (id, firm_id, invoice_id, rule_id, rule_version, needs_review, result)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING applied_at
		`, app.ID, app.FirmID, app.InvoiceID, app.RuleID, app.RuleVersion, app.NeedsReview, app.Result,
		).Scan(&app.AppliedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to record rule application")
		}

		newStatus := approval.InvoiceStatusDraft
		if markNeedsReview {
			newStatus = InvoiceStatusNeedsReview
		}
		if newStatus != status {
			_, err = tx.Exec(ctx, `
				UPDATE invoices SET status = $3, updated_at = NOW()
				WHERE id = $1 AND firm_id = $2
			`, invoiceID, firmID, newStatus)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update invoice status")
			}
		}
		return nil
	})
}

// InvoiceStatusNeedsReview parks an invoice for human review after a rule
// run surfaced an unmatched vendor, missing codes or rule conflicts.
const InvoiceStatusNeedsReview = "needs_review"

func marshalDimensions(dimensions map[string]string) ([]byte, error) {
	if dimensions == nil {
		return nil, nil
	}
	data, err := json.Marshal(dimensions)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal dimensions")
	}
	return data, nil
}
