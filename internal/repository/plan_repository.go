package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/database"
)

// PlanRepository persists approval plan aggregates. A plan and its scopes and
// steps are always written together; the plan row is the unit of mutual
// exclusion for everything below it.
type PlanRepository struct {
	db *database.DB
}

// NewPlanRepository creates a new PlanRepository.
func NewPlanRepository(db *database.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Create persists a freshly materialized plan, transitions the invoice and
// appends the audit row, all in one transaction. Creation fails closed: a
// concurrent active plan, a missing invoice, or a non-submittable invoice
// status rolls everything back.
func (r *PlanRepository) Create(ctx context.Context, plan *approval.Plan, audit *InvoiceApproval) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// Lock the invoice row first so concurrent submits serialize here.
		var invoiceStatus string
		err := tx.QueryRow(ctx,
			`SELECT status FROM invoices WHERE id = $1 AND firm_id = $2 FOR UPDATE`,
			plan.InvoiceID, plan.FirmID,
		).Scan(&invoiceStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("invoice", plan.InvoiceID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to lock invoice")
		}
		if invoiceStatus != approval.InvoiceStatusDraft {
			return apperrors.New(apperrors.ErrCodeConflict,
				"invoice cannot be submitted for approval from status '"+invoiceStatus+"'")
		}

		var existing string
		err = tx.QueryRow(ctx,
			`SELECT id FROM approval_plans WHERE invoice_id = $1 AND status = 'active'`,
			plan.InvoiceID,
		).Scan(&existing)
		if err == nil {
			return apperrors.New(apperrors.ErrCodeConflict, "an active approval plan already exists for this invoice")
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check for active plan")
		}

		if err := insertPlan(ctx, tx, plan); err != nil {
			return err
		}
		if err := setInvoiceStatus(ctx, tx, plan.FirmID, plan.InvoiceID, plan.InvoiceStatus()); err != nil {
			return err
		}
		return appendApproval(ctx, tx, audit)
	})
}

// Mutate loads the invoice's most recent plan under an exclusive row lock,
// applies fn, then persists the mutated aggregate, the derived invoice status
// and the audit row fn returns, all in the same transaction. Any error from fn
// rolls the whole transaction back. NotFound only when no plan ever existed;
// acting on a terminal plan is the aggregate's conflict to raise.
func (r *PlanRepository) Mutate(ctx context.Context, firmID, invoiceID string, fn func(plan *approval.Plan) (*InvoiceApproval, error)) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		plan, err := loadPlan(ctx, tx, firmID, invoiceID, false, true)
		if err != nil {
			return err
		}
		if plan == nil {
			return apperrors.NotFound("approval_plan", invoiceID)
		}

		audit, err := fn(plan)
		if err != nil {
			return err
		}

		if err := savePlan(ctx, tx, plan); err != nil {
			return err
		}
		if err := setInvoiceStatus(ctx, tx, firmID, invoiceID, plan.InvoiceStatus()); err != nil {
			return err
		}
		return appendApproval(ctx, tx, audit)
	})
}

// GetActive returns the invoice's active plan with scopes and steps, or nil
// when none exists.
func (r *PlanRepository) GetActive(ctx context.Context, firmID, invoiceID string) (*approval.Plan, error) {
	var plan *approval.Plan
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		plan, err = loadPlan(ctx, tx, firmID, invoiceID, true, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// ListActionable returns the actionable inbox rows for a set of designated
// approvers: pending steps at the lowest pending index of their scope, within
// active scopes of active plans.
func (r *PlanRepository) ListActionable(ctx context.Context, firmID string, approverIDs []string) ([]*PendingStep, error) {
	if len(approverIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT st.id, st.scope_id, sc.plan_id, p.invoice_id, i.invoice_number, i.vendor_id,
		       st.approver_id, st.step_index, sc.scope_type, sc.scope_key,
		       sc.amount, sc.currency, st.created_at
		FROM approval_steps st
		JOIN approval_scopes sc ON sc.id = st.scope_id
		JOIN approval_plans p   ON p.id = sc.plan_id
		JOIN invoices i         ON i.id = p.invoice_id
		WHERE p.firm_id = $1
		  AND p.status = 'active'
		  AND sc.status = 'active'
		  AND st.status = 'pending'
		  AND st.approver_id = ANY($2)
		  AND st.step_index = (
		      SELECT MIN(s2.step_index) FROM approval_steps s2
		      WHERE s2.scope_id = st.scope_id AND s2.status = 'pending'
		  )
		ORDER BY st.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, firmID, approverIDs)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list actionable steps")
	}
	defer rows.Close()

	var steps []*PendingStep
	for rows.Next() {
		s := &PendingStep{}
		err := rows.Scan(
			&s.StepID, &s.ScopeID, &s.PlanID, &s.InvoiceID, &s.InvoiceNumber, &s.VendorID,
			&s.ApproverID, &s.StepIndex, &s.ScopeType, &s.ScopeKey,
			&s.Amount, &s.Currency, &s.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan actionable step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ── aggregate load/save helpers ───────────────────────────────────────────────

func loadPlan(ctx context.Context, tx pgx.Tx, firmID, invoiceID string, onlyActive, forUpdate bool) (*approval.Plan, error) {
	query := `
		SELECT id, invoice_id, firm_id, requester_id, status,
		       completed_with_rejection, created_at, completed_at
		FROM approval_plans
		WHERE firm_id = $1 AND invoice_id = $2
	`
	if onlyActive {
		query += " AND status = 'active'"
	}
	query += " ORDER BY created_at DESC LIMIT 1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	plan := &approval.Plan{}
	err := tx.QueryRow(ctx, query, firmID, invoiceID).Scan(
		&plan.ID, &plan.InvoiceID, &plan.FirmID, &plan.RequesterID, &plan.Status,
		&plan.CompletedWithRejection, &plan.CreatedAt, &plan.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load approval plan")
	}

	scopeRows, err := tx.Query(ctx, `
		SELECT id, plan_id, scope_type, scope_key, amount, currency, status
		FROM approval_scopes
		WHERE plan_id = $1
		ORDER BY scope_key ASC, id ASC
	`, plan.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load approval scopes")
	}
	defer scopeRows.Close()

	scopesByID := make(map[string]*approval.Scope)
	for scopeRows.Next() {
		s := &approval.Scope{}
		err := scopeRows.Scan(&s.ID, &s.PlanID, &s.ScopeType, &s.ScopeKey, &s.Amount, &s.Currency, &s.Status)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval scope")
		}
		plan.Scopes = append(plan.Scopes, s)
		scopesByID[s.ID] = s
	}
	if err := scopeRows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to read approval scopes")
	}

	stepRows, err := tx.Query(ctx, `
		SELECT st.id, st.scope_id, st.step_index, st.approver_id, st.status,
		       st.acted_by, st.acted_at, st.comment, st.created_at
		FROM approval_steps st
		JOIN approval_scopes sc ON sc.id = st.scope_id
		WHERE sc.plan_id = $1
		ORDER BY st.scope_id, st.step_index ASC
	`, plan.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load approval steps")
	}
	defer stepRows.Close()

	for stepRows.Next() {
		st := &approval.Step{}
		err := stepRows.Scan(&st.ID, &st.ScopeID, &st.StepIndex, &st.ApproverID, &st.Status,
			&st.ActedBy, &st.ActedAt, &st.Comment, &st.CreatedAt)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval step")
		}
		if scope, ok := scopesByID[st.ScopeID]; ok {
			scope.Steps = append(scope.Steps, st)
		}
	}
	if err := stepRows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to read approval steps")
	}

	return plan, nil
}

func insertPlan(ctx context.Context, tx pgx.Tx, plan *approval.Plan) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO approval_plans
		    (id, invoice_id, firm_id, requester_id, status,
		     completed_with_rejection, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, plan.ID, plan.InvoiceID, plan.FirmID, plan.RequesterID, plan.Status,
		plan.CompletedWithRejection, plan.CreatedAt, plan.CompletedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval plan")
	}

	for _, scope := range plan.Scopes {
		_, err := tx.Exec(ctx, `
			INSERT INTO approval_scopes
			    (id, plan_id, scope_type, scope_key, amount, currency, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, scope.ID, scope.PlanID, scope.ScopeType, scope.ScopeKey, scope.Amount, scope.Currency, scope.Status)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval scope")
		}

		for _, step := range scope.Steps {
			_, err := tx.Exec(ctx, `
				INSERT INTO approval_steps
				    (id, scope_id, step_index, approver_id, status,
				     acted_by, acted_at, comment, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, step.ID, step.ScopeID, step.StepIndex, step.ApproverID, step.Status,
				step.ActedBy, step.ActedAt, step.Comment, step.CreatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval step")
			}
		}
	}
	return nil
}

func savePlan(ctx context.Context, tx pgx.Tx, plan *approval.Plan) error {
	_, err := tx.Exec(ctx, `
		UPDATE approval_plans
		SET status = $2, completed_with_rejection = $3, completed_at = $4
		WHERE id = $1
	`, plan.ID, plan.Status, plan.CompletedWithRejection, plan.CompletedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval plan")
	}

	for _, scope := range plan.Scopes {
		_, err := tx.Exec(ctx, `
			UPDATE approval_scopes SET status = $2 WHERE id = $1
		`, scope.ID, scope.Status)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval scope")
		}

		for _, step := range scope.Steps {
			_, err := tx.Exec(ctx, `
				UPDATE approval_steps
				SET status = $2, acted_by = $3, acted_at = $4, comment = $5
				WHERE id = $1
			`, step.ID, step.Status, step.ActedBy, step.ActedAt, step.Comment)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval step")
			}
		}
	}
	return nil
}

func setInvoiceStatus(ctx context.Context, tx pgx.Tx, firmID, invoiceID, status string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE invoices
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND firm_id = $2
	`, invoiceID, firmID, status)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update invoice status")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("invoice", invoiceID)
	}
	return nil
}

func appendApproval(ctx context.Context, tx pgx.Tx, entry *InvoiceApproval) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO invoice_approvals
		    (id, firm_id, invoice_id, plan_id, scope_id, step_id,
		     action, actor_id, resulting_status, comment, acted_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, entry.FirmID, entry.InvoiceID, entry.PlanID, entry.ScopeID, entry.StepID,
		entry.Action, entry.ActorID, entry.ResultingStatus, entry.Comment, entry.ActedAt, metadata)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append approval record")
	}
	return nil
}
