package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/repository"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

// Response views. The aggregate and stored types stay wire-agnostic; JSON
// shapes live here.

type invoiceView struct {
	ID            string            `json:"id"`
	VendorID      string            `json:"vendor_id"`
	InvoiceNumber string            `json:"invoice_number"`
	Status        string            `json:"status"`
	Currency      string            `json:"currency"`
	InvoiceDate   *string           `json:"invoice_date,omitempty"`
	Total         decimal.Decimal   `json:"total"`
	CreatedAt     time.Time         `json:"created_at"`
	Lines         []invoiceLineView `json:"lines"`
}

type invoiceLineView struct {
	LineIndex   int               `json:"line_index"`
	Description string            `json:"description"`
	Qty         decimal.Decimal   `json:"qty"`
	UnitPrice   decimal.Decimal   `json:"unit_price"`
	Amount      decimal.Decimal   `json:"amount"`
	GLAccount   *string           `json:"gl_account,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

func invoiceResponse(inv *repository.Invoice) *invoiceView {
	view := &invoiceView{
		ID:            inv.ID,
		VendorID:      inv.VendorID,
		InvoiceNumber: inv.InvoiceNumber,
		Status:        inv.Status,
		Currency:      inv.Currency,
		InvoiceDate:   inv.InvoiceDate,
		Total:         inv.Total,
		CreatedAt:     inv.CreatedAt,
		Lines:         make([]invoiceLineView, 0, len(inv.Lines)),
	}
	for _, l := range inv.Lines {
		view.Lines = append(view.Lines, invoiceLineView{
			LineIndex:   l.LineIndex,
			Description: l.Description,
			Qty:         l.Qty,
			UnitPrice:   l.UnitPrice,
			Amount:      l.Amount,
			GLAccount:   l.GLAccount,
			Dimensions:  l.Dimensions,
		})
	}
	return view
}

type planView struct {
	ID            string      `json:"id"`
	InvoiceID     string      `json:"invoice_id"`
	RequesterID   string      `json:"requester_id"`
	Status        string      `json:"status"`
	InvoiceStatus string      `json:"invoice_status"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	Scopes        []scopeView `json:"scopes"`
}

type scopeView struct {
	ID        string          `json:"id"`
	ScopeType string          `json:"scope_type"`
	ScopeKey  string          `json:"scope_key"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Steps     []stepView      `json:"steps"`
}

type stepView struct {
	ID         string     `json:"id"`
	StepIndex  int        `json:"step_index"`
	ApproverID string     `json:"approver_id"`
	Status     string     `json:"status"`
	ActedBy    *string    `json:"acted_by,omitempty"`
	ActedAt    *time.Time `json:"acted_at,omitempty"`
	Comment    *string    `json:"comment,omitempty"`
}

func planResponse(plan *approval.Plan) *planView {
	view := &planView{
		ID:            plan.ID,
		InvoiceID:     plan.InvoiceID,
		RequesterID:   plan.RequesterID,
		Status:        string(plan.Status),
		InvoiceStatus: plan.InvoiceStatus(),
		CreatedAt:     plan.CreatedAt,
		CompletedAt:   plan.CompletedAt,
		Scopes:        make([]scopeView, 0, len(plan.Scopes)),
	}
	for _, scope := range plan.Scopes {
		sv := scopeView{
			ID:        scope.ID,
			ScopeType: scope.ScopeType,
			ScopeKey:  scope.ScopeKey,
			Amount:    scope.Amount,
			Currency:  scope.Currency,
			Status:    string(scope.Status),
			Steps:     make([]stepView, 0, len(scope.Steps)),
		}
		for _, step := range scope.Steps {
			sv.Steps = append(sv.Steps, stepView{
				ID:         step.ID,
				StepIndex:  step.StepIndex,
				ApproverID: step.ApproverID,
				Status:     string(step.Status),
				ActedBy:    step.ActedBy,
				ActedAt:    step.ActedAt,
				Comment:    step.Comment,
			})
		}
		view.Scopes = append(view.Scopes, sv)
	}
	return view
}

type approvalRecord struct {
	ID              string                 `json:"id"`
	PlanID          *string                `json:"plan_id,omitempty"`
	ScopeID         *string                `json:"scope_id,omitempty"`
	StepID          *string                `json:"step_id,omitempty"`
	Action          string                 `json:"action"`
	ActorID         string                 `json:"actor_id"`
	ResultingStatus string                 `json:"resulting_status"`
	Comment         *string                `json:"comment,omitempty"`
	ActedAt         time.Time              `json:"acted_at"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

func approvalRecordResponse(rec *repository.InvoiceApproval) *approvalRecord {
	return &approvalRecord{
		ID:              rec.ID,
		PlanID:          rec.PlanID,
		ScopeID:         rec.ScopeID,
		StepID:          rec.StepID,
		Action:          rec.Action,
		ActorID:         rec.ActorID,
		ResultingStatus: rec.ResultingStatus,
		Comment:         rec.Comment,
		ActedAt:         rec.ActedAt,
		Metadata:        rec.Metadata,
	}
}

type outcomeView struct {
	PlanID        string          `json:"plan_id"`
	ScopeID       string          `json:"scope_id"`
	StepID        string          `json:"step_id"`
	PlanStatus    string          `json:"plan_status"`
	ScopeStatus   string          `json:"scope_status"`
	StepStatus    string          `json:"step_status"`
	InvoiceStatus string          `json:"invoice_status"`
	PlanComplete  bool            `json:"plan_complete"`
	Approval      *approvalRecord `json:"approval"`
}

func outcomeResponse(out *approval.Outcome, rec *repository.InvoiceApproval) *outcomeView {
	return &outcomeView{
		PlanID:        out.Plan.ID,
		ScopeID:       out.Scope.ID,
		StepID:        out.Step.ID,
		PlanStatus:    string(out.Plan.Status),
		ScopeStatus:   string(out.Scope.Status),
		StepStatus:    string(out.Step.Status),
		InvoiceStatus: out.InvoiceStatus,
		PlanComplete:  out.PlanComplete,
		Approval:      approvalRecordResponse(rec),
	}
}

type inboxItem struct {
	StepID        string          `json:"step_id"`
	ScopeID       string          `json:"scope_id"`
	PlanID        string          `json:"plan_id"`
	InvoiceID     string          `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number"`
	VendorID      string          `json:"vendor_id"`
	ApproverID    string          `json:"approver_id"`
	StepIndex     int             `json:"step_index"`
	ScopeType     string          `json:"scope_type"`
	ScopeKey      string          `json:"scope_key"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"created_at"`
}

type policyView struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	SplitByDimension string                  `json:"split_by_dimension,omitempty"`
	Tiers            []repository.PolicyTier `json:"tiers"`
	IsDefault        bool                    `json:"is_default"`
}

func policyResponse(p *repository.Policy) *policyView {
	return &policyView{
		ID:               p.ID,
		Name:             p.Name,
		SplitByDimension: p.SplitByDimension,
		Tiers:            p.Tiers,
		IsDefault:        p.IsDefault,
	}
}

type userSetupRequest struct {
	Active           bool       `json:"active"`
	SubstituteUserID *string    `json:"substitute_user_id,omitempty"`
	SubstituteFrom   *time.Time `json:"substitute_from,omitempty"`
	SubstituteTo     *time.Time `json:"substitute_to,omitempty"`
}

type userSetupView struct {
	UserID           string     `json:"user_id"`
	Active           bool       `json:"active"`
	SubstituteUserID *string    `json:"substitute_user_id,omitempty"`
	SubstituteFrom   *time.Time `json:"substitute_from,omitempty"`
	SubstituteTo     *time.Time `json:"substitute_to,omitempty"`
}

func userSetupResponse(setup *substitute.UserSetup) *userSetupView {
	return &userSetupView{
		UserID:           setup.UserID,
		Active:           setup.Active,
		SubstituteUserID: setup.SubstituteUserID,
		SubstituteFrom:   setup.SubstituteFrom,
		SubstituteTo:     setup.SubstituteTo,
	}
}

func inboxItemResponse(step *repository.PendingStep) *inboxItem {
	return &inboxItem{
		StepID:        step.StepID,
		ScopeID:       step.ScopeID,
		PlanID:        step.PlanID,
		InvoiceID:     step.InvoiceID,
		InvoiceNumber: step.InvoiceNumber,
		VendorID:      step.VendorID,
		ApproverID:    step.ApproverID,
		StepIndex:     step.StepIndex,
		ScopeType:     step.ScopeType,
		ScopeKey:      step.ScopeKey,
		Amount:        step.Amount,
		Currency:      step.Currency,
		CreatedAt:     step.CreatedAt,
	}
}
