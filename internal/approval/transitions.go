package approval

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
)

// ScopeSpec describes one scope to materialize: its amount and the ordered
// approver chain. An empty chain is only legal for the zero-step (policy
// "none") case.
type ScopeSpec struct {
	ScopeType string
	ScopeKey  string
	Amount    decimal.Decimal
	Currency  string
	Approvers []string
}

// Materialize builds a fresh plan with its scopes and steps. Scopes with an
// empty approver chain complete immediately; a plan whose scopes all complete
// on creation is itself completed (the instant auto-approval path). newID
// supplies stable entity ids so the function stays deterministic under test.
func Materialize(firmID, invoiceID, requesterID string, specs []ScopeSpec, now time.Time, newID func() string) (*Plan, error) {
	if len(specs) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "a plan requires at least one scope")
	}

	plan := &Plan{
		ID:          newID(),
		InvoiceID:   invoiceID,
		FirmID:      firmID,
		RequesterID: requesterID,
		Status:      PlanActive,
		CreatedAt:   now,
	}

	for _, spec := range specs {
		scope := &Scope{
			ID:        newID(),
			PlanID:    plan.ID,
			ScopeType: spec.ScopeType,
			ScopeKey:  spec.ScopeKey,
			Amount:    spec.Amount,
			Currency:  spec.Currency,
			Status:    ScopeActive,
		}
		for i, approver := range spec.Approvers {
			if approver == "" {
				return nil, apperrors.New(apperrors.ErrCodeValidation,
					fmt.Sprintf("scope %s: approver at step %d is empty", spec.ScopeKey, i))
			}
			scope.Steps = append(scope.Steps, &Step{
				ID:         newID(),
				ScopeID:    scope.ID,
				StepIndex:  i,
				ApproverID: approver,
				Status:     StepPending,
				CreatedAt:  now,
			})
		}
		if len(scope.Steps) == 0 {
			scope.Status = ScopeCompleted
		}
		plan.Scopes = append(plan.Scopes, scope)
	}

	if len(plan.ActiveScopes()) == 0 {
		plan.Status = PlanCompleted
		completed := now
		plan.CompletedAt = &completed
	}

	return plan, nil
}

// InvoiceStatus is the invoice status implied by the plan's current state.
func (p *Plan) InvoiceStatus() string {
	switch p.Status {
	case PlanCompleted:
		if p.CompletedWithRejection {
			return InvoiceStatusRejected
		}
		return InvoiceStatusApproved
	case PlanCancelled:
		return InvoiceStatusDraft
	default:
		return InvoiceStatusPendingApproval
	}
}

// Outcome echoes the entities mutated by an action.
type Outcome struct {
	Plan          *Plan
	Scope         *Scope
	Step          *Step
	InvoiceStatus string
	PlanComplete  bool
}

// Authorizer decides whether actor may act in place of the designated
// approver. The same predicate backs the inbox listing so what a user is
// shown never drifts from what they may act on.
type Authorizer func(designated, actor string) bool

// Act applies one approve/reject action to the plan.
//
// scopeID may be empty when exactly one scope is active; with several active
// scopes it is required. The actionable step is always the lowest-index
// pending step of the resolved scope. Rejection is fail-fast: the scope and
// plan terminate immediately and the remaining pending steps are left
// untouched but unreachable.
func (p *Plan) Act(scopeID string, actor string, action Action, comment *string, authorize Authorizer, now time.Time) (*Outcome, error) {
	if p.Status != PlanActive {
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("no actionable step: plan is %s", p.Status))
	}

	scope, err := p.resolveScope(scopeID)
	if err != nil {
		return nil, err
	}

	step := scope.ActionableStep()
	if step == nil {
		return nil, apperrors.New(apperrors.ErrCodeConflict, "no actionable step in scope")
	}

	if !authorize(step.ApproverID, actor) {
		return nil, apperrors.Forbidden()
	}

	acted := now
	step.ActedBy = &actor
	step.ActedAt = &acted
	step.Comment = comment

	switch action {
	case ActionApprove:
		step.Status = StepApproved
		if scope.pendingSteps() == 0 {
			scope.Status = ScopeCompleted
		}
	case ActionReject:
		step.Status = StepRejected
		scope.Status = ScopeRejected
	default:
		return nil, apperrors.InvalidInput("action", fmt.Sprintf("unknown action %q", action))
	}

	p.propagate(now)

	return &Outcome{
		Plan:          p,
		Scope:         scope,
		Step:          step,
		InvoiceStatus: p.InvoiceStatus(),
		PlanComplete:  p.Status != PlanActive,
	}, nil
}

// Cancel terminates an active plan administratively: the plan and its active
// scopes become cancelled and unacted steps are skipped.
func (p *Plan) Cancel(now time.Time) error {
	if p.Status != PlanActive {
		return apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("plan is not active (status: %s)", p.Status))
	}
	for _, s := range p.Scopes {
		if s.Status != ScopeActive {
			continue
		}
		s.Status = ScopeCancelled
		for _, st := range s.Steps {
			if st.Status == StepPending {
				st.Status = StepSkipped
			}
		}
	}
	p.Status = PlanCancelled
	completed := now
	p.CompletedAt = &completed
	return nil
}

// resolveScope picks the target scope: explicit id, or the sole active scope.
func (p *Plan) resolveScope(scopeID string) (*Scope, error) {
	if scopeID != "" {
		scope := p.ScopeByID(scopeID)
		if scope == nil {
			return nil, apperrors.NotFound("approval_scope", scopeID)
		}
		return scope, nil
	}

	active := p.ActiveScopes()
	switch len(active) {
	case 0:
		return nil, apperrors.New(apperrors.ErrCodeConflict, "no actionable step in scope")
	case 1:
		return active[0], nil
	default:
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			"multiple active scopes; scope id is required")
	}
}

// propagate derives plan status from aggregate scope state. A rejected scope
// completes the plan with rejection immediately; otherwise the plan completes
// once no scope remains active.
func (p *Plan) propagate(now time.Time) {
	if p.rejected() {
		p.Status = PlanCompleted
		p.CompletedWithRejection = true
		completed := now
		p.CompletedAt = &completed
		return
	}
	if len(p.ActiveScopes()) == 0 {
		p.Status = PlanCompleted
		completed := now
		p.CompletedAt = &completed
	}
}
