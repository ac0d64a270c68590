package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/repository"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

// Event types published on the approvals subject hierarchy.
const (
	EventPlanCreated     = "plan_created"
	EventStepApproved    = "step_approved"
	EventStepRejected    = "step_rejected"
	EventPlanCancelled   = "plan_cancelled"
	EventInvoiceApproved = "invoice_approved"
	EventInvoiceRejected = "invoice_rejected"
)

// Audit trail action names.
const (
	auditSubmitted = "submitted"
	auditApproved  = "approved"
	auditRejected  = "rejected"
	auditCancelled = "cancelled"
)

// PlanService orchestrates the approval plan lifecycle: creation from a
// resolved policy, approver actions, cancellation and the approver inbox.
type PlanService struct {
	plans    PlanStore
	invoices InvoiceStore
	rules    RuleStore
	policies PolicyStore
	audits   AuditStore
	subs     *substitute.Resolver
	notifier Notifier
	erp      ERPPoster
	log      zerolog.Logger

	now   func() time.Time
	newID func() string
}

func NewPlanService(
	plans PlanStore,
	invoices InvoiceStore,
	ruleStore RuleStore,
	policies PolicyStore,
	audits AuditStore,
	subs *substitute.Resolver,
	notifier Notifier,
	erp ERPPoster,
	log zerolog.Logger,
) *PlanService {
	return &PlanService{
		plans:    plans,
		invoices: invoices,
		rules:    ruleStore,
		policies: policies,
		audits:   audits,
		subs:     subs,
		notifier: notifier,
		erp:      erp,
		log:      log,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// EnsureActivePlan submits an invoice for approval. It resolves the approval
// policy (vendor rule recommendation first, then the firm default), builds
// one scope per policy split, materializes the plan and persists it
// atomically. A policy of "none" auto-approves the invoice in the same call.
func (s *PlanService) EnsureActivePlan(ctx context.Context, sess Session, invoiceID string) (*approval.Plan, error) {
	inv, err := s.invoices.Get(ctx, sess.FirmID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != approval.InvoiceStatusDraft {
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("invoice is %s, only draft invoices can be submitted for approval", inv.Status))
	}

	policy, err := s.resolvePolicy(ctx, sess.FirmID, inv)
	if err != nil {
		return nil, err
	}

	specs, err := s.buildScopeSpecs(inv, policy)
	if err != nil {
		return nil, err
	}

	now := s.now()
	plan, err := approval.Materialize(sess.FirmID, invoiceID, sess.UserID, specs, now, s.newID)
	if err != nil {
		return nil, err
	}

	audit := &repository.InvoiceApproval{
		FirmID:          sess.FirmID,
		InvoiceID:       invoiceID,
		PlanID:          &plan.ID,
		Action:          auditSubmitted,
		ActorID:         sess.UserID,
		ResultingStatus: plan.InvoiceStatus(),
		ActedAt:         now,
		Metadata:        map[string]interface{}{"policy": policy.Name},
	}
	if err := s.plans.Create(ctx, plan, audit); err != nil {
		return nil, err
	}

	s.notifier.PublishApprovalEvent(ctx, EventPlanCreated, sess.FirmID, invoiceID, sess.UserID,
		firstApprovers(plan), map[string]interface{}{"plan_id": plan.ID, "policy": policy.Name})

	if plan.Status == approval.PlanCompleted && !plan.CompletedWithRejection {
		s.notifier.PublishApprovalEvent(ctx, EventInvoiceApproved, sess.FirmID, invoiceID, sess.UserID,
			nil, map[string]interface{}{"plan_id": plan.ID, "auto": true})
		s.postToERP(ctx, sess.FirmID, invoiceID)
	}

	return plan, nil
}

// Act records an approver decision on the invoice's current plan. The scopeID
// is optional when exactly one scope is active. The actor may be the
// designated approver or an in-window substitute for them.
func (s *PlanService) Act(ctx context.Context, sess Session, invoiceID, scopeID string, action approval.Action, comment string) (*approval.Outcome, *repository.InvoiceApproval, error) {
	var commentPtr *string
	if comment != "" {
		commentPtr = &comment
	}

	var (
		outcome *approval.Outcome
		record  *repository.InvoiceApproval
		authErr error
	)
	err := s.plans.Mutate(ctx, sess.FirmID, invoiceID, func(plan *approval.Plan) (*repository.InvoiceApproval, error) {
		authorize := func(designated, actor string) bool {
			ok, err := s.subs.IsActingOn(ctx, sess.FirmID, actor, designated, s.now())
			if err != nil {
				authErr = err
				return false
			}
			return ok
		}

		out, err := plan.Act(scopeID, sess.UserID, action, commentPtr, authorize, s.now())
		if err != nil {
			if authErr != nil {
				return nil, authErr
			}
			return nil, err
		}
		outcome = out

		record = &repository.InvoiceApproval{
			FirmID:          sess.FirmID,
			InvoiceID:       invoiceID,
			PlanID:          &plan.ID,
			ScopeID:         &out.Scope.ID,
			StepID:          &out.Step.ID,
			Action:          auditAction(action),
			ActorID:         sess.UserID,
			ResultingStatus: out.InvoiceStatus,
			Comment:         commentPtr,
			ActedAt:         s.now(),
		}
		return record, nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.publishOutcome(ctx, sess, invoiceID, outcome)
	return outcome, record, nil
}

// Cancel withdraws the invoice's active plan and returns the invoice to
// draft. Only the original requester may cancel.
func (s *PlanService) Cancel(ctx context.Context, sess Session, invoiceID string) error {
	var planID string
	err := s.plans.Mutate(ctx, sess.FirmID, invoiceID, func(plan *approval.Plan) (*repository.InvoiceApproval, error) {
		if plan.RequesterID != sess.UserID {
			return nil, apperrors.Forbidden()
		}
		if err := plan.Cancel(s.now()); err != nil {
			return nil, err
		}
		planID = plan.ID
		return &repository.InvoiceApproval{
			FirmID:          sess.FirmID,
			InvoiceID:       invoiceID,
			PlanID:          &plan.ID,
			Action:          auditCancelled,
			ActorID:         sess.UserID,
			ResultingStatus: plan.InvoiceStatus(),
			ActedAt:         s.now(),
		}, nil
	})
	if err != nil {
		return err
	}

	s.notifier.PublishApprovalEvent(ctx, EventPlanCancelled, sess.FirmID, invoiceID, sess.UserID,
		nil, map[string]interface{}{"plan_id": planID})
	return nil
}

// GetPlan returns the invoice's active plan.
func (s *PlanService) GetPlan(ctx context.Context, sess Session, invoiceID string) (*approval.Plan, error) {
	plan, err := s.plans.GetActive(ctx, sess.FirmID, invoiceID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, apperrors.NotFound("approval_plan", invoiceID)
	}
	return plan, nil
}

// ListPolicies returns the firm's approval policies.
func (s *PlanService) ListPolicies(ctx context.Context, sess Session) ([]*repository.Policy, error) {
	return s.policies.List(ctx, sess.FirmID)
}

// Inbox lists the steps currently actionable by the user, including steps
// designated to principals the user substitutes for right now. Inbox
// membership and action authorization use the same resolution, so an item
// shown is an item the user can act on.
func (s *PlanService) Inbox(ctx context.Context, sess Session) ([]*repository.PendingStep, error) {
	principals, err := s.subs.ListSubstituteFor(ctx, sess.FirmID, sess.UserID, s.now())
	if err != nil {
		return nil, err
	}
	owners := append([]string{sess.UserID}, principals...)
	return s.plans.ListActionable(ctx, sess.FirmID, owners)
}

// History returns the invoice's full approval trail, oldest first.
func (s *PlanService) History(ctx context.Context, sess Session, invoiceID string) ([]*repository.InvoiceApproval, error) {
	if _, err := s.invoices.Get(ctx, sess.FirmID, invoiceID); err != nil {
		return nil, err
	}
	return s.audits.ListByInvoice(ctx, sess.FirmID, invoiceID)
}

// resolvePolicy picks the approval policy for an invoice. The active vendor
// rule definition's recommendation wins; otherwise the firm default applies.
// No resolvable policy is a configuration error, and submission fails closed.
func (s *PlanService) resolvePolicy(ctx context.Context, firmID string, inv *repository.Invoice) (*repository.Policy, error) {
	if inv.VendorID != "" {
		def, err := s.rules.GetActiveDefinition(ctx, firmID, inv.VendorID)
		if err != nil && !apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			return nil, err
		}
		if def != nil && def.ApprovalPolicy != "" {
			policy, err := s.policies.GetByName(ctx, firmID, def.ApprovalPolicy)
			if err != nil {
				return nil, err
			}
			return policy, nil
		}
	}

	policy, err := s.policies.GetDefault(ctx, firmID)
	if err != nil {
		return nil, err
	}
	if policy != nil {
		return policy, nil
	}

	// Firms without an explicit default fall back to the "manager" policy.
	policy, err = s.policies.GetByName(ctx, firmID, "manager")
	if err != nil && !apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
		return nil, err
	}
	if policy == nil {
		return nil, apperrors.New(apperrors.ErrCodeConflict, "no approval policy configured for this firm")
	}
	return policy, nil
}

// buildScopeSpecs expands a policy into the scopes a plan will carry. A
// "none" policy yields a single scope with an empty chain, which Materialize
// auto-approves. With SplitByDimension set, one scope is built per distinct
// dimension value and each scope's chain is sized to its own amount.
func (s *PlanService) buildScopeSpecs(inv *repository.Invoice, policy *repository.Policy) ([]approval.ScopeSpec, error) {
	snapshot := inv.Snapshot()

	if policy.SplitByDimension != "" {
		groups := snapshot.GroupAmountsBy(policy.SplitByDimension)
		// Lines missing the dimension group under the empty key; they would
		// otherwise escape approval coverage, so submission fails instead.
		if _, ok := groups[""]; ok {
			return nil, apperrors.New(apperrors.ErrCodeValidation,
				fmt.Sprintf("policy splits by dimension %q but not every invoice line carries it", policy.SplitByDimension))
		}
		keys := make([]string, 0, len(groups))
		for key := range groups {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		specs := make([]approval.ScopeSpec, 0, len(keys))
		for _, key := range keys {
			specs = append(specs, approval.ScopeSpec{
				ScopeType: approval.ScopeTypeDimension,
				ScopeKey:  key,
				Amount:    groups[key],
				Currency:  inv.Currency,
				Approvers: tierFor(policy, groups[key]),
			})
		}
		return specs, nil
	}

	return []approval.ScopeSpec{{
		ScopeType: approval.ScopeTypeInvoiceTotal,
		ScopeKey:  "total",
		Amount:    inv.Total,
		Currency:  inv.Currency,
		Approvers: tierFor(policy, inv.Total),
	}}, nil
}

// tierFor selects the approver chain for an amount: the first tier whose
// UpTo bound is not exceeded, with a nil bound acting as the unbounded
// catch-all. A "none" policy has no tiers and yields an empty chain.
func tierFor(policy *repository.Policy, amount decimal.Decimal) []string {
	for _, tier := range policy.Tiers {
		if tier.UpTo == nil || amount.LessThanOrEqual(*tier.UpTo) {
			return tier.Approvers
		}
	}
	return nil
}

func auditAction(action approval.Action) string {
	if action == approval.ActionReject {
		return auditRejected
	}
	return auditApproved
}

func (s *PlanService) publishOutcome(ctx context.Context, sess Session, invoiceID string, out *approval.Outcome) {
	payload := map[string]interface{}{
		"plan_id":  out.Plan.ID,
		"scope_id": out.Scope.ID,
		"step_id":  out.Step.ID,
	}

	switch out.Step.Status {
	case approval.StepApproved:
		s.notifier.PublishApprovalEvent(ctx, EventStepApproved, sess.FirmID, invoiceID, sess.UserID,
			nextApprovers(out.Scope), payload)
	case approval.StepRejected:
		s.notifier.PublishApprovalEvent(ctx, EventStepRejected, sess.FirmID, invoiceID, sess.UserID,
			[]string{out.Plan.RequesterID}, payload)
	}

	if out.PlanComplete {
		if out.Plan.CompletedWithRejection {
			s.notifier.PublishApprovalEvent(ctx, EventInvoiceRejected, sess.FirmID, invoiceID, sess.UserID,
				[]string{out.Plan.RequesterID}, payload)
			return
		}
		s.notifier.PublishApprovalEvent(ctx, EventInvoiceApproved, sess.FirmID, invoiceID, sess.UserID,
			[]string{out.Plan.RequesterID}, payload)
		s.postToERP(ctx, sess.FirmID, invoiceID)
	}
}

// postToERP triggers posting after final approval. Posting is downstream of
// the committed transaction: a failure here is logged for retry by the
// posting pipeline, never surfaced to the approver.
func (s *PlanService) postToERP(ctx context.Context, firmID, invoiceID string) {
	if err := s.erp.PostApproved(ctx, firmID, invoiceID); err != nil {
		s.log.Error().Err(err).
			Str("firm_id", firmID).
			Str("invoice_id", invoiceID).
			Msg("failed to trigger ERP posting for approved invoice")
	}
}

// firstApprovers collects the approver of each scope's first pending step,
// the recipients of the plan-created notification.
func firstApprovers(plan *approval.Plan) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, scope := range plan.Scopes {
		step := scope.ActionableStep()
		if step == nil {
			continue
		}
		if _, ok := seen[step.ApproverID]; ok {
			continue
		}
		seen[step.ApproverID] = struct{}{}
		out = append(out, step.ApproverID)
	}
	return out
}

func nextApprovers(scope *approval.Scope) []string {
	step := scope.ActionableStep()
	if step == nil {
		return nil
	}
	return []string{step.ApproverID}
}
