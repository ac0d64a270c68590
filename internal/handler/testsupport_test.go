package handler

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/logger"
	"github.com/ledgerflow/ap-approvals/internal/repository"
	"github.com/ledgerflow/ap-approvals/internal/rules"
	"github.com/ledgerflow/ap-approvals/internal/service"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

// memStores is a single in-memory backing store implementing every service
// store interface, so handler tests can run the full stack without Postgres.
type memStores struct {
	invoices map[string]*repository.Invoice
	plans    map[string]*approval.Plan
	audits   []*repository.InvoiceApproval
	rules    map[string]*rules.Definition
	policies *repository.Policy
	setups   map[string]*substitute.UserSetup
	seq      int
}

func newMemStores() *memStores {
	return &memStores{
		invoices: make(map[string]*repository.Invoice),
		plans:    make(map[string]*approval.Plan),
		rules:    make(map[string]*rules.Definition),
		setups:   make(map[string]*substitute.UserSetup),
		policies: &repository.Policy{
			ID: "pol-manager", FirmID: "firm-1", Name: "manager", IsDefault: true,
			Tiers: []repository.PolicyTier{{Approvers: []string{"u1", "u2"}}},
		},
	}
}

func (m *memStores) Create(_ context.Context, invoice *repository.Invoice) error {
	m.invoices[invoice.ID] = invoice
	return nil
}

func (m *memStores) Get(_ context.Context, firmID, invoiceID string) (*repository.Invoice, error) {
	inv, ok := m.invoices[invoiceID]
	if !ok || inv.FirmID != firmID {
		return nil, apperrors.NotFound("invoice", invoiceID)
	}
	return inv, nil
}

func (m *memStores) ApplyCoding(_ context.Context, firmID, invoiceID string, _ []rules.LineUpdate, _ *repository.RuleApplication, markNeedsReview bool) error {
	inv, err := m.Get(context.Background(), firmID, invoiceID)
	if err != nil {
		return err
	}
	if inv.Status != approval.InvoiceStatusDraft && inv.Status != repository.InvoiceStatusNeedsReview {
		return apperrors.New(apperrors.ErrCodeConflict,
			"cannot change coding while approval is pending or complete")
	}
	if markNeedsReview {
		inv.Status = repository.InvoiceStatusNeedsReview
	} else {
		inv.Status = approval.InvoiceStatusDraft
	}
	return nil
}

func (m *memStores) CreatePlan(_ context.Context, plan *approval.Plan, audit *repository.InvoiceApproval) error {
	if existing, ok := m.plans[plan.InvoiceID]; ok && existing.Status == approval.PlanActive {
		return apperrors.New(apperrors.ErrCodeConflict,
			"an active approval plan already exists for this invoice")
	}
	m.plans[plan.InvoiceID] = plan
	m.invoices[plan.InvoiceID].Status = plan.InvoiceStatus()
	m.appendAudit(audit)
	return nil
}

func (m *memStores) Mutate(_ context.Context, firmID, invoiceID string, fn func(plan *approval.Plan) (*repository.InvoiceApproval, error)) error {
	plan, ok := m.plans[invoiceID]
	if !ok || plan.FirmID != firmID {
		return apperrors.NotFound("approval_plan", invoiceID)
	}
	audit, err := fn(plan)
	if err != nil {
		return err
	}
	m.invoices[invoiceID].Status = plan.InvoiceStatus()
	m.appendAudit(audit)
	return nil
}

func (m *memStores) GetActive(_ context.Context, firmID, invoiceID string) (*approval.Plan, error) {
	plan, ok := m.plans[invoiceID]
	if !ok || plan.FirmID != firmID || plan.Status != approval.PlanActive {
		return nil, nil
	}
	return plan, nil
}

func (m *memStores) ListActionable(_ context.Context, firmID string, approverIDs []string) ([]*repository.PendingStep, error) {
	allowed := make(map[string]bool, len(approverIDs))
	for _, id := range approverIDs {
		allowed[id] = true
	}
	var out []*repository.PendingStep
	for invoiceID, plan := range m.plans {
		if plan.FirmID != firmID || plan.Status != approval.PlanActive {
			continue
		}
		for _, scope := range plan.Scopes {
			step := scope.ActionableStep()
			if step == nil || !allowed[step.ApproverID] {
				continue
			}
			out = append(out, &repository.PendingStep{
				StepID:     step.ID,
				ScopeID:    scope.ID,
				PlanID:     plan.ID,
				InvoiceID:  invoiceID,
				ApproverID: step.ApproverID,
				StepIndex:  step.StepIndex,
				ScopeType:  scope.ScopeType,
				ScopeKey:   scope.ScopeKey,
				Amount:     scope.Amount,
				Currency:   scope.Currency,
			})
		}
	}
	return out, nil
}

func (m *memStores) appendAudit(audit *repository.InvoiceApproval) {
	m.seq++
	if audit.ID == "" {
		audit.ID = fmt.Sprintf("audit-%d", m.seq)
	}
	m.audits = append(m.audits, audit)
}

func (m *memStores) ListByInvoice(_ context.Context, firmID, invoiceID string) ([]*repository.InvoiceApproval, error) {
	var out []*repository.InvoiceApproval
	for _, a := range m.audits {
		if a.FirmID == firmID && a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStores) GetActiveDefinition(_ context.Context, _, vendorID string) (*rules.Definition, error) {
	def, ok := m.rules[vendorID]
	if !ok {
		return nil, apperrors.NotFound("rule_definition", vendorID)
	}
	return def, nil
}

func (m *memStores) GetVersion(_ context.Context, _, vendorID string, version int) (*rules.Definition, error) {
	if def, ok := m.rules[vendorID]; ok && def.Version == version {
		return def, nil
	}
	return nil, apperrors.NotFound("rule_definition", vendorID)
}

func (m *memStores) CreateVersion(_ context.Context, def *rules.Definition) error {
	if prior, ok := m.rules[def.VendorID]; ok {
		prior.Active = false
		def.Version = prior.Version + 1
	} else {
		def.Version = 1
	}
	def.Active = true
	m.rules[def.VendorID] = def
	return nil
}

func (m *memStores) ListVersions(_ context.Context, _, vendorID string) ([]*rules.Definition, error) {
	if def, ok := m.rules[vendorID]; ok {
		return []*rules.Definition{def}, nil
	}
	return nil, nil
}

func (m *memStores) GetByName(_ context.Context, _, name string) (*repository.Policy, error) {
	if m.policies != nil && m.policies.Name == name {
		return m.policies, nil
	}
	return nil, apperrors.NotFound("approval_policy", name)
}

func (m *memStores) GetDefault(_ context.Context, _ string) (*repository.Policy, error) {
	return m.policies, nil
}

func (m *memStores) List(_ context.Context, _ string) ([]*repository.Policy, error) {
	return []*repository.Policy{m.policies}, nil
}

func (m *memStores) GetUserSetup(_ context.Context, _, userID string) (*substitute.UserSetup, error) {
	return m.setups[userID], nil
}

func (m *memStores) ListSetupsDelegatingTo(_ context.Context, _, actorID string) ([]*substitute.UserSetup, error) {
	var out []*substitute.UserSetup
	for _, s := range m.setups {
		if s.SubstituteUserID != nil && *s.SubstituteUserID == actorID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStores) Upsert(_ context.Context, setup *substitute.UserSetup) error {
	m.setups[setup.UserID] = setup
	return nil
}

type nopNotifier struct{}

func (nopNotifier) PublishApprovalEvent(context.Context, string, string, string, string, []string, map[string]interface{}) {
}

type nopPoster struct{}

func (nopPoster) PostApproved(context.Context, string, string) error { return nil }

// planStoreAdapter reconciles the Create method name collision between the
// invoice and plan store interfaces on memStores.
type planStoreAdapter struct{ *memStores }

func (a planStoreAdapter) Create(ctx context.Context, plan *approval.Plan, audit *repository.InvoiceApproval) error {
	return a.CreatePlan(ctx, plan, audit)
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	stores := newMemStores()

	min := decimal.NewFromInt(1)
	stores.rules["vendor-1"] = &rules.Definition{
		ID: "rule-1", FirmID: "firm-1", VendorID: "vendor-1", Version: 1, Active: true,
		ApprovalPolicy: "manager",
		Predicates: []rules.Predicate{{
			ID: "p-1", Priority: 1,
			Match: rules.MatchCondition{Kind: rules.MatchAmountBetween, MinAmount: &min},
			SetGL: "6400",
		}},
	}

	log := logger.Nop().Logger
	invoiceSvc := service.NewInvoiceService(stores, stores, log)
	ruleSvc := service.NewRuleService(stores, stores, log)
	planSvc := service.NewPlanService(
		planStoreAdapter{stores}, stores, stores, stores, stores,
		substitute.NewResolver(stores), nopNotifier{}, nopPoster{}, log,
	)
	return New(invoiceSvc, ruleSvc, planSvc, log)
}
