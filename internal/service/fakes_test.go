package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/repository"
	"github.com/ledgerflow/ap-approvals/internal/rules"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

// In-memory fakes implementing the store interfaces, mirroring the
// repositories' transactional semantics closely enough for service tests.

type fakePlanStore struct {
	plans  map[string]*approval.Plan // latest plan per invoice id
	audits []*repository.InvoiceApproval

	invoices *fakeInvoiceStore
}

func newFakePlanStore(invoices *fakeInvoiceStore) *fakePlanStore {
	return &fakePlanStore{plans: make(map[string]*approval.Plan), invoices: invoices}
}

func (f *fakePlanStore) Create(_ context.Context, plan *approval.Plan, audit *repository.InvoiceApproval) error {
	if existing, ok := f.plans[plan.InvoiceID]; ok && existing.Status == approval.PlanActive {
		return apperrors.New(apperrors.ErrCodeConflict,
			"an active approval plan already exists for this invoice")
	}
	f.plans[plan.InvoiceID] = plan
	f.invoices.setStatus(plan.FirmID, plan.InvoiceID, plan.InvoiceStatus())
	f.appendAudit(audit)
	return nil
}

func (f *fakePlanStore) Mutate(_ context.Context, firmID, invoiceID string, fn func(plan *approval.Plan) (*repository.InvoiceApproval, error)) error {
	plan, ok := f.plans[invoiceID]
	if !ok || plan.FirmID != firmID {
		return apperrors.NotFound("approval_plan", invoiceID)
	}
	audit, err := fn(plan)
	if err != nil {
		return err
	}
	f.invoices.setStatus(firmID, invoiceID, plan.InvoiceStatus())
	f.appendAudit(audit)
	return nil
}

func (f *fakePlanStore) GetActive(_ context.Context, firmID, invoiceID string) (*approval.Plan, error) {
	plan, ok := f.plans[invoiceID]
	if !ok || plan.FirmID != firmID || plan.Status != approval.PlanActive {
		return nil, nil
	}
	return plan, nil
}

func (f *fakePlanStore) ListActionable(_ context.Context, firmID string, approverIDs []string) ([]*repository.PendingStep, error) {
	allowed := make(map[string]bool, len(approverIDs))
	for _, id := range approverIDs {
		allowed[id] = true
	}
	var out []*repository.PendingStep
	for invoiceID, plan := range f.plans {
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

func (f *fakePlanStore) appendAudit(audit *repository.InvoiceApproval) {
	if audit.ID == "" {
		audit.ID = fmt.Sprintf("audit-%d", len(f.audits)+1)
	}
	f.audits = append(f.audits, audit)
}

func (f *fakePlanStore) lastAudit() *repository.InvoiceApproval {
	if len(f.audits) == 0 {
		return nil
	}
	return f.audits[len(f.audits)-1]
}

type codingCall struct {
	updates     []rules.LineUpdate
	app         *repository.RuleApplication
	needsReview bool
}

type fakeInvoiceStore struct {
	invoices map[string]*repository.Invoice
	codings  []codingCall
}

func newFakeInvoiceStore(invoices ...*repository.Invoice) *fakeInvoiceStore {
	f := &fakeInvoiceStore{invoices: make(map[string]*repository.Invoice)}
	for _, inv := range invoices {
		f.invoices[inv.ID] = inv
	}
	return f
}

func (f *fakeInvoiceStore) Create(_ context.Context, invoice *repository.Invoice) error {
	f.invoices[invoice.ID] = invoice
	return nil
}

func (f *fakeInvoiceStore) Get(_ context.Context, firmID, invoiceID string) (*repository.Invoice, error) {
	inv, ok := f.invoices[invoiceID]
	if !ok || inv.FirmID != firmID {
		return nil, apperrors.NotFound("invoice", invoiceID)
	}
	return inv, nil
}

func (f *fakeInvoiceStore) ApplyCoding(_ context.Context, firmID, invoiceID string, updates []rules.LineUpdate, app *repository.RuleApplication, markNeedsReview bool) error {
	inv, ok := f.invoices[invoiceID]
	if !ok || inv.FirmID != firmID {
		return apperrors.NotFound("invoice", invoiceID)
	}
	if inv.Status != approval.InvoiceStatusDraft && inv.Status != repository.InvoiceStatusNeedsReview {
		return apperrors.New(apperrors.ErrCodeConflict,
			"cannot change coding while approval is pending or complete")
	}
	f.codings = append(f.codings, codingCall{updates: updates, app: app, needsReview: markNeedsReview})
	if markNeedsReview {
		inv.Status = repository.InvoiceStatusNeedsReview
	} else {
		inv.Status = approval.InvoiceStatusDraft
	}
	return nil
}

func (f *fakeInvoiceStore) setStatus(firmID, invoiceID, status string) {
	if inv, ok := f.invoices[invoiceID]; ok && inv.FirmID == firmID {
		inv.Status = status
	}
}

type fakeRuleStore struct {
	active   map[string]*rules.Definition   // by vendor id
	versions map[string][]*rules.Definition // by vendor id
}

func newFakeRuleStore(defs ...*rules.Definition) *fakeRuleStore {
	f := &fakeRuleStore{
		active:   make(map[string]*rules.Definition),
		versions: make(map[string][]*rules.Definition),
	}
	for _, def := range defs {
		f.active[def.VendorID] = def
		f.versions[def.VendorID] = append(f.versions[def.VendorID], def)
	}
	return f
}

func (f *fakeRuleStore) GetActiveDefinition(_ context.Context, _, vendorID string) (*rules.Definition, error) {
	def, ok := f.active[vendorID]
	if !ok {
		return nil, apperrors.NotFound("rule_definition", vendorID)
	}
	return def, nil
}

func (f *fakeRuleStore) GetVersion(_ context.Context, _, vendorID string, version int) (*rules.Definition, error) {
	for _, def := range f.versions[vendorID] {
		if def.Version == version {
			return def, nil
		}
	}
	return nil, apperrors.NotFound("rule_definition", vendorID)
}

func (f *fakeRuleStore) CreateVersion(_ context.Context, def *rules.Definition) error {
	def.Version = len(f.versions[def.VendorID]) + 1
	def.Active = true
	if prior, ok := f.active[def.VendorID]; ok {
		prior.Active = false
	}
	f.active[def.VendorID] = def
	f.versions[def.VendorID] = append(f.versions[def.VendorID], def)
	return nil
}

func (f *fakeRuleStore) ListVersions(_ context.Context, _, vendorID string) ([]*rules.Definition, error) {
	return f.versions[vendorID], nil
}

type fakePolicyStore struct {
	byName map[string]*repository.Policy
	def    *repository.Policy
}

func (f *fakePolicyStore) GetByName(_ context.Context, _, name string) (*repository.Policy, error) {
	policy, ok := f.byName[name]
	if !ok {
		return nil, apperrors.NotFound("approval_policy", name)
	}
	return policy, nil
}

func (f *fakePolicyStore) GetDefault(_ context.Context, _ string) (*repository.Policy, error) {
	return f.def, nil
}

func (f *fakePolicyStore) List(_ context.Context, _ string) ([]*repository.Policy, error) {
	var out []*repository.Policy
	if f.def != nil {
		out = append(out, f.def)
	}
	for _, p := range f.byName {
		out = append(out, p)
	}
	return out, nil
}

type fakeAuditStore struct {
	plans *fakePlanStore
}

func (f *fakeAuditStore) ListByInvoice(_ context.Context, firmID, invoiceID string) ([]*repository.InvoiceApproval, error) {
	var out []*repository.InvoiceApproval
	for _, a := range f.plans.audits {
		if a.FirmID == firmID && a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	return out, nil
}

type publishedEvent struct {
	eventType  string
	invoiceID  string
	actorID    string
	recipients []string
}

type fakeNotifier struct {
	events []publishedEvent
}

func (f *fakeNotifier) PublishApprovalEvent(_ context.Context, eventType, _, invoiceID, actorID string, recipients []string, _ map[string]interface{}) {
	f.events = append(f.events, publishedEvent{
		eventType:  eventType,
		invoiceID:  invoiceID,
		actorID:    actorID,
		recipients: recipients,
	})
}

func (f *fakeNotifier) eventTypes() []string {
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.eventType)
	}
	return out
}

type fakeERPPoster struct {
	posted []string
	err    error
}

func (f *fakeERPPoster) PostApproved(_ context.Context, _, invoiceID string) error {
	if f.err != nil {
		return f.err
	}
	f.posted = append(f.posted, invoiceID)
	return nil
}

type fakeSetupStore struct {
	setups map[string]*substitute.UserSetup // by user id
}

func newFakeSetupStore(setups ...*substitute.UserSetup) *fakeSetupStore {
	f := &fakeSetupStore{setups: make(map[string]*substitute.UserSetup)}
	for _, s := range setups {
		f.setups[s.UserID] = s
	}
	return f
}

func (f *fakeSetupStore) GetUserSetup(_ context.Context, _, userID string) (*substitute.UserSetup, error) {
	return f.setups[userID], nil
}

func (f *fakeSetupStore) ListSetupsDelegatingTo(_ context.Context, _, actorID string) ([]*substitute.UserSetup, error) {
	var out []*substitute.UserSetup
	for _, s := range f.setups {
		if s.SubstituteUserID != nil && *s.SubstituteUserID == actorID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSetupStore) Upsert(_ context.Context, setup *substitute.UserSetup) error {
	f.setups[setup.UserID] = setup
	return nil
}

// fixedClock and sequential ids keep service behavior deterministic in tests.
var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
