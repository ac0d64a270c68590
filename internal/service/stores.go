package service

import (
	"context"

	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/repository"
	"github.com/ledgerflow/ap-approvals/internal/rules"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

// Session is the explicit tenant/user context threaded through every engine
// call; nothing in the engine reads ambient per-request state.
type Session struct {
	FirmID string
	UserID string
}

// PlanStore persists approval plan aggregates.
type PlanStore interface {
	// Create persists a materialized plan, flips the invoice status and
	// appends the audit row in one transaction. Fails closed with Conflict
	// when an active plan already exists or the invoice is not submittable.
	Create(ctx context.Context, plan *approval.Plan, audit *repository.InvoiceApproval) error
	// Mutate loads the invoice's most recent plan under an exclusive lock,
	// applies fn, then persists the aggregate, the derived invoice status and
	// the returned audit row in the same transaction.
	Mutate(ctx context.Context, firmID, invoiceID string, fn func(plan *approval.Plan) (*repository.InvoiceApproval, error)) error
	// GetActive returns the invoice's active plan, or nil when none exists.
	GetActive(ctx context.Context, firmID, invoiceID string) (*approval.Plan, error)
	// ListActionable returns inbox rows for the given designated approvers.
	ListActionable(ctx context.Context, firmID string, approverIDs []string) ([]*repository.PendingStep, error)
}

// InvoiceStore persists invoices and applies rule-driven coding updates.
type InvoiceStore interface {
	Create(ctx context.Context, invoice *repository.Invoice) error
	Get(ctx context.Context, firmID, invoiceID string) (*repository.Invoice, error)
	ApplyCoding(ctx context.Context, firmID, invoiceID string, updates []rules.LineUpdate, app *repository.RuleApplication, markNeedsReview bool) error
}

// SetupStore persists per-user approval setup, the substitute resolver's
// read side plus writes.
type SetupStore interface {
	GetUserSetup(ctx context.Context, firmID, userID string) (*substitute.UserSetup, error)
	Upsert(ctx context.Context, setup *substitute.UserSetup) error
}

// RuleStore reads and versions rule definitions.
type RuleStore interface {
	GetActiveDefinition(ctx context.Context, firmID, vendorID string) (*rules.Definition, error)
	GetVersion(ctx context.Context, firmID, vendorID string, version int) (*rules.Definition, error)
	CreateVersion(ctx context.Context, def *rules.Definition) error
	ListVersions(ctx context.Context, firmID, vendorID string) ([]*rules.Definition, error)
}

// PolicyStore resolves approval policies.
type PolicyStore interface {
	GetByName(ctx context.Context, firmID, name string) (*repository.Policy, error)
	GetDefault(ctx context.Context, firmID string) (*repository.Policy, error)
	List(ctx context.Context, firmID string) ([]*repository.Policy, error)
}

// AuditStore reads the approval trail.
type AuditStore interface {
	ListByInvoice(ctx context.Context, firmID, invoiceID string) ([]*repository.InvoiceApproval, error)
}

// Notifier publishes approval events. Implementations must be non-fatal:
// failures are logged, never returned.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType, firmID, invoiceID, actorID string, recipients []string, payload map[string]interface{})
}

// ERPPoster triggers posting of a fully approved invoice to the ERP.
type ERPPoster interface {
	PostApproved(ctx context.Context, firmID, invoiceID string) error
}
