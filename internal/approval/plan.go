// Package approval owns the invoice approval plan aggregate: a Plan with its
// Scopes and ordered Steps, and every legal transition between their states.
// All cross-entity invariants (completion propagation, fail-fast rejection,
// strict step ordering) are enforced inside the aggregate's own transition
// functions; callers load the aggregate, transition it, and persist it back.
package approval

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

// ScopeStatus is the lifecycle state of a scope.
type ScopeStatus string

const (
	ScopeActive    ScopeStatus = "active"
	ScopeCompleted ScopeStatus = "completed"
	ScopeRejected  ScopeStatus = "rejected"
	ScopeCancelled ScopeStatus = "cancelled"
)

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// Action is an approver's decision on a step.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Scope types.
const (
	ScopeTypeInvoiceTotal = "invoice_total"
	ScopeTypeDimension    = "dimension"
)

// Invoice statuses driven by plan transitions.
const (
	InvoiceStatusPendingApproval = "pending_approval"
	InvoiceStatusApproved        = "approved"
	InvoiceStatusRejected        = "rejected"
	InvoiceStatusDraft           = "draft"
)

// Step is one ordered position within a scope's approval chain. ApproverID is
// the designated approver; the actor recorded in ActedBy may be a substitute.
type Step struct {
	ID         string
	ScopeID    string
	StepIndex  int
	ApproverID string
	Status     StepStatus
	ActedBy    *string
	ActedAt    *time.Time
	Comment    *string
	CreatedAt  time.Time
}

// Scope is a unit of approval within a plan: the invoice total, or a
// dimension-keyed sub-scope. Steps form a strict FIFO chain.
type Scope struct {
	ID        string
	PlanID    string
	ScopeType string
	ScopeKey  string
	Amount    decimal.Decimal
	Currency  string
	Status    ScopeStatus
	Steps     []*Step
}

// Plan is the aggregate root for one invoice approval episode.
type Plan struct {
	ID                     string
	InvoiceID              string
	FirmID                 string
	RequesterID            string
	Status                 PlanStatus
	CompletedWithRejection bool
	CreatedAt              time.Time
	CompletedAt            *time.Time
	Scopes                 []*Scope
}

// ActionableStep returns the lowest-index pending step of an active scope, or
// nil when the scope is terminal or fully acted. Only this step may be acted
// on; higher-index steps wait their turn.
func (s *Scope) ActionableStep() *Step {
	if s.Status != ScopeActive {
		return nil
	}
	var lowest *Step
	for _, st := range s.Steps {
		if st.Status != StepPending {
			continue
		}
		if lowest == nil || st.StepIndex < lowest.StepIndex {
			lowest = st
		}
	}
	return lowest
}

// pendingSteps counts steps still awaiting action.
func (s *Scope) pendingSteps() int {
	n := 0
	for _, st := range s.Steps {
		if st.Status == StepPending {
			n++
		}
	}
	return n
}

// ActiveScopes returns the scopes still awaiting resolution.
func (p *Plan) ActiveScopes() []*Scope {
	var active []*Scope
	for _, s := range p.Scopes {
		if s.Status == ScopeActive {
			active = append(active, s)
		}
	}
	return active
}

// ScopeByID returns the scope with the given id, or nil.
func (p *Plan) ScopeByID(id string) *Scope {
	for _, s := range p.Scopes {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// rejected reports whether any scope ended rejected.
func (p *Plan) rejected() bool {
	for _, s := range p.Scopes {
		if s.Status == ScopeRejected {
			return true
		}
	}
	return false
}
