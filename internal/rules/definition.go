// Package rules implements the deterministic rule application engine: a
// versioned, declarative coding rule set per vendor, evaluated into line-level
// coding decisions, an eligibility verdict and a recommended approval policy.
package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
)

// MatchKind discriminates the closed set of predicate match conditions.
type MatchKind string

const (
	MatchDescriptionContains MatchKind = "description_contains"
	MatchAmountBetween       MatchKind = "amount_between"
	MatchQuantityAtLeast     MatchKind = "quantity_at_least"
	MatchAlways              MatchKind = "always"
)

// MatchCondition is a tagged variant; only the fields for its Kind are set.
type MatchCondition struct {
	Kind      MatchKind        `json:"kind"`
	Contains  string           `json:"contains,omitempty"`
	MinAmount *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount *decimal.Decimal `json:"max_amount,omitempty"`
	MinQty    *decimal.Decimal `json:"min_qty,omitempty"`
}

// Predicate is one coding rule. Priority is a first-class ordering key:
// predicates are evaluated lowest priority number first, declaration order
// breaking ties.
type Predicate struct {
	ID            string            `json:"id"`
	Priority      int               `json:"priority"`
	Match         MatchCondition    `json:"match"`
	SetGL         string            `json:"set_gl,omitempty"`
	SetDimensions map[string]string `json:"set_dimensions,omitempty"`
}

// Definition is one immutable ruleset version for a vendor within a firm.
// A vendor has at most one active version at a time; prior versions are
// retained for audit.
type Definition struct {
	ID             string      `json:"id"`
	FirmID         string      `json:"firm_id"`
	VendorID       string      `json:"vendor_id"`
	Version        int         `json:"version"`
	Active         bool        `json:"active"`
	RequireGL      bool        `json:"require_gl"`
	ApprovalPolicy string      `json:"approval_policy,omitempty"`
	Predicates     []Predicate `json:"predicates"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Validate checks structural integrity. A failure here is a configuration
// defect, not a per-invoice condition, and is raised as a hard error.
func (d *Definition) Validate() error {
	if d.VendorID == "" {
		return apperrors.InvalidInput("vendor_id", "rule definition must belong to a vendor")
	}
	for i, p := range d.Predicates {
		switch p.Match.Kind {
		case MatchDescriptionContains:
			if p.Match.Contains == "" {
				return apperrors.InvalidInput("predicates",
					fmt.Sprintf("predicate %d: description_contains requires a non-empty needle", i))
			}
		case MatchAmountBetween:
			if p.Match.MinAmount == nil && p.Match.MaxAmount == nil {
				return apperrors.InvalidInput("predicates",
					fmt.Sprintf("predicate %d: amount_between requires at least one bound", i))
			}
		case MatchQuantityAtLeast:
			if p.Match.MinQty == nil {
				return apperrors.InvalidInput("predicates",
					fmt.Sprintf("predicate %d: quantity_at_least requires min_qty", i))
			}
		case MatchAlways:
		default:
			return apperrors.InvalidInput("predicates",
				fmt.Sprintf("predicate %d: unknown match kind %q", i, p.Match.Kind))
		}
	}

	// A catch-all matches every line, so it must sort after every other
	// predicate or it would shadow them.
	ordered := d.orderedPredicates()
	for i, p := range ordered {
		if p.Match.Kind == MatchAlways && i != len(ordered)-1 {
			return apperrors.InvalidInput("predicates",
				"a catch-all predicate must be ordered last")
		}
	}
	return nil
}

// orderedPredicates returns predicates sorted by priority ascending, with
// declaration order as the tiebreak.
func (d *Definition) orderedPredicates() []Predicate {
	ordered := make([]Predicate, len(d.Predicates))
	copy(ordered, d.Predicates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return ordered
}
