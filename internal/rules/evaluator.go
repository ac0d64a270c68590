package rules

import (
	"fmt"
	"strings"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/canonical"
)

// VendorMatchStatus is the document-matching verdict supplied by the caller.
type VendorMatchStatus string

const (
	VendorMatched   VendorMatchStatus = "matched"
	VendorUnmatched VendorMatchStatus = "unmatched"
	VendorAmbiguous VendorMatchStatus = "ambiguous"
)

// Eligibility reports whether an evaluation may proceed to approval without
// human review. Any missing field, conflict, or unmatched vendor forces
// needs-review regardless of line-level match success.
type Eligibility struct {
	VendorMatched         bool       `json:"vendorMatched"`
	RequiredFieldsMissing []string   `json:"requiredFieldsMissing"`
	Conflicts             []Conflict `json:"conflicts"`
}

// Conflict records a configuration defect: two predicates of equal priority
// both matched a line. Surfaced as data rather than resolved silently.
type Conflict struct {
	LineIndex    int      `json:"line_index"`
	Priority     int      `json:"priority"`
	PredicateIDs []string `json:"predicate_ids"`
}

// Decision records which predicate fired for a line.
type Decision struct {
	LineIndex   int    `json:"line_index"`
	PredicateID string `json:"predicate_id"`
	Priority    int    `json:"priority"`
}

// LineUpdate is a proposed coding change for one line. SetDimensions is a
// key-wise overwrite against the line's existing dimension map, never a full
// replace.
type LineUpdate struct {
	LineIndex     int               `json:"line_index"`
	SetGL         *string           `json:"set_gl,omitempty"`
	SetDimensions map[string]string `json:"set_dimensions,omitempty"`
}

// Proposed carries the evaluator's outputs that the caller may persist.
type Proposed struct {
	LineUpdates    []LineUpdate `json:"lineUpdates"`
	ApprovalPolicy string       `json:"approvalPolicy,omitempty"`
}

// Result is the full evaluation outcome.
type Result struct {
	Eligibility Eligibility `json:"eligibility"`
	Decisions   []Decision  `json:"decisions"`
	Proposed    Proposed    `json:"proposed"`
}

// NeedsReview is the single source of truth for whether processing must stop
// before approval.
func (r *Result) NeedsReview() bool {
	return !r.Eligibility.VendorMatched ||
		len(r.Eligibility.RequiredFieldsMissing) > 0 ||
		len(r.Eligibility.Conflicts) > 0
}

// Apply evaluates a rule definition against a canonical invoice. It is a pure
// function: no persistence, no clock, no I/O. The caller is responsible for
// supplying the vendor's currently active version; Apply itself is
// version-agnostic.
//
// Predicates are applied per line in a fixed order (priority ascending,
// declaration order breaking ties); the first matching predicate wins. Two
// predicates of equal priority matching the same line produce a conflict and
// the line receives no coding override.
func Apply(inv *canonical.Invoice, def *Definition, matchStatus VendorMatchStatus, matchConfidence float64) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if inv.VendorID != def.VendorID {
		return nil, apperrors.New(apperrors.ErrCodeValidation,
			fmt.Sprintf("invoice vendor %s does not match rule vendor %s", inv.VendorID, def.VendorID))
	}

	res := &Result{
		Eligibility: Eligibility{
			VendorMatched:         matchStatus == VendorMatched,
			RequiredFieldsMissing: []string{},
			Conflicts:             []Conflict{},
		},
		Decisions: []Decision{},
		Proposed: Proposed{
			LineUpdates:    []LineUpdate{},
			ApprovalPolicy: def.ApprovalPolicy,
		},
	}

	ordered := def.orderedPredicates()

	for _, line := range inv.Lines {
		winner, conflict := firstMatch(ordered, line)
		if conflict != nil {
			conflict.LineIndex = line.LineIndex
			res.Eligibility.Conflicts = append(res.Eligibility.Conflicts, *conflict)
		} else if winner != nil {
			res.Decisions = append(res.Decisions, Decision{
				LineIndex:   line.LineIndex,
				PredicateID: winner.ID,
				Priority:    winner.Priority,
			})
			if upd := buildUpdate(line.LineIndex, winner); upd != nil {
				res.Proposed.LineUpdates = append(res.Proposed.LineUpdates, *upd)
			}
		}

		if def.RequireGL && missingGL(line, winner, conflict) {
			res.Eligibility.RequiredFieldsMissing = append(res.Eligibility.RequiredFieldsMissing,
				fmt.Sprintf("lines[%d].gl_account", line.LineIndex))
		}
	}

	return res, nil
}

// firstMatch walks the ordered predicates and returns either the unique winner
// at the lowest matching priority, or a conflict when that priority tier has
// more than one match.
func firstMatch(ordered []Predicate, line canonical.Line) (*Predicate, *Conflict) {
	for i := 0; i < len(ordered); {
		// Collect the full tier sharing this priority.
		tierEnd := i + 1
		for tierEnd < len(ordered) && ordered[tierEnd].Priority == ordered[i].Priority {
			tierEnd++
		}

		var matched []int
		for j := i; j < tierEnd; j++ {
			if matches(ordered[j].Match, line) {
				matched = append(matched, j)
			}
		}

		switch {
		case len(matched) == 1:
			return &ordered[matched[0]], nil
		case len(matched) > 1:
			ids := make([]string, 0, len(matched))
			for _, j := range matched {
				ids = append(ids, ordered[j].ID)
			}
			return nil, &Conflict{Priority: ordered[i].Priority, PredicateIDs: ids}
		}
		i = tierEnd
	}
	return nil, nil
}

func matches(cond MatchCondition, line canonical.Line) bool {
	switch cond.Kind {
	case MatchDescriptionContains:
		return strings.Contains(strings.ToLower(line.Description), strings.ToLower(cond.Contains))
	case MatchAmountBetween:
		if cond.MinAmount != nil && line.Amount.LessThan(*cond.MinAmount) {
			return false
		}
		if cond.MaxAmount != nil && line.Amount.GreaterThan(*cond.MaxAmount) {
			return false
		}
		return true
	case MatchQuantityAtLeast:
		return line.Qty.GreaterThanOrEqual(*cond.MinQty)
	case MatchAlways:
		return true
	}
	return false
}

func buildUpdate(lineIndex int, p *Predicate) *LineUpdate {
	if p.SetGL == "" && len(p.SetDimensions) == 0 {
		return nil
	}
	upd := &LineUpdate{LineIndex: lineIndex}
	if p.SetGL != "" {
		gl := p.SetGL
		upd.SetGL = &gl
	}
	if len(p.SetDimensions) > 0 {
		upd.SetDimensions = make(map[string]string, len(p.SetDimensions))
		for k, v := range p.SetDimensions {
			upd.SetDimensions[k] = v
		}
	}
	return upd
}

// missingGL reports whether the line still lacks a GL code after rule
// application. A conflicted line never receives an override, so only its
// pre-existing code counts.
func missingGL(line canonical.Line, winner *Predicate, conflict *Conflict) bool {
	if line.GLAccount != "" {
		return false
	}
	if conflict != nil {
		return true
	}
	return winner == nil || winner.SetGL == ""
}
