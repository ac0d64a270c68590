// Package substitute answers "who may act on behalf of approver X right now".
// Both the pending-work inbox and action authorization go through the same
// Resolver so what a user is shown never drifts from what they may act on.
package substitute

import (
	"context"
	"time"
)

// UserSetup is a user's per-firm approval configuration. A substitution is a
// directed edge UserID -> SubstituteUserID (the owner delegates to the
// substitute) with an optional effective window; nil bounds are open-ended.
type UserSetup struct {
	FirmID           string
	UserID           string
	Active           bool
	SubstituteUserID *string
	SubstituteFrom   *time.Time
	SubstituteTo     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubstitutionInEffect reports whether the setup delegates to anyone at the
// given instant: active, a substitute named, and asOf within [from, to] where
// nil bounds act as -inf/+inf.
func (s *UserSetup) SubstitutionInEffect(asOf time.Time) bool {
	if !s.Active || s.SubstituteUserID == nil || *s.SubstituteUserID == "" {
		return false
	}
	if s.SubstituteFrom != nil && asOf.Before(*s.SubstituteFrom) {
		return false
	}
	if s.SubstituteTo != nil && asOf.After(*s.SubstituteTo) {
		return false
	}
	return true
}

// SetupStore reads approval user setups.
type SetupStore interface {
	// GetUserSetup returns the setup for a user, or nil when none exists.
	GetUserSetup(ctx context.Context, firmID, userID string) (*UserSetup, error)
	// ListSetupsDelegatingTo returns all setups naming actorID as substitute.
	ListSetupsDelegatingTo(ctx context.Context, firmID, actorID string) ([]*UserSetup, error)
}

// Resolver evaluates substitution at an instant against stored setups.
type Resolver struct {
	store SetupStore
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store SetupStore) *Resolver {
	return &Resolver{store: store}
}

// IsActingOn reports whether actorID may act in place of ownerID at asOf.
// Acting as yourself is always allowed.
func (r *Resolver) IsActingOn(ctx context.Context, firmID, actorID, ownerID string, asOf time.Time) (bool, error) {
	if actorID == ownerID {
		return true, nil
	}
	setup, err := r.store.GetUserSetup(ctx, firmID, ownerID)
	if err != nil {
		return false, err
	}
	if setup == nil || !setup.SubstitutionInEffect(asOf) {
		return false, nil
	}
	return *setup.SubstituteUserID == actorID, nil
}

// ListSubstituteFor returns the owners actorID currently substitutes for.
// Multiple simultaneous delegations to the same actor union their owner sets.
func (r *Resolver) ListSubstituteFor(ctx context.Context, firmID, actorID string, asOf time.Time) ([]string, error) {
	setups, err := r.store.ListSetupsDelegatingTo(ctx, firmID, actorID)
	if err != nil {
		return nil, err
	}
	var owners []string
	for _, s := range setups {
		if s.SubstitutionInEffect(asOf) {
			owners = append(owners, s.UserID)
		}
	}
	return owners, nil
}
