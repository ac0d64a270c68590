package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/database"
)

// PolicyRepository reads firm-scoped approval policies.
type PolicyRepository struct {
	db *database.DB
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(db *database.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

const policyColumns = `id, firm_id, name, split_by_dimension, tiers, is_default, created_at, updated_at`

// GetByName resolves a policy by name within a firm.
func (r *PolicyRepository) GetByName(ctx context.Context, firmID, name string) (*Policy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM approval_policies
		WHERE firm_id = $1 AND name = $2
	`

	policy, err := scanPolicy(r.db.QueryRow(ctx, query, firmID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_policy", name)
	}
	return policy, err
}

// GetDefault returns the firm's default policy, or nil when none is marked.
func (r *PolicyRepository) GetDefault(ctx context.Context, firmID string) (*Policy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM approval_policies
		WHERE firm_id = $1 AND is_default = TRUE
		LIMIT 1
	`

	policy, err := scanPolicy(r.db.QueryRow(ctx, query, firmID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return policy, err
}

// List returns all policies for a firm ordered by name.
func (r *PolicyRepository) List(ctx context.Context, firmID string) ([]*Policy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM approval_policies
		WHERE firm_id = $1
		ORDER BY name ASC
	`

	rows, err := r.db.Query(ctx, query, firmID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval policies")
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

type policyScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row policyScanner) (*Policy, error) {
	policy := &Policy{}
	var tiers []byte

	err := row.Scan(
		&policy.ID, &policy.FirmID, &policy.Name, &policy.SplitByDimension,
		&tiers, &policy.IsDefault, &policy.CreatedAt, &policy.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval policy")
	}

	if tiers != nil {
		if err := json.Unmarshal(tiers, &policy.Tiers); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal policy tiers")
		}
	}
	return policy, nil
}
