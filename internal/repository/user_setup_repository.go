package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/database"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

// UserSetupRepository persists per-user approval configuration, including
// time-windowed substitute delegations. Implements substitute.SetupStore.
type UserSetupRepository struct {
	db *database.DB
}

// NewUserSetupRepository creates a new UserSetupRepository.
func NewUserSetupRepository(db *database.DB) *UserSetupRepository {
	return &UserSetupRepository{db: db}
}

const setupColumns = `firm_id, user_id, active, substitute_user_id, substitute_from, substitute_to, created_at, updated_at`

// GetUserSetup returns the setup for a user, or nil when none exists.
func (r *UserSetupRepository) GetUserSetup(ctx context.Context, firmID, userID string) (*substitute.UserSetup, error) {
	query := `
		SELECT ` + setupColumns + `
		FROM approval_user_setups
		WHERE firm_id = $1 AND user_id = $2
	`

	setup, err := scanSetup(r.db.QueryRow(ctx, query, firmID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return setup, err
}

// ListSetupsDelegatingTo returns all setups naming actorID as substitute,
// regardless of window; callers evaluate effectiveness at their instant.
func (r *UserSetupRepository) ListSetupsDelegatingTo(ctx context.Context, firmID, actorID string) ([]*substitute.UserSetup, error) {
	query := `
		SELECT ` + setupColumns + `
		FROM approval_user_setups
		WHERE firm_id = $1 AND substitute_user_id = $2
	`

	rows, err := r.db.Query(ctx, query, firmID, actorID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list delegating setups")
	}
	defer rows.Close()

	var setups []*substitute.UserSetup
	for rows.Next() {
		setup, err := scanSetup(rows)
		if err != nil {
			return nil, err
		}
		setups = append(setups, setup)
	}
	return setups, rows.Err()
}

// Upsert creates or replaces a user's approval setup.
func (r *UserSetupRepository) Upsert(ctx context.Context, setup *substitute.UserSetup) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO approval_user_setups
		    (firm_id, user_id, active, substitute_user_id, substitute_from, substitute_to)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (firm_id, user_id) DO UPDATE
		SET active             = EXCLUDED.active,
		    substitute_user_id = EXCLUDED.substitute_user_id,
		    substitute_from    = EXCLUDED.substitute_from,
		    substitute_to      = EXCLUDED.substitute_to,
		    updated_at         = NOW()
		RETURNING created_at, updated_at
	`, setup.FirmID, setup.UserID, setup.Active,
		setup.SubstituteUserID, setup.SubstituteFrom, setup.SubstituteTo,
	).Scan(&setup.CreatedAt, &setup.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to upsert user setup")
	}
	return nil
}

type setupScanner interface {
	Scan(dest ...any) error
}

func scanSetup(row setupScanner) (*substitute.UserSetup, error) {
	setup := &substitute.UserSetup{}
	err := row.Scan(
		&setup.FirmID, &setup.UserID, &setup.Active,
		&setup.SubstituteUserID, &setup.SubstituteFrom, &setup.SubstituteTo,
		&setup.CreatedAt, &setup.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan user setup")
	}
	return setup, nil
}
