package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/database"
	"github.com/ledgerflow/ap-approvals/internal/rules"
)

// RuleRepository persists versioned rule definitions. A vendor has at most
// one active version; prior versions are never mutated, only deactivated.
type RuleRepository struct {
	db *database.DB
}

// NewRuleRepository creates a new RuleRepository.
func NewRuleRepository(db *database.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, firm_id, vendor_id, version, active, require_gl, approval_policy, predicates, created_at`

// GetActiveDefinition returns the vendor's active ruleset version, pinned in
// a single consistent read, or a NotFound error when the vendor has none.
func (r *RuleRepository) GetActiveDefinition(ctx context.Context, firmID, vendorID string) (*rules.Definition, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rule_definitions
		WHERE firm_id = $1 AND vendor_id = $2 AND active = TRUE
	`

	def, err := scanDefinition(r.db.QueryRow(ctx, query, firmID, vendorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("rule_definition", vendorID)
	}
	return def, err
}

// GetVersion returns one specific ruleset version.
func (r *RuleRepository) GetVersion(ctx context.Context, firmID, vendorID string, version int) (*rules.Definition, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rule_definitions
		WHERE firm_id = $1 AND vendor_id = $2 AND version = $3
	`

	def, err := scanDefinition(r.db.QueryRow(ctx, query, firmID, vendorID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("rule_definition", vendorID)
	}
	return def, err
}

// ListVersions returns all ruleset versions for a vendor, newest first.
func (r *RuleRepository) ListVersions(ctx context.Context, firmID, vendorID string) ([]*rules.Definition, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rule_definitions
		WHERE firm_id = $1 AND vendor_id = $2
		ORDER BY version DESC
	`

	rows, err := r.db.Query(ctx, query, firmID, vendorID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list rule versions")
	}
	defer rows.Close()

	var defs []*rules.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// CreateVersion inserts the next version for the vendor and makes it active,
// deactivating the prior active version in the same transaction. The version
// number is assigned here, monotonically.
func (r *RuleRepository) CreateVersion(ctx context.Context, def *rules.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	predicates, err := json.Marshal(def.Predicates)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal predicates")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// Lock the vendor's latest version row so concurrent creators
		// serialize; the unique (firm_id, vendor_id, version) index guards
		// the first-ever insert race.
		var maxVersion int
		err := tx.QueryRow(ctx, `
			SELECT version
			FROM rule_definitions
			WHERE firm_id = $1 AND vendor_id = $2
			ORDER BY version DESC
			LIMIT 1
			FOR UPDATE
		`, def.FirmID, def.VendorID).Scan(&maxVersion)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to resolve rule version")
		}

		_, err = tx.Exec(ctx, `
			UPDATE rule_definitions
			SET active = FALSE
			WHERE firm_id = $1 AND vendor_id = $2 AND active = TRUE
		`, def.FirmID, def.VendorID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to deactivate prior rule version")
		}

		if def.ID == "" {
			def.ID = uuid.NewString()
		}
		def.Version = maxVersion + 1
		def.Active = true

		err = tx.QueryRow(ctx, `
			INSERT INTO rule_definitions
			    (id, firm_id, vendor_id, version, active, require_gl, approval_policy, predicates)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at
		`, def.ID, def.FirmID, def.VendorID, def.Version, def.Active,
			def.RequireGL, def.ApprovalPolicy, predicates,
		).Scan(&def.CreatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create rule version")
		}
		return nil
	})
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row ruleScanner) (*rules.Definition, error) {
	def := &rules.Definition{}
	var predicates []byte

	err := row.Scan(
		&def.ID, &def.FirmID, &def.VendorID, &def.Version, &def.Active,
		&def.RequireGL, &def.ApprovalPolicy, &predicates, &def.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan rule definition")
	}

	if err := json.Unmarshal(predicates, &def.Predicates); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal predicates")
	}
	return def, nil
}
