package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/database"
)

// AuditRepository reads the append-only invoice approval trail. Writes happen
// inside plan transactions (see PlanRepository); the table carries a
// delete-prevention trigger so no mutation operations are exposed here.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// ListByInvoice returns the full approval trail for an invoice, oldest first.
func (r *AuditRepository) ListByInvoice(ctx context.Context, firmID, invoiceID string) ([]*InvoiceApproval, error) {
	query := `
		SELECT id, firm_id, invoice_id, plan_id, scope_id, step_id,
		       action, actor_id, resulting_status, comment, acted_at, metadata
		FROM invoice_approvals
		WHERE firm_id = $1 AND invoice_id = $2
		ORDER BY acted_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, firmID, invoiceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval records")
	}
	defer rows.Close()

	return scanApprovals(rows)
}

func scanApprovals(rows pgx.Rows) ([]*InvoiceApproval, error) {
	var entries []*InvoiceApproval
	for rows.Next() {
		entry := &InvoiceApproval{}
		var metadata []byte
		err := rows.Scan(
			&entry.ID, &entry.FirmID, &entry.InvoiceID, &entry.PlanID, &entry.ScopeID, &entry.StepID,
			&entry.Action, &entry.ActorID, &entry.ResultingStatus, &entry.Comment, &entry.ActedAt, &metadata,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval record")
		}
		if metadata != nil {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal approval metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal approval metadata")
	}
	return data, nil
}
