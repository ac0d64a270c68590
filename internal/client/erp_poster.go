package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
)

// postSubject is consumed by the GL posting worker.
const postSubject = "erp.ap.post_invoice"

// ERPPoster hands fully approved invoices to the asynchronous ERP posting
// pipeline over JetStream. The command is durable once acked by the broker;
// the posting worker owns retries from there.
type ERPPoster struct {
	js  nats.JetStreamContext
	log zerolog.Logger
}

// PostCommand is the JSON schema of a posting command.
type PostCommand struct {
	FirmID     string    `json:"firm_id"`
	InvoiceID  string    `json:"invoice_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

// NewERPPoster creates a poster backed by the given JetStream context.
func NewERPPoster(js nats.JetStreamContext, log zerolog.Logger) *ERPPoster {
	return &ERPPoster{js: js, log: log}
}

// PostApproved enqueues the invoice for posting.
func (p *ERPPoster) PostApproved(ctx context.Context, firmID, invoiceID string) error {
	if p.js == nil {
		p.log.Warn().
			Str("invoice_id", invoiceID).
			Msg("erp: no broker configured, posting command dropped")
		return nil
	}

	cmd := &PostCommand{
		FirmID:     firmID,
		InvoiceID:  invoiceID,
		ApprovedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode posting command")
	}

	if _, err := p.js.Publish(postSubject, data, nats.Context(ctx)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to enqueue posting command")
	}

	p.log.Info().
		Str("firm_id", firmID).
		Str("invoice_id", invoiceID).
		Msg("erp: posting command enqueued")
	return nil
}
