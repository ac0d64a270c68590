package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/repository"
	"github.com/ledgerflow/ap-approvals/internal/rules"
)

// RuleService runs the deterministic rule engine against invoices and manages
// vendor rule definition versions.
type RuleService struct {
	invoices InvoiceStore
	rules    RuleStore
	log      zerolog.Logger

	now   func() time.Time
	newID func() string
}

func NewRuleService(invoices InvoiceStore, ruleStore RuleStore, log zerolog.Logger) *RuleService {
	return &RuleService{
		invoices: invoices,
		rules:    ruleStore,
		log:      log,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// ApplyActiveRule evaluates the vendor's active rule definition against the
// invoice and persists the outcome in one transaction: line coding updates,
// the rule application record and the settled invoice status (draft, or
// needs_review when eligibility failed). The full evaluation result is
// returned so callers can display decisions and conflicts.
func (s *RuleService) ApplyActiveRule(ctx context.Context, sess Session, invoiceID string, matchStatus rules.VendorMatchStatus, matchConfidence float64) (*rules.Result, error) {
	inv, err := s.invoices.Get(ctx, sess.FirmID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.VendorID == "" {
		return nil, apperrors.InvalidInput("vendor_id", "invoice has no vendor, nothing to evaluate")
	}

	def, err := s.rules.GetActiveDefinition(ctx, sess.FirmID, inv.VendorID)
	if err != nil {
		return nil, err
	}

	result, err := rules.Apply(inv.Snapshot(), def, matchStatus, matchConfidence)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode evaluation result")
	}

	needsReview := result.NeedsReview()
	app := &repository.RuleApplication{
		ID:          s.newID(),
		FirmID:      sess.FirmID,
		InvoiceID:   invoiceID,
		RuleID:      def.ID,
		RuleVersion: def.Version,
		NeedsReview: needsReview,
		Result:      raw,
	}
	if err := s.invoices.ApplyCoding(ctx, sess.FirmID, invoiceID, result.Proposed.LineUpdates, app, needsReview); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("firm_id", sess.FirmID).
		Str("invoice_id", invoiceID).
		Str("rule_id", def.ID).
		Int("rule_version", def.Version).
		Str("vendor_match_status", string(matchStatus)).
		Float64("vendor_match_confidence", matchConfidence).
		Bool("needs_review", needsReview).
		Int("decisions", len(result.Decisions)).
		Msg("rule definition applied to invoice")

	return result, nil
}

// CreateRuleVersion publishes a new immutable version of a vendor's rule
// definition and activates it, deactivating the prior version. The definition
// is validated up front so a broken configuration never becomes active.
func (s *RuleService) CreateRuleVersion(ctx context.Context, sess Session, def *rules.Definition) (*rules.Definition, error) {
	def.FirmID = sess.FirmID
	if def.ID == "" {
		def.ID = s.newID()
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := s.rules.CreateVersion(ctx, def); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("firm_id", sess.FirmID).
		Str("vendor_id", def.VendorID).
		Int("version", def.Version).
		Msg("rule definition version created")

	return def, nil
}

// GetActiveDefinition returns the vendor's currently active rule definition.
func (s *RuleService) GetActiveDefinition(ctx context.Context, sess Session, vendorID string) (*rules.Definition, error) {
	return s.rules.GetActiveDefinition(ctx, sess.FirmID, vendorID)
}

// GetVersion returns one specific rule definition version for a vendor.
func (s *RuleService) GetVersion(ctx context.Context, sess Session, vendorID string, version int) (*rules.Definition, error) {
	return s.rules.GetVersion(ctx, sess.FirmID, vendorID, version)
}

// ListVersions returns all rule definition versions for a vendor, newest
// first.
func (s *RuleService) ListVersions(ctx context.Context, sess Session, vendorID string) ([]*rules.Definition, error) {
	return s.rules.ListVersions(ctx, sess.FirmID, vendorID)
}
