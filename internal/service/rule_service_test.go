package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/logger"
	"github.com/ledgerflow/ap-approvals/internal/repository"
	"github.com/ledgerflow/ap-approvals/internal/rules"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

func newRuleFixture(invoices *fakeInvoiceStore, ruleStore *fakeRuleStore) *RuleService {
	svc := NewRuleService(invoices, ruleStore, logger.Nop().Logger)
	svc.now = func() time.Time { return fixedNow }
	svc.newID = sequentialIDs("rid")
	return svc
}

func hostingRule() *rules.Definition {
	return &rules.Definition{
		ID: "rule-1", FirmID: "firm-1", VendorID: "vendor-1", Version: 3,
		Active: true, ApprovalPolicy: "manager",
		Predicates: []rules.Predicate{{
			ID:       "p-hosting",
			Priority: 1,
			Match:    rules.MatchCondition{Kind: rules.MatchDescriptionContains, Contains: "services"},
			SetGL:    "6400",
		}},
	}
}

func TestApplyActiveRule_PersistsCodingAndResult(t *testing.T) {
	invoices := newFakeInvoiceStore(draftInvoice("inv-1", "500"))
	svc := newRuleFixture(invoices, newFakeRuleStore(hostingRule()))

	result, err := svc.ApplyActiveRule(context.Background(), sess, "inv-1", rules.VendorMatched, 0.97)
	require.NoError(t, err)

	assert.False(t, result.NeedsReview())
	require.Len(t, result.Proposed.LineUpdates, 1)
	assert.Equal(t, "manager", result.Proposed.ApprovalPolicy)

	require.Len(t, invoices.codings, 1)
	call := invoices.codings[0]
	assert.False(t, call.needsReview)
	assert.Equal(t, "rule-1", call.app.RuleID)
	assert.Equal(t, 3, call.app.RuleVersion)

	// The persisted result is the full evaluation outcome.
	var stored rules.Result
	require.NoError(t, json.Unmarshal(call.app.Result, &stored))
	assert.Equal(t, result.Decisions, stored.Decisions)

	inv, _ := invoices.Get(context.Background(), "firm-1", "inv-1")
	assert.Equal(t, approval.InvoiceStatusDraft, inv.Status)
}

func TestApplyActiveRule_UnmatchedVendorParksForReview(t *testing.T) {
	invoices := newFakeInvoiceStore(draftInvoice("inv-1", "500"))
	svc := newRuleFixture(invoices, newFakeRuleStore(hostingRule()))

	result, err := svc.ApplyActiveRule(context.Background(), sess, "inv-1", rules.VendorUnmatched, 0.3)
	require.NoError(t, err)

	assert.True(t, result.NeedsReview())
	inv, _ := invoices.Get(context.Background(), "firm-1", "inv-1")
	assert.Equal(t, repository.InvoiceStatusNeedsReview, inv.Status)

	// A later matched run settles the invoice back to draft.
	result, err = svc.ApplyActiveRule(context.Background(), sess, "inv-1", rules.VendorMatched, 0.99)
	require.NoError(t, err)
	assert.False(t, result.NeedsReview())
	inv, _ = invoices.Get(context.Background(), "firm-1", "inv-1")
	assert.Equal(t, approval.InvoiceStatusDraft, inv.Status)
}

func TestApplyActiveRule_NoActiveDefinition(t *testing.T) {
	svc := newRuleFixture(newFakeInvoiceStore(draftInvoice("inv-1", "500")), newFakeRuleStore())

	_, err := svc.ApplyActiveRule(context.Background(), sess, "inv-1", rules.VendorMatched, 1)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}

func TestApplyActiveRule_InvoiceWithoutVendor(t *testing.T) {
	inv := draftInvoice("inv-1", "500")
	inv.VendorID = ""
	svc := newRuleFixture(newFakeInvoiceStore(inv), newFakeRuleStore(hostingRule()))

	_, err := svc.ApplyActiveRule(context.Background(), sess, "inv-1", rules.VendorMatched, 1)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestApplyActiveRule_RefusesWhilePendingApproval(t *testing.T) {
	inv := draftInvoice("inv-1", "500")
	inv.Status = approval.InvoiceStatusPendingApproval
	svc := newRuleFixture(newFakeInvoiceStore(inv), newFakeRuleStore(hostingRule()))

	_, err := svc.ApplyActiveRule(context.Background(), sess, "inv-1", rules.VendorMatched, 1)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
}

func TestCreateRuleVersion(t *testing.T) {
	store := newFakeRuleStore(hostingRule())
	svc := newRuleFixture(newFakeInvoiceStore(), store)
	ctx := context.Background()

	created, err := svc.CreateRuleVersion(ctx, sess, &rules.Definition{
		VendorID: "vendor-1",
		Predicates: []rules.Predicate{{
			ID: "p-all", Priority: 9, Match: rules.MatchCondition{Kind: rules.MatchAlways}, SetGL: "6000",
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "firm-1", created.FirmID)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active)
	assert.Equal(t, 2, created.Version)

	active, err := svc.GetActiveDefinition(ctx, sess, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)

	versions, err := svc.ListVersions(ctx, sess, "vendor-1")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	v1, err := svc.GetVersion(ctx, sess, "vendor-1", 3)
	require.NoError(t, err)
	assert.Equal(t, "rule-1", v1.ID)
}

func TestCreateRuleVersion_RejectsInvalidDefinition(t *testing.T) {
	svc := newRuleFixture(newFakeInvoiceStore(), newFakeRuleStore())

	// Catch-all shadowing a later predicate is a configuration defect.
	_, err := svc.CreateRuleVersion(context.Background(), sess, &rules.Definition{
		VendorID: "vendor-1",
		Predicates: []rules.Predicate{
			{ID: "p-all", Priority: 1, Match: rules.MatchCondition{Kind: rules.MatchAlways}},
			{ID: "p-x", Priority: 2, Match: rules.MatchCondition{Kind: rules.MatchDescriptionContains, Contains: "x"}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestInvoiceService_Create(t *testing.T) {
	invoices := newFakeInvoiceStore()
	svc := NewInvoiceService(invoices, newFakeSetupStore(), logger.Nop().Logger)
	svc.newID = sequentialIDs("inv")
	ctx := context.Background()

	created, err := svc.Create(ctx, sess, &NewInvoiceInput{
		VendorID:      "vendor-1",
		InvoiceNumber: "INV-042",
		Currency:      "NZD",
		Total:         dec("150"),
		Lines: []NewLineInput{
			{Description: "widgets", Qty: decimal.NewFromInt(10), UnitPrice: dec("10")},
			{Description: "freight", Qty: decimal.NewFromInt(1), UnitPrice: dec("50"), Amount: dec("50")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, approval.InvoiceStatusDraft, created.Status)
	require.Len(t, created.Lines, 2)
	// A zero amount is derived from qty and unit price.
	assert.True(t, created.Lines[0].Amount.Equal(dec("100")))
	assert.Equal(t, 0, created.Lines[0].LineIndex)
	assert.Equal(t, 1, created.Lines[1].LineIndex)

	got, err := svc.Get(ctx, sess, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestInvoiceService_CreateValidation(t *testing.T) {
	svc := NewInvoiceService(newFakeInvoiceStore(), newFakeSetupStore(), logger.Nop().Logger)
	ctx := context.Background()

	_, err := svc.Create(ctx, sess, &NewInvoiceInput{Currency: "NZD"})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	_, err = svc.Create(ctx, sess, &NewInvoiceInput{
		Currency: "NZD",
		Total:    dec("999"),
		Lines:    []NewLineInput{{Description: "x", Qty: decimal.NewFromInt(1), UnitPrice: dec("10"), Amount: dec("10")}},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "does not equal line sum")
}

func TestInvoiceService_UserSetup(t *testing.T) {
	setups := newFakeSetupStore()
	svc := NewInvoiceService(newFakeInvoiceStore(), setups, logger.Nop().Logger)
	ctx := context.Background()

	deputy := "deputy"
	require.NoError(t, svc.UpsertUserSetup(ctx, sess, &substitute.UserSetup{
		UserID: "u1", Active: true, SubstituteUserID: &deputy,
	}))

	got, err := svc.GetUserSetup(ctx, sess, "u1")
	require.NoError(t, err)
	assert.Equal(t, "deputy", *got.SubstituteUserID)

	// Self-delegation is rejected.
	self := "u2"
	err = svc.UpsertUserSetup(ctx, sess, &substitute.UserSetup{
		UserID: "u2", Active: true, SubstituteUserID: &self,
	})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	_, err = svc.GetUserSetup(ctx, sess, "nobody")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}
