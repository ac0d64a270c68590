// Package handler exposes the approval engine over HTTP. Identity arrives as
// X-Firm-ID / X-User-ID headers set by the gateway; the handler translates
// coded engine errors to HTTP statuses and renders {error: message} bodies.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ledgerflow/ap-approvals/internal/apperrors"
	"github.com/ledgerflow/ap-approvals/internal/approval"
	"github.com/ledgerflow/ap-approvals/internal/rules"
	"github.com/ledgerflow/ap-approvals/internal/service"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

type Handler struct {
	invoices *service.InvoiceService
	rules    *service.RuleService
	plans    *service.PlanService
	log      zerolog.Logger
}

func New(invoices *service.InvoiceService, ruleSvc *service.RuleService, plans *service.PlanService, log zerolog.Logger) *Handler {
	return &Handler{invoices: invoices, rules: ruleSvc, plans: plans, log: log}
}

// Routes registers all endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.health)

	mux.HandleFunc("POST /api/v1/invoices", h.createInvoice)
	mux.HandleFunc("GET /api/v1/invoices/{id}", h.getInvoice)
	mux.HandleFunc("POST /api/v1/invoices/{id}/rules/apply", h.applyRules)
	mux.HandleFunc("POST /api/v1/invoices/{id}/approval", h.approvalAction)
	mux.HandleFunc("GET /api/v1/invoices/{id}/approval", h.getPlan)
	mux.HandleFunc("DELETE /api/v1/invoices/{id}/approval", h.cancelPlan)
	mux.HandleFunc("GET /api/v1/invoices/{id}/approvals", h.history)

	mux.HandleFunc("GET /api/v1/approvals/inbox", h.inbox)
	mux.HandleFunc("GET /api/v1/policies", h.listPolicies)

	mux.HandleFunc("POST /api/v1/rules", h.createRuleVersion)
	mux.HandleFunc("GET /api/v1/rules/{vendorId}", h.getActiveRule)
	mux.HandleFunc("GET /api/v1/rules/{vendorId}/versions", h.listRuleVersions)
	mux.HandleFunc("GET /api/v1/rules/{vendorId}/versions/{version}", h.getRuleVersion)

	mux.HandleFunc("PUT /api/v1/users/{id}/setup", h.upsertUserSetup)
	mux.HandleFunc("GET /api/v1/users/{id}/setup", h.getUserSetup)

	return mux
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var in service.NewInvoiceInput
	if !h.decode(w, r, &in) {
		return
	}
	inv, err := h.invoices.Create(r.Context(), sess, &in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, invoiceResponse(inv))
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	inv, err := h.invoices.Get(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceResponse(inv))
}

type applyRulesRequest struct {
	VendorMatchStatus     string  `json:"vendor_match_status"`
	VendorMatchConfidence float64 `json:"vendor_match_confidence"`
}

func (h *Handler) applyRules(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req applyRulesRequest
	if !h.decode(w, r, &req) {
		return
	}
	status := rules.VendorMatchStatus(req.VendorMatchStatus)
	switch status {
	case rules.VendorMatched, rules.VendorUnmatched, rules.VendorAmbiguous:
	default:
		h.writeError(w, r, apperrors.InvalidInput("vendor_match_status",
			"must be one of matched, unmatched, ambiguous"))
		return
	}
	result, err := h.rules.ApplyActiveRule(r.Context(), sess, r.PathValue("id"), status, req.VendorMatchConfidence)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type approvalActionRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
	ScopeID string `json:"scopeId,omitempty"`
}

// approvalAction is the single action endpoint: status "pending" submits the
// invoice and creates a plan; "approved" and "rejected" act on the current
// plan's actionable step.
func (h *Handler) approvalAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req approvalActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	invoiceID := r.PathValue("id")

	switch req.Status {
	case "pending":
		plan, err := h.plans.EnsureActivePlan(r.Context(), sess, invoiceID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, planResponse(plan))
	case "approved", "rejected":
		action := approval.ActionApprove
		if req.Status == "rejected" {
			action = approval.ActionReject
		}
		outcome, record, err := h.plans.Act(r.Context(), sess, invoiceID, req.ScopeID, action, req.Comment)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, outcomeResponse(outcome, record))
	default:
		h.writeError(w, r, apperrors.InvalidInput("status",
			"must be one of pending, approved, rejected"))
	}
}

func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	plan, err := h.plans.GetPlan(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse(plan))
}

func (h *Handler) cancelPlan(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.plans.Cancel(r.Context(), sess, r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	records, err := h.plans.History(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]*approvalRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, approvalRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": out})
}

func (h *Handler) inbox(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	steps, err := h.plans.Inbox(r.Context(), sess)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]*inboxItem, 0, len(steps))
	for _, step := range steps {
		out = append(out, inboxItemResponse(step))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": out})
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	policies, err := h.plans.ListPolicies(r.Context(), sess)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]*policyView, 0, len(policies))
	for _, p := range policies {
		out = append(out, policyResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": out})
}

func (h *Handler) createRuleVersion(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var def rules.Definition
	if !h.decode(w, r, &def) {
		return
	}
	created, err := h.rules.CreateRuleVersion(r.Context(), sess, &def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getActiveRule(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	def, err := h.rules.GetActiveDefinition(r.Context(), sess, r.PathValue("vendorId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *Handler) listRuleVersions(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	defs, err := h.rules.ListVersions(r.Context(), sess, r.PathValue("vendorId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": defs})
}

func (h *Handler) getRuleVersion(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		h.writeError(w, r, apperrors.InvalidInput("version", "must be an integer"))
		return
	}
	def, err := h.rules.GetVersion(r.Context(), sess, r.PathValue("vendorId"), version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *Handler) upsertUserSetup(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req userSetupRequest
	if !h.decode(w, r, &req) {
		return
	}
	setup := &substitute.UserSetup{
		UserID:           r.PathValue("id"),
		Active:           req.Active,
		SubstituteUserID: req.SubstituteUserID,
		SubstituteFrom:   req.SubstituteFrom,
		SubstituteTo:     req.SubstituteTo,
	}
	if err := h.invoices.UpsertUserSetup(r.Context(), sess, setup); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userSetupResponse(setup))
}

func (h *Handler) getUserSetup(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	setup, err := h.invoices.GetUserSetup(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userSetupResponse(setup))
}

// session extracts the gateway-provided identity headers. Both are required;
// a missing header is an unauthenticated request.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (service.Session, bool) {
	firmID := r.Header.Get("X-Firm-ID")
	userID := r.Header.Get("X-User-ID")
	if firmID == "" || userID == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthorized, "missing identity headers"))
		return service.Session{}, false
	}
	return service.Session{FirmID: firmID, UserID: userID}, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid request body"))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)

	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if code == apperrors.ErrCodeInternal {
		h.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		message = "internal server error"
	}

	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
