package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/domain"
	"github.com/procureline/be-approvals/internal/service"
)

// HTTPHandler handles HTTP requests for the approval workflow engine.
type HTTPHandler struct {
	workflows *service.WorkflowService
	catalog   *service.CatalogService
	log       zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(workflows *service.WorkflowService, catalog *service.CatalogService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		workflows: workflows,
		catalog:   catalog,
		log:       log,
	}
}

// Routes mounts all endpoints on the given router.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", h.CreateWorkflow)
			r.Get("/status", h.GetWorkflowStatus)
			r.Post("/decision", h.RecordDecision)
			r.Post("/override", h.ApplyOverride)
			r.Get("/audit", h.GetAuditTrail)
		})
		r.Get("/approvals/pending", h.ListPendingApprovals)

		r.Route("/admin", func(r chi.Router) {
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", h.ListRules)
				r.Post("/", h.CreateRule)
				r.Put("/{ruleID}", h.UpdateRule)
				r.Delete("/{ruleID}", h.DeactivateRule)
			})
			r.Route("/overrides", func(r chi.Router) {
				r.Get("/", h.ListOverrides)
				r.Post("/", h.CreateOverride)
				r.Delete("/{overrideID}", h.DeactivateOverride)
			})
			r.Route("/roles", func(r chi.Router) {
				r.Get("/", h.ListRoles)
				r.Post("/", h.CreateRole)
			})
			r.Route("/matrix-versions", func(r chi.Router) {
				r.Get("/", h.ListMatrixVersions)
				r.Get("/{versionNumber}", h.GetMatrixVersion)
			})
		})
	})
}

// ── Workflow endpoints ────────────────────────────────────────────────────────

// CreateWorkflow submits a transaction for approval.
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "invalid request body"))
		return
	}

	status, err := h.workflows.CreateWorkflow(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, status)
}

// GetWorkflowStatus returns the latest workflow for a transaction reference.
func (h *HTTPHandler) GetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	refType := r.URL.Query().Get("reference_type")
	refID := r.URL.Query().Get("reference_id")
	if !domain.ValidCategory(refType) || refID == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation,
			"reference_type and reference_id are required"))
		return
	}

	status, err := h.workflows.GetWorkflowStatus(r.Context(), domain.Category(refType), refID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// RecordDecision records an approve or reject decision. A decision that loses
// an optimistic-lock race is retried once against fresh state before the
// conflict is surfaced.
func (h *HTTPHandler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	var req service.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "invalid request body"))
		return
	}

	status, err := h.workflows.RecordDecision(r.Context(), &req)
	if apperrors.Is(err, apperrors.ErrCodeConcurrentModification) {
		h.log.Debug().Str("workflow_id", req.WorkflowID).Msg("decision lost row-version race, retrying once")
		status, err = h.workflows.RecordDecision(r.Context(), &req)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// ApplyOverride applies an administrative override to a pending workflow.
func (h *HTTPHandler) ApplyOverride(w http.ResponseWriter, r *http.Request) {
	var req service.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "invalid request body"))
		return
	}

	status, err := h.workflows.ApplyOverride(r.Context(), &req)
	if apperrors.Is(err, apperrors.ErrCodeConcurrentModification) {
		h.log.Debug().Str("workflow_id", req.WorkflowID).Msg("override lost row-version race, retrying once")
		status, err = h.workflows.ApplyOverride(r.Context(), &req)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// ListPendingApprovals returns the open actions awaiting the user's roles.
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "user_id is required"))
		return
	}

	actions, err := h.workflows.ListPendingForApprover(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []*domain.WorkflowAction{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"actions": actions, "total": len(actions)})
}

// GetAuditTrail returns the audit history of one workflow.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "workflow_id is required"))
		return
	}

	entries, err := h.workflows.GetAuditTrail(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": len(entries)})
}

// ── Catalog administration endpoints ─────────────────────────────────────────

// ListRules returns the rule catalog.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.catalog.ListRules(r.Context(), r.URL.Query().Get("active_only") == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "total": len(rules)})
}

// CreateRule adds a rule to the catalog.
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req service.RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "invalid request body"))
		return
	}

	write, err := h.catalog.CreateRule(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, write)
}

// UpdateRule edits an existing rule.
func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req service.RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "invalid request body"))
		return
	}

	write, err := h.catalog.UpdateRule(r.Context(), chi.URLParam(r, "ruleID"), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, write)
}

// DeactivateRule retires a rule from resolution.
func (h *HTTPHandler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	performedBy := r.URL.Query().Get("performed_by")
	if performedBy == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "performed_by is required"))
		return
	}

	write, err := h.catalog.DeactivateRule(r.Context(), chi.URLParam(r, "ruleID"), performedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, write)
}

// ListOverrides returns override definitions.
func (h *HTTPHandler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.catalog.ListOverrides(r.Context(), r.URL.Query().Get("active_only") == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides, "total": len(overrides)})
}

// CreateOverride adds an override definition.
func (h *HTTPHandler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	var req service.OverrideDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "invalid request body"))
		return
	}

	write, err := h.catalog.CreateOverride(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, write)
}

// DeactivateOverride disables an override definition.
func (h *HTTPHandler) DeactivateOverride(w http.ResponseWriter, r *http.Request) {
	performedBy := r.URL.Query().Get("performed_by")
	if performedBy == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "performed_by is required"))
		return
	}

	write, err := h.catalog.DeactivateOverride(r.Context(), chi.URLParam(r, "overrideID"), performedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, write)
}

// ListRoles returns approver roles.
func (h *HTTPHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.catalog.ListRoles(r.Context(), r.URL.Query().Get("active_only") == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"roles": roles, "total": len(roles)})
}

// CreateRole adds an approver role.
func (h *HTTPHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req service.RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "invalid request body"))
		return
	}

	write, err := h.catalog.CreateRole(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, write)
}

// ListMatrixVersions returns catalog snapshots newest-first.
func (h *HTTPHandler) ListMatrixVersions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	versions, err := h.catalog.ListMatrixVersions(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "total": len(versions)})
}

// GetMatrixVersion returns one catalog snapshot.
func (h *HTTPHandler) GetMatrixVersion(w http.ResponseWriter, r *http.Request) {
	versionNumber, err := strconv.Atoi(chi.URLParam(r, "versionNumber"))
	if err != nil || versionNumber < 1 {
		h.writeError(w, r, apperrors.New(apperrors.ErrCodeValidation, "version number must be a positive integer"))
		return
	}

	mv, err := h.catalog.GetMatrixVersion(r.Context(), versionNumber)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mv)
}

// ── Response helpers ─────────────────────────────────────────────────────────

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	h.writeJSON(w, status, errorResponse{
		Code:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
	})
}
