package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/domain"
)

// Decision values accepted by RecordDecision.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// WorkflowService creates and advances approval workflow instances.
type WorkflowService struct {
	resolver  *RuleResolver
	workflows WorkflowStore
	actions   ActionStore
	overrides OverrideStore
	roles     RoleStore
	audit     *AuditRecorder
	directory DirectoryClient
	publisher EventPublisher
	log       zerolog.Logger
	now       func() time.Time
}

// NewWorkflowService creates a new WorkflowService. directory and publisher
// may be nil; pending-approvals lookups and notifications degrade gracefully.
func NewWorkflowService(
	resolver *RuleResolver,
	workflows WorkflowStore,
	actions ActionStore,
	overrides OverrideStore,
	roles RoleStore,
	audit *AuditRecorder,
	directory DirectoryClient,
	publisher EventPublisher,
	log zerolog.Logger,
) *WorkflowService {
	return &WorkflowService{
		resolver:  resolver,
		workflows: workflows,
		actions:   actions,
		overrides: overrides,
		roles:     roles,
		audit:     audit,
		directory: directory,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

// ── Requests ─────────────────────────────────────────────────────────────────

// CreateWorkflowRequest carries the transaction attributes submitted by an
// owning module.
type CreateWorkflowRequest struct {
	ReferenceType string  `json:"reference_type"`
	ReferenceID   string  `json:"reference_id"`
	Amount        int64   `json:"amount"` // minor units
	Currency      string  `json:"currency"`
	DepartmentID  *string `json:"department_id,omitempty"`
	InitiatedBy   string  `json:"initiated_by"`
}

// DecisionRequest records an approver's decision on one action.
type DecisionRequest struct {
	WorkflowID    string `json:"workflow_id"`
	SequenceOrder int    `json:"sequence_order"`
	ApproverID    string `json:"approver_id"`
	Decision      string `json:"decision"` // approve | reject
	Comment       string `json:"comment,omitempty"`
}

// OverrideRequest applies an administrative override to a pending workflow.
type OverrideRequest struct {
	WorkflowID    string `json:"workflow_id"`
	OverrideID    string `json:"override_id"`
	Justification string `json:"justification,omitempty"`
	AppliedBy     string `json:"applied_by"`
}

// WorkflowStatus is the composite view polled by owning modules and UIs.
type WorkflowStatus struct {
	Workflow *domain.ApprovalWorkflow `json:"workflow"`
	Actions  []*domain.WorkflowAction `json:"actions"`
}

// ── Workflow creation ─────────────────────────────────────────────────────────

// CreateWorkflow resolves the rule for a transaction and materializes its
// approval chain. Creation is idempotent per open (reference_type,
// reference_id): a retry while a non-terminal instance exists returns that
// instance instead of creating a duplicate.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, req *CreateWorkflowRequest) (*WorkflowStatus, error) {
	if !domain.ValidCategory(req.ReferenceType) {
		return nil, apperrors.InvalidInput("reference_type", "unknown transaction category")
	}
	if strings.TrimSpace(req.ReferenceID) == "" {
		return nil, apperrors.InvalidInput("reference_id", "reference id is required")
	}
	if req.Amount <= 0 {
		return nil, apperrors.InvalidInput("amount", "amount must be positive")
	}
	if len(req.Currency) != 3 {
		return nil, apperrors.InvalidInput("currency", "currency must be 3-letter ISO code")
	}
	if strings.TrimSpace(req.InitiatedBy) == "" {
		return nil, apperrors.InvalidInput("initiated_by", "initiator is required")
	}
	category := domain.Category(req.ReferenceType)
	currency := strings.ToUpper(req.Currency)

	// Retry after a transient failure must return the existing instance.
	existing, err := s.workflows.GetOpenByReference(ctx, category, req.ReferenceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existingActions, err := s.actions.ListByWorkflow(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		return &WorkflowStatus{Workflow: existing, Actions: existingActions}, nil
	}

	res, catalogVersion, err := s.resolver.Resolve(ctx, category, req.Amount, currency, req.DepartmentID)
	if err != nil {
		return nil, err
	}
	if res.Kind == domain.ResolutionNoRule {
		return nil, apperrors.Newf(apperrors.ErrCodeNoMatchingRule,
			"no active approval rule covers %s %d %s; submission blocked pending configuration",
			category, req.Amount, currency)
	}

	now := s.now().UTC()
	wf := &domain.ApprovalWorkflow{
		ID:            uuid.NewString(),
		ReferenceType: category,
		ReferenceID:   req.ReferenceID,
		Amount:        req.Amount,
		Currency:      currency,
		DepartmentID:  req.DepartmentID,
		RuleID:        &res.Rule.ID,
		RuleVersion:   &catalogVersion,
		InitiatedBy:   req.InitiatedBy,
		RowVersion:    1,
		SubmittedAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var actions []*domain.WorkflowAction
	if res.Kind == domain.ResolutionAutoApprove {
		wf.Status = domain.StatusAutoApproved
		wf.CurrentLevel = 0
		wf.CompletedAt = &now
	} else {
		wf.Status = domain.StatusPending
		wf.RequiresSequential = res.Rule.RequiresSequential
		wf.EscalationHours = res.Rule.EscalationHours
		wf.CurrentLevel = res.Rule.Approvers[0].SequenceOrder
		actions = s.materializeActions(wf, res.Rule, now)
	}

	if err := s.workflows.Create(ctx, wf, actions); err != nil {
		// A racing submission for the same reference can pass the
		// open-reference read before the winner commits; the unique index
		// decides, and the loser returns the winner's instance.
		if apperrors.Is(err, apperrors.ErrCodeConcurrentModification) {
			winner, werr := s.workflows.GetOpenByReference(ctx, category, req.ReferenceID)
			if werr != nil {
				return nil, werr
			}
			if winner != nil {
				winnerActions, werr := s.actions.ListByWorkflow(ctx, winner.ID)
				if werr != nil {
					return nil, werr
				}
				return &WorkflowStatus{Workflow: winner, Actions: winnerActions}, nil
			}
		}
		return nil, err
	}

	if res.Kind == domain.ResolutionAutoApprove {
		s.log.Info().
			Str("workflow_id", wf.ID).
			Str("reference_id", wf.ReferenceID).
			Str("rule_id", res.Rule.ID).
			Int64("amount", wf.Amount).
			Msg("workflow auto-approved below rule threshold")
		s.audit.Record(ctx, "workflow_auto_approved", "workflow", wf.ID, &wf.ID, nil,
			map[string]any{
				"rule_id":            res.Rule.ID,
				"auto_approve_below": *res.Rule.AutoApproveBelow,
				"amount":             wf.Amount,
			}, req.InitiatedBy)
		s.publish(ctx, "auto_approved", wf, nil)
	} else {
		s.log.Info().
			Str("workflow_id", wf.ID).
			Str("reference_id", wf.ReferenceID).
			Str("rule_id", res.Rule.ID).
			Int("total_actions", len(actions)).
			Bool("sequential", wf.RequiresSequential).
			Msg("approval workflow created")
		s.audit.Record(ctx, "workflow_created", "workflow", wf.ID, &wf.ID, nil,
			map[string]any{
				"rule_id":         res.Rule.ID,
				"catalog_version": catalogVersion,
				"total_actions":   len(actions),
			}, req.InitiatedBy)
		s.publish(ctx, "workflow_created", wf, nil)
		s.publish(ctx, "approval_required", wf, map[string]any{
			"sequence_order": wf.CurrentLevel,
		})
	}

	return &WorkflowStatus{Workflow: wf, Actions: actions}, nil
}

// materializeActions builds one pending action per rule approver, in
// sequence order. An action's escalation clock starts when it becomes
// current: the first step of a sequential chain, or every step of a
// parallel one.
func (s *WorkflowService) materializeActions(wf *domain.ApprovalWorkflow, rule *domain.ApprovalRule, now time.Time) []*domain.WorkflowAction {
	actions := make([]*domain.WorkflowAction, 0, len(rule.Approvers))
	for i, def := range rule.Approvers {
		a := &domain.WorkflowAction{
			ID:             uuid.NewString(),
			WorkflowID:     wf.ID,
			SequenceOrder:  def.SequenceOrder,
			ApprovalRoleID: def.ApprovalRoleID,
			IsMandatory:    def.IsMandatory,
			CanDelegate:    def.CanDelegate,
			Status:         domain.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if rule.EscalationHours != nil && (!rule.RequiresSequential || i == 0) {
			due := now.Add(time.Duration(*rule.EscalationHours) * time.Hour)
			a.DueAt = &due
		}
		actions = append(actions, a)
	}
	return actions
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// RecordDecision applies an approve or reject decision to one action and
// advances the workflow. A rejection is terminal for the whole workflow; an
// approval completes it once no mandatory action remains open.
func (s *WorkflowService) RecordDecision(ctx context.Context, req *DecisionRequest) (*WorkflowStatus, error) {
	if req.Decision != DecisionApprove && req.Decision != DecisionReject {
		return nil, apperrors.InvalidInput("decision", "must be 'approve' or 'reject'")
	}
	if strings.TrimSpace(req.ApproverID) == "" {
		return nil, apperrors.InvalidInput("approver_id", "approver is required")
	}
	if req.Decision == DecisionReject && strings.TrimSpace(req.Comment) == "" {
		return nil, apperrors.InvalidInput("comment", "rejection reason is required")
	}

	wf, err := s.workflows.GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidState,
			"workflow is already %s", wf.Status)
	}

	actions, err := s.actions.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	action := findAction(actions, req.SequenceOrder)
	if action == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound,
			"workflow %s has no action at sequence %d", wf.ID, req.SequenceOrder)
	}
	if !action.Open() {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidState,
			"action %d is already %s", action.SequenceOrder, action.Status)
	}
	if wf.RequiresSequential {
		for _, earlier := range actions {
			if earlier.SequenceOrder < action.SequenceOrder && earlier.IsMandatory && earlier.Open() {
				return nil, apperrors.Newf(apperrors.ErrCodeInvalidState,
					"action %d cannot be decided before mandatory action %d",
					action.SequenceOrder, earlier.SequenceOrder)
			}
		}
	}

	now := s.now().UTC()
	delegated, err := s.applyActor(action, req.ApproverID)
	if err != nil {
		return nil, err
	}
	action.ActedAt = &now
	action.UpdatedAt = now
	if req.Comment != "" && req.Decision == DecisionApprove {
		comment := req.Comment
		action.Comments = &comment
	}

	actionStatusBefore := action.Status
	changed := []*domain.WorkflowAction{action}
	statusBefore := wf.Status

	switch req.Decision {
	case DecisionApprove:
		action.Status = domain.StatusApproved
		changed = append(changed, s.advance(wf, actions, action, now)...)
	case DecisionReject:
		reason := req.Comment
		action.Status = domain.StatusRejected
		action.RejectionReason = &reason
		// A single rejection short-circuits the chain.
		wf.Status = domain.StatusRejected
		wf.CurrentLevel = action.SequenceOrder
		wf.CompletedAt = &now
	}
	wf.UpdatedAt = now

	if err := s.workflows.SaveDecision(ctx, wf, changed); err != nil {
		return nil, err
	}

	auditAction := "action_approved"
	eventType := "approved"
	if req.Decision == DecisionReject {
		auditAction = "action_rejected"
		eventType = "rejected"
	}
	s.log.Info().
		Str("workflow_id", wf.ID).
		Int("sequence_order", action.SequenceOrder).
		Str("decision", req.Decision).
		Str("approver_id", req.ApproverID).
		Bool("delegated", delegated).
		Bool("was_escalated", actionStatusBefore == domain.StatusEscalated).
		Str("workflow_status", string(wf.Status)).
		Msg("approval decision recorded")
	s.audit.Record(ctx, auditAction, "action", action.ID, &wf.ID,
		map[string]any{"workflow_status": statusBefore, "action_status": actionStatusBefore},
		map[string]any{
			"workflow_status": wf.Status,
			"action_status":   action.Status,
			"sequence_order":  action.SequenceOrder,
			"delegated":       delegated,
		}, req.ApproverID)
	s.publish(ctx, eventType, wf, map[string]any{
		"sequence_order": action.SequenceOrder,
		"approver_id":    req.ApproverID,
	})
	if wf.Status == domain.StatusPending && req.Decision == DecisionApprove {
		s.publish(ctx, "approval_required", wf, map[string]any{
			"sequence_order": wf.CurrentLevel,
		})
	}

	return &WorkflowStatus{Workflow: wf, Actions: actions}, nil
}

// applyActor validates the acting approver against the action's assignment,
// recording delegation when a different user acts on a delegatable step.
func (s *WorkflowService) applyActor(action *domain.WorkflowAction, approverID string) (delegated bool, err error) {
	if action.ApproverID == nil || *action.ApproverID == approverID {
		id := approverID
		action.ApproverID = &id
		return false, nil
	}
	if !action.CanDelegate {
		return false, apperrors.Newf(apperrors.ErrCodeUnauthorized,
			"action %d is assigned to another approver and does not allow delegation", action.SequenceOrder)
	}
	original := *action.ApproverID
	actor := approverID
	action.DelegatedFrom = &original
	action.ApproverID = &actor
	return true, nil
}

// advance recomputes the workflow position after an approval or bypass.
// Returns any additional actions whose state changed (newly current steps
// receiving their escalation deadline).
func (s *WorkflowService) advance(wf *domain.ApprovalWorkflow, actions []*domain.WorkflowAction, acted *domain.WorkflowAction, now time.Time) []*domain.WorkflowAction {
	var extra []*domain.WorkflowAction

	next := lowestOpenMandatory(actions)
	if next == nil {
		wf.Status = domain.StatusApproved
		wf.CurrentLevel = acted.SequenceOrder
		wf.CompletedAt = &now
		return nil
	}

	wf.CurrentLevel = next.SequenceOrder
	// The workflow leaves escalated visibility once no open action remains
	// escalated.
	wf.Status = domain.StatusPending
	for _, a := range actions {
		if a.Open() && a.Status == domain.StatusEscalated {
			wf.Status = domain.StatusEscalated
			break
		}
	}

	// Start the escalation clock for steps that just became current. Each
	// step gets the rule's full window from the moment it becomes current,
	// regardless of how long its predecessors deliberated.
	if wf.RequiresSequential && wf.EscalationHours != nil && next.DueAt == nil {
		due := now.Add(time.Duration(*wf.EscalationHours) * time.Hour)
		next.DueAt = &due
		next.UpdatedAt = now
		extra = append(extra, next)
	}
	return extra
}

// ── Overrides ─────────────────────────────────────────────────────────────────

// ApplyOverride bypasses the chain steps named by an override's bypass
// levels. Only pending workflows accept overrides; validity window, category
// applicability, amount cap and justification requirements are enforced.
func (s *WorkflowService) ApplyOverride(ctx context.Context, req *OverrideRequest) (*WorkflowStatus, error) {
	if strings.TrimSpace(req.AppliedBy) == "" {
		return nil, apperrors.InvalidInput("applied_by", "applying user is required")
	}

	wf, err := s.workflows.GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != domain.StatusPending {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidState,
			"override requires a pending workflow, status is %s", wf.Status)
	}

	override, err := s.overrides.GetByID(ctx, req.OverrideID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !override.ValidAt(now) {
		return nil, apperrors.InvalidInput("override_id", "override is inactive or outside its validity window")
	}
	if override.Category != nil && *override.Category != wf.ReferenceType {
		return nil, apperrors.Newf(apperrors.ErrCodeValidation,
			"override applies to %s, workflow is %s", *override.Category, wf.ReferenceType)
	}
	if override.MaxAmount != nil && wf.Amount > *override.MaxAmount {
		return nil, apperrors.Newf(apperrors.ErrCodeValidation,
			"workflow amount %d exceeds override cap %d", wf.Amount, *override.MaxAmount)
	}
	if override.RequireJustification && strings.TrimSpace(req.Justification) == "" {
		return nil, apperrors.InvalidInput("justification", "override requires a documented justification")
	}

	actions, err := s.actions.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	bypass := override.BypassSet()
	var changed []*domain.WorkflowAction
	var bypassed []int
	for _, a := range actions {
		if !a.Open() || !bypass[a.SequenceOrder] {
			continue
		}
		overrideID := override.ID
		a.Status = domain.StatusAutoApproved
		a.OverrideID = &overrideID
		a.ActedAt = &now
		a.UpdatedAt = now
		changed = append(changed, a)
		bypassed = append(bypassed, a.SequenceOrder)
	}
	if len(bypassed) == 0 {
		return nil, apperrors.InvalidInput("override_id", "override bypasses no open action of this workflow")
	}

	overrideID := override.ID
	wf.OverrideID = &overrideID
	if req.Justification != "" {
		justification := req.Justification
		wf.OverrideJustification = &justification
	}

	next := lowestOpenMandatory(actions)
	if next == nil {
		// Every remaining mandatory step was bypassed.
		wf.Status = domain.StatusApproved
		wf.CurrentLevel = bypassed[len(bypassed)-1]
		wf.CompletedAt = &now
	} else {
		wf.CurrentLevel = next.SequenceOrder
		if wf.RequiresSequential && wf.EscalationHours != nil && next.DueAt == nil {
			due := now.Add(time.Duration(*wf.EscalationHours) * time.Hour)
			next.DueAt = &due
			next.UpdatedAt = now
			changed = append(changed, next)
		}
	}
	wf.UpdatedAt = now

	if err := s.workflows.SaveDecision(ctx, wf, changed); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("override_id", override.ID).
		Str("override_type", string(override.OverrideType)).
		Ints("bypassed_levels", bypassed).
		Str("workflow_status", string(wf.Status)).
		Msg("override applied")
	s.audit.Record(ctx, "override_applied", "workflow", wf.ID, &wf.ID, nil,
		map[string]any{
			"override_id":     override.ID,
			"override_type":   override.OverrideType,
			"bypassed_levels": bypassed,
			"justification":   req.Justification,
			"workflow_status": wf.Status,
		}, req.AppliedBy)
	s.publish(ctx, "override_applied", wf, map[string]any{
		"override_id":     override.ID,
		"bypassed_levels": bypassed,
	})

	return &WorkflowStatus{Workflow: wf, Actions: actions}, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetWorkflowStatus returns the latest workflow and its actions for a
// transaction reference.
func (s *WorkflowService) GetWorkflowStatus(ctx context.Context, refType domain.Category, refID string) (*WorkflowStatus, error) {
	wf, err := s.workflows.GetLatestByReference(ctx, refType, refID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, apperrors.NotFound("approval_workflow", refID)
	}
	actions, err := s.actions.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	return &WorkflowStatus{Workflow: wf, Actions: actions}, nil
}

// ListPendingForApprover returns the open actions awaiting any of the
// user's roles, for "my approvals" views.
func (s *WorkflowService) ListPendingForApprover(ctx context.Context, userID string) ([]*domain.WorkflowAction, error) {
	if s.directory == nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "directory client is not configured")
	}
	roleCodes, err := s.directory.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to resolve user roles")
	}
	if len(roleCodes) == 0 {
		return nil, nil
	}

	roles, err := s.roles.List(ctx, true)
	if err != nil {
		return nil, err
	}
	codeSet := make(map[string]bool, len(roleCodes))
	for _, code := range roleCodes {
		codeSet[code] = true
	}
	var roleIDs []string
	for _, role := range roles {
		if codeSet[role.Code] {
			roleIDs = append(roleIDs, role.ID)
		}
	}
	return s.actions.ListPendingForRoles(ctx, roleIDs)
}

// GetAuditTrail returns the full audit history for a workflow.
func (s *WorkflowService) GetAuditTrail(ctx context.Context, workflowID string) ([]*domain.AuditEntry, error) {
	if _, err := s.workflows.GetByID(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.audit.store.ListByWorkflow(ctx, workflowID)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (s *WorkflowService) publish(ctx context.Context, eventType string, wf *domain.ApprovalWorkflow, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishWorkflowEvent(ctx, eventType, wf, payload)
}

func findAction(actions []*domain.WorkflowAction, sequenceOrder int) *domain.WorkflowAction {
	for _, a := range actions {
		if a.SequenceOrder == sequenceOrder {
			return a
		}
	}
	return nil
}

func lowestOpenMandatory(actions []*domain.WorkflowAction) *domain.WorkflowAction {
	var lowest *domain.WorkflowAction
	for _, a := range actions {
		if !a.IsMandatory || !a.Open() {
			continue
		}
		if lowest == nil || a.SequenceOrder < lowest.SequenceOrder {
			lowest = a
		}
	}
	return lowest
}
