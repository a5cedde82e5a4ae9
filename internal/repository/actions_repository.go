package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/database"
	"github.com/procureline/be-approvals/internal/domain"
)

// ActionsRepository handles reads and conditional updates on workflow
// actions. Action creation is handled transactionally by WorkflowRepository.
type ActionsRepository struct {
	db *database.DB
}

// NewActionsRepository creates a new ActionsRepository.
func NewActionsRepository(db *database.DB) *ActionsRepository {
	return &ActionsRepository{db: db}
}

const actionColumns = `
	id, workflow_id, sequence_order, approval_role_id,
	is_mandatory, can_delegate, approver_id, status,
	delegated_from, comments, rejection_reason, override_id,
	acted_at, due_at, created_at, updated_at
`

// ListByWorkflow returns all actions for a workflow ordered by sequence.
func (r *ActionsRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*domain.WorkflowAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM approval_workflow_actions
		WHERE workflow_id = $1
		ORDER BY sequence_order ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list workflow actions")
	}
	defer rows.Close()

	return scanActions(rows)
}

// Get returns the action at the given sequence within a workflow.
func (r *ActionsRepository) Get(ctx context.Context, workflowID string, sequenceOrder int) (*domain.WorkflowAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM approval_workflow_actions
		WHERE workflow_id = $1 AND sequence_order = $2
	`

	a, err := scanAction(r.db.QueryRow(ctx, query, workflowID, sequenceOrder))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_action", workflowID)
	}
	return a, err
}

// ListPendingForRoles returns all open actions in non-terminal workflows
// whose required role is one of roleIDs, oldest deadline first. Escalated
// actions are included since they remain actionable.
func (r *ActionsRepository) ListPendingForRoles(ctx context.Context, roleIDs []string) ([]*domain.WorkflowAction, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT a.id, a.workflow_id, a.sequence_order, a.approval_role_id,
		       a.is_mandatory, a.can_delegate, a.approver_id, a.status,
		       a.delegated_from, a.comments, a.rejection_reason, a.override_id,
		       a.acted_at, a.due_at, a.created_at, a.updated_at
		FROM approval_workflow_actions a
		JOIN approval_workflows w ON w.id = a.workflow_id
		WHERE a.approval_role_id = ANY($1)
		  AND a.status IN ('pending', 'escalated')
		  AND w.status IN ('pending', 'escalated')
		ORDER BY a.due_at ASC NULLS LAST, a.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, roleIDs)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanActions(rows)
}

// ListOverdue returns pending actions in non-terminal workflows whose
// escalation deadline has passed. Actions left behind by a rejection
// short-circuit belong to a terminal workflow and are never swept.
func (r *ActionsRepository) ListOverdue(ctx context.Context, asOf time.Time, limit int) ([]*domain.WorkflowAction, error) {
	query := `
		SELECT a.id, a.workflow_id, a.sequence_order, a.approval_role_id,
		       a.is_mandatory, a.can_delegate, a.approver_id, a.status,
		       a.delegated_from, a.comments, a.rejection_reason, a.override_id,
		       a.acted_at, a.due_at, a.created_at, a.updated_at
		FROM approval_workflow_actions a
		JOIN approval_workflows w ON w.id = a.workflow_id
		WHERE a.status = 'pending'
		  AND a.due_at IS NOT NULL
		  AND a.due_at <= $1
		  AND w.status IN ('pending', 'escalated')
		ORDER BY a.due_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list overdue actions")
	}
	defer rows.Close()

	return scanActions(rows)
}

// Escalate moves a pending action to escalated. The status predicate makes
// the transition idempotent across concurrent sweep workers; false means
// another worker got there first or the action was acted on meanwhile.
func (r *ActionsRepository) Escalate(ctx context.Context, actionID string) (bool, error) {
	query := `
		UPDATE approval_workflow_actions
		SET status     = 'escalated'::approval_status,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, actionID)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to escalate action")
	}
	return tag.RowsAffected() > 0, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAction(row rowScanner) (*domain.WorkflowAction, error) {
	a := &domain.WorkflowAction{}
	err := row.Scan(
		&a.ID,
		&a.WorkflowID,
		&a.SequenceOrder,
		&a.ApprovalRoleID,
		&a.IsMandatory,
		&a.CanDelegate,
		&a.ApproverID,
		&a.Status,
		&a.DelegatedFrom,
		&a.Comments,
		&a.RejectionReason,
		&a.OverrideID,
		&a.ActedAt,
		&a.DueAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanActions(rows pgx.Rows) ([]*domain.WorkflowAction, error) {
	var actions []*domain.WorkflowAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan workflow action")
		}
		actions = append(actions, a)
	}
	return actions, nil
}
