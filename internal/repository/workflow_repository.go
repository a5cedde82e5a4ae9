package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/database"
	"github.com/procureline/be-approvals/internal/domain"
)

// WorkflowRepository manages workflow instances. Workflow + action creation
// and every decision write run in a single transaction; state-changing
// updates are guarded by the workflow's row_version (optimistic locking).
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const workflowColumns = `
	id, reference_type, reference_id, amount, currency, department_id,
	rule_id, rule_version, requires_sequential, escalation_hours,
	override_id, override_justification,
	status, current_level, initiated_by, row_version,
	submitted_at, completed_at, created_at, updated_at
`

// Create inserts a workflow and its materialized actions in one transaction.
// A second open workflow for the same reference loses the race against the
// partial unique index and surfaces as CONCURRENT_MODIFICATION so the caller
// can return the winner's instance.
func (r *WorkflowRepository) Create(ctx context.Context, wf *domain.ApprovalWorkflow, actions []*domain.WorkflowAction) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_workflows
			    (id, reference_type, reference_id, amount, currency, department_id,
			     rule_id, rule_version, requires_sequential, escalation_hours,
			     override_id, override_justification,
			     status, current_level, initiated_by, row_version,
			     submitted_at, completed_at, created_at, updated_at)
			VALUES ($1, $2::approval_category, $3, $4, $5, $6,
			        $7, $8, $9, $10,
			        $11, $12,
			        $13::approval_status, $14, $15, $16,
			        $17, $18, $19, $20)
		`
		_, err := tx.Exec(ctx, query,
			wf.ID, wf.ReferenceType, wf.ReferenceID, wf.Amount, wf.Currency, wf.DepartmentID,
			wf.RuleID, wf.RuleVersion, wf.RequiresSequential, wf.EscalationHours,
			wf.OverrideID, wf.OverrideJustification,
			wf.Status, wf.CurrentLevel, wf.InitiatedBy, wf.RowVersion,
			wf.SubmittedAt, wf.CompletedAt, wf.CreatedAt, wf.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return apperrors.Newf(apperrors.ErrCodeConcurrentModification,
					"an open workflow already exists for %s %s", wf.ReferenceType, wf.ReferenceID)
			}
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create workflow")
		}

		for _, a := range actions {
			a.WorkflowID = wf.ID
			if err := insertAction(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertAction(ctx context.Context, tx pgx.Tx, a *domain.WorkflowAction) error {
	query := `
		INSERT INTO approval_workflow_actions
		    (id, workflow_id, sequence_order, approval_role_id,
		     is_mandatory, can_delegate, approver_id, status,
		     delegated_from, comments, rejection_reason, override_id,
		     acted_at, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8::approval_status,
		        $9, $10, $11, $12,
		        $13, $14, $15, $16)
	`
	_, err := tx.Exec(ctx, query,
		a.ID, a.WorkflowID, a.SequenceOrder, a.ApprovalRoleID,
		a.IsMandatory, a.CanDelegate, a.ApproverID, a.Status,
		a.DelegatedFrom, a.Comments, a.RejectionReason, a.OverrideID,
		a.ActedAt, a.DueAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create workflow action")
	}
	return nil
}

// GetByID retrieves a workflow by primary key.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*domain.ApprovalWorkflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM approval_workflows WHERE id = $1`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_workflow", id)
	}
	return wf, err
}

// GetOpenByReference returns the non-terminal workflow for a transaction
// reference, or nil when none exists. At most one can exist at a time
// (partial unique index).
func (r *WorkflowRepository) GetOpenByReference(ctx context.Context, refType domain.Category, refID string) (*domain.ApprovalWorkflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE reference_type = $1::approval_category
		  AND reference_id = $2
		  AND status IN ('pending', 'escalated')
	`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, refType, refID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return wf, err
}

// GetLatestByReference returns the most recent workflow for a reference
// regardless of status, or nil when the transaction was never submitted.
func (r *WorkflowRepository) GetLatestByReference(ctx context.Context, refType domain.Category, refID string) (*domain.ApprovalWorkflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE reference_type = $1::approval_category
		  AND reference_id = $2
		ORDER BY submitted_at DESC
		LIMIT 1
	`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, refType, refID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return wf, err
}

// SaveDecision writes the post-transition workflow state and the changed
// actions atomically. The workflow update is conditional on the row version
// the caller read; a lost race surfaces as CONCURRENT_MODIFICATION and
// nothing is written. On success wf.RowVersion is advanced in place.
func (r *WorkflowRepository) SaveDecision(ctx context.Context, wf *domain.ApprovalWorkflow, changed []*domain.WorkflowAction) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_workflows
			SET status       = $3::approval_status,
			    current_level = $4,
			    override_id  = $5,
			    override_justification = $6,
			    completed_at = $7,
			    row_version  = row_version + 1,
			    updated_at   = $8
			WHERE id = $1 AND row_version = $2
		`
		tag, err := tx.Exec(ctx, query,
			wf.ID, wf.RowVersion,
			wf.Status, wf.CurrentLevel,
			wf.OverrideID, wf.OverrideJustification,
			wf.CompletedAt, wf.UpdatedAt,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update workflow")
		}
		if tag.RowsAffected() == 0 {
			return apperrors.Newf(apperrors.ErrCodeConcurrentModification,
				"workflow %s was modified concurrently", wf.ID)
		}

		actionQuery := `
			UPDATE approval_workflow_actions
			SET status           = $2::approval_status,
			    approver_id      = $3,
			    delegated_from   = $4,
			    comments         = $5,
			    rejection_reason = $6,
			    override_id      = $7,
			    acted_at         = $8,
			    due_at           = $9,
			    updated_at       = $10
			WHERE id = $1
		`
		for _, a := range changed {
			tag, err := tx.Exec(ctx, actionQuery,
				a.ID, a.Status, a.ApproverID, a.DelegatedFrom,
				a.Comments, a.RejectionReason, a.OverrideID,
				a.ActedAt, a.DueAt, a.UpdatedAt,
			)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update workflow action")
			}
			if tag.RowsAffected() == 0 {
				return apperrors.NotFound("approval_action", a.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	wf.RowVersion++
	return nil
}

// MarkEscalated moves a pending workflow to escalated. Returns false when
// the workflow already left pending (idempotent under concurrent sweeps).
func (r *WorkflowRepository) MarkEscalated(ctx context.Context, workflowID string) (bool, error) {
	query := `
		UPDATE approval_workflows
		SET status      = 'escalated'::approval_status,
		    row_version = row_version + 1,
		    updated_at  = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, workflowID)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to escalate workflow")
	}
	return tag.RowsAffected() > 0, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

func scanWorkflow(row rowScanner) (*domain.ApprovalWorkflow, error) {
	wf := &domain.ApprovalWorkflow{}
	err := row.Scan(
		&wf.ID,
		&wf.ReferenceType,
		&wf.ReferenceID,
		&wf.Amount,
		&wf.Currency,
		&wf.DepartmentID,
		&wf.RuleID,
		&wf.RuleVersion,
		&wf.RequiresSequential,
		&wf.EscalationHours,
		&wf.OverrideID,
		&wf.OverrideJustification,
		&wf.Status,
		&wf.CurrentLevel,
		&wf.InitiatedBy,
		&wf.RowVersion,
		&wf.SubmittedAt,
		&wf.CompletedAt,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}
