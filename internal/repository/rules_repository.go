package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/database"
	"github.com/procureline/be-approvals/internal/domain"
)

// RulesRepository handles CRUD for approval_rules and their ordered approver
// chains in approval_rule_approvers. Rule + chain writes always run in one
// transaction.
type RulesRepository struct {
	db *database.DB
}

// NewRulesRepository creates a new RulesRepository.
func NewRulesRepository(db *database.DB) *RulesRepository {
	return &RulesRepository{db: db}
}

const ruleColumns = `
	id, name, category, currency, department_id,
	min_amount, max_amount, auto_approve_below,
	requires_sequential, escalation_hours,
	is_active, version, created_at, updated_at
`

// Create inserts a rule and its approver chain.
func (r *RulesRepository) Create(ctx context.Context, rule *domain.ApprovalRule) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_rules
			    (id, name, category, currency, department_id,
			     min_amount, max_amount, auto_approve_below,
			     requires_sequential, escalation_hours,
			     is_active, version, created_at, updated_at)
			VALUES ($1, $2, $3::approval_category, $4, $5,
			        $6, $7, $8,
			        $9, $10,
			        $11, $12, $13, $14)
		`
		_, err := tx.Exec(ctx, query,
			rule.ID, rule.Name, rule.Category, rule.Currency, rule.DepartmentID,
			rule.MinAmount, rule.MaxAmount, rule.AutoApproveBelow,
			rule.RequiresSequential, rule.EscalationHours,
			rule.IsActive, rule.Version, rule.CreatedAt, rule.UpdatedAt,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval rule")
		}
		return insertApprovers(ctx, tx, rule.ID, rule.Approvers)
	})
}

// Update persists changes to a rule and replaces its approver chain.
// The caller bumps Version before calling.
func (r *RulesRepository) Update(ctx context.Context, rule *domain.ApprovalRule) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_rules
			SET name               = $2,
			    department_id      = $3,
			    min_amount         = $4,
			    max_amount         = $5,
			    auto_approve_below = $6,
			    requires_sequential = $7,
			    escalation_hours   = $8,
			    is_active          = $9,
			    version            = $10,
			    updated_at         = $11
			WHERE id = $1
		`
		tag, err := tx.Exec(ctx, query,
			rule.ID, rule.Name, rule.DepartmentID,
			rule.MinAmount, rule.MaxAmount, rule.AutoApproveBelow,
			rule.RequiresSequential, rule.EscalationHours,
			rule.IsActive, rule.Version, rule.UpdatedAt,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval rule")
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("approval_rule", rule.ID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM approval_rule_approvers WHERE rule_id = $1`, rule.ID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to clear approver chain")
		}
		return insertApprovers(ctx, tx, rule.ID, rule.Approvers)
	})
}

func insertApprovers(ctx context.Context, tx pgx.Tx, ruleID string, approvers []domain.ApprovalRuleApprover) error {
	query := `
		INSERT INTO approval_rule_approvers
		    (rule_id, sequence_order, approval_role_id, is_mandatory, can_delegate)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, a := range approvers {
		if _, err := tx.Exec(ctx, query,
			ruleID, a.SequenceOrder, a.ApprovalRoleID, a.IsMandatory, a.CanDelegate,
		); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert rule approver")
		}
	}
	return nil
}

// GetByID retrieves a rule with its approver chain.
func (r *RulesRepository) GetByID(ctx context.Context, id string) (*domain.ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules WHERE id = $1`

	rule, err := scanRule(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadApprovers(ctx, []*domain.ApprovalRule{rule}); err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns all rules with their chains, optionally active only.
func (r *RulesRepository) List(ctx context.Context, activeOnly bool) ([]*domain.ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY category, currency, min_amount`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*domain.ApprovalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	if err := r.loadApprovers(ctx, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// LoadActiveCatalog returns a consistent snapshot of the active rule set
// stamped with the current matrix version number.
func (r *RulesRepository) LoadActiveCatalog(ctx context.Context) (domain.Catalog, error) {
	rules, err := r.List(ctx, true)
	if err != nil {
		return domain.Catalog{}, err
	}

	var version int
	err = r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM approval_matrix_versions`,
	).Scan(&version)
	if err != nil {
		return domain.Catalog{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to read catalog version")
	}
	return domain.Catalog{Version: version, Rules: rules}, nil
}

// loadApprovers attaches the ordered chains for the given rules.
func (r *RulesRepository) loadApprovers(ctx context.Context, rules []*domain.ApprovalRule) error {
	if len(rules) == 0 {
		return nil
	}
	byID := make(map[string]*domain.ApprovalRule, len(rules))
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		byID[rule.ID] = rule
		ids = append(ids, rule.ID)
	}

	query := `
		SELECT rule_id, sequence_order, approval_role_id, is_mandatory, can_delegate
		FROM approval_rule_approvers
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, sequence_order
	`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load approver chains")
	}
	defer rows.Close()

	for rows.Next() {
		var ruleID string
		var a domain.ApprovalRuleApprover
		if err := rows.Scan(&ruleID, &a.SequenceOrder, &a.ApprovalRoleID, &a.IsMandatory, &a.CanDelegate); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan rule approver")
		}
		if rule, ok := byID[ruleID]; ok {
			rule.Approvers = append(rule.Approvers, a)
		}
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.ApprovalRule, error) {
	rule := &domain.ApprovalRule{}
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Category,
		&rule.Currency,
		&rule.DepartmentID,
		&rule.MinAmount,
		&rule.MaxAmount,
		&rule.AutoApproveBelow,
		&rule.RequiresSequential,
		&rule.EscalationHours,
		&rule.IsActive,
		&rule.Version,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}
