package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/database"
	"github.com/procureline/be-approvals/internal/domain"
)

// OverridesRepository handles CRUD for approval_overrides.
type OverridesRepository struct {
	db *database.DB
}

// NewOverridesRepository creates a new OverridesRepository.
func NewOverridesRepository(db *database.DB) *OverridesRepository {
	return &OverridesRepository{db: db}
}

const overrideColumns = `
	id, override_type, category, max_amount, bypass_levels,
	require_justification, valid_from, valid_until,
	is_active, created_at, updated_at
`

// Create inserts a new override definition.
func (r *OverridesRepository) Create(ctx context.Context, o *domain.ApprovalOverride) error {
	query := `
		INSERT INTO approval_overrides
		    (id, override_type, category, max_amount, bypass_levels,
		     require_justification, valid_from, valid_until,
		     is_active, created_at, updated_at)
		VALUES ($1, $2::approval_override_type, $3, $4, $5,
		        $6, $7, $8,
		        $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		o.ID, o.OverrideType, o.Category, o.MaxAmount, o.BypassLevels,
		o.RequireJustification, o.ValidFrom, o.ValidUntil,
		o.IsActive, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create override")
	}
	return nil
}

// GetByID retrieves an override by primary key.
func (r *OverridesRepository) GetByID(ctx context.Context, id string) (*domain.ApprovalOverride, error) {
	query := `SELECT ` + overrideColumns + ` FROM approval_overrides WHERE id = $1`

	o, err := scanOverride(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_override", id)
	}
	return o, err
}

// List returns overrides, optionally active only.
func (r *OverridesRepository) List(ctx context.Context, activeOnly bool) ([]*domain.ApprovalOverride, error) {
	query := `SELECT ` + overrideColumns + ` FROM approval_overrides`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY override_type, valid_from`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list overrides")
	}
	defer rows.Close()

	var overrides []*domain.ApprovalOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan override")
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}

// Deactivate disables an override without deleting it.
func (r *OverridesRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_overrides
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to deactivate override")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_override", id)
	}
	return nil
}

func scanOverride(row rowScanner) (*domain.ApprovalOverride, error) {
	o := &domain.ApprovalOverride{}
	err := row.Scan(
		&o.ID,
		&o.OverrideType,
		&o.Category,
		&o.MaxAmount,
		&o.BypassLevels,
		&o.RequireJustification,
		&o.ValidFrom,
		&o.ValidUntil,
		&o.IsActive,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}
