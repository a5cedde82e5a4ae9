package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/database"
	"github.com/procureline/be-approvals/internal/domain"
)

// RolesRepository handles approval_roles. Roles referenced by history are
// never deleted; deactivation is the only removal path.
type RolesRepository struct {
	db *database.DB
}

// NewRolesRepository creates a new RolesRepository.
func NewRolesRepository(db *database.DB) *RolesRepository {
	return &RolesRepository{db: db}
}

const roleColumns = `
	id, code, name, hierarchy_level, permissions, is_active, created_at, updated_at
`

// Create inserts a new role.
func (r *RolesRepository) Create(ctx context.Context, role *domain.ApprovalRole) error {
	query := `
		INSERT INTO approval_roles
		    (id, code, name, hierarchy_level, permissions, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		role.ID, role.Code, role.Name, role.HierarchyLevel,
		role.Permissions, role.IsActive, role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create role")
	}
	return nil
}

// GetByID retrieves a role by primary key.
func (r *RolesRepository) GetByID(ctx context.Context, id string) (*domain.ApprovalRole, error) {
	query := `SELECT ` + roleColumns + ` FROM approval_roles WHERE id = $1`

	role, err := scanRole(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_role", id)
	}
	return role, err
}

// GetByCode retrieves a role by its unique code.
func (r *RolesRepository) GetByCode(ctx context.Context, code string) (*domain.ApprovalRole, error) {
	query := `SELECT ` + roleColumns + ` FROM approval_roles WHERE code = $1`

	role, err := scanRole(r.db.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_role", code)
	}
	return role, err
}

// List returns roles ordered by hierarchy, optionally active only.
func (r *RolesRepository) List(ctx context.Context, activeOnly bool) ([]*domain.ApprovalRole, error) {
	query := `SELECT ` + roleColumns + ` FROM approval_roles`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY hierarchy_level ASC, code ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list roles")
	}
	defer rows.Close()

	var roles []*domain.ApprovalRole
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan role")
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// Deactivate disables a role without deleting it.
func (r *RolesRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_roles
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to deactivate role")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_role", id)
	}
	return nil
}

func scanRole(row rowScanner) (*domain.ApprovalRole, error) {
	role := &domain.ApprovalRole{}
	err := row.Scan(
		&role.ID,
		&role.Code,
		&role.Name,
		&role.HierarchyLevel,
		&role.Permissions,
		&role.IsActive,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return role, nil
}
