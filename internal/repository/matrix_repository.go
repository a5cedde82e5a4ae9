package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/database"
	"github.com/procureline/be-approvals/internal/domain"
)

// MatrixRepository persists immutable rule-catalog snapshots. Snapshots are
// append-only; there is no update or delete path.
type MatrixRepository struct {
	db *database.DB
}

// NewMatrixRepository creates a new MatrixRepository.
func NewMatrixRepository(db *database.DB) *MatrixRepository {
	return &MatrixRepository{db: db}
}

// Create appends a snapshot, assigning the next monotonic version number
// atomically.
func (r *MatrixRepository) Create(ctx context.Context, mv *domain.MatrixVersion) error {
	snapshotJSON, err := json.Marshal(mv.Snapshot)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal catalog snapshot")
	}

	query := `
		INSERT INTO approval_matrix_versions
		    (id, version_number, snapshot, change_summary, created_by, created_at)
		SELECT $1, COALESCE(MAX(version_number), 0) + 1, $2, $3, $4, $5
		FROM approval_matrix_versions
		RETURNING version_number
	`
	err = r.db.QueryRow(ctx, query,
		mv.ID, snapshotJSON, mv.ChangeSummary, mv.CreatedBy, mv.CreatedAt,
	).Scan(&mv.VersionNumber)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create matrix version")
	}
	return nil
}

// GetByNumber retrieves a snapshot by version number.
func (r *MatrixRepository) GetByNumber(ctx context.Context, versionNumber int) (*domain.MatrixVersion, error) {
	query := `
		SELECT id, version_number, snapshot, change_summary, created_by, created_at
		FROM approval_matrix_versions
		WHERE version_number = $1
	`

	mv, err := scanMatrixVersion(r.db.QueryRow(ctx, query, versionNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "matrix version %d not found", versionNumber)
	}
	return mv, err
}

// List returns snapshots newest-first; callers paginate with limit.
func (r *MatrixRepository) List(ctx context.Context, limit int) ([]*domain.MatrixVersion, error) {
	query := `
		SELECT id, version_number, snapshot, change_summary, created_by, created_at
		FROM approval_matrix_versions
		ORDER BY version_number DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list matrix versions")
	}
	defer rows.Close()

	var versions []*domain.MatrixVersion
	for rows.Next() {
		mv, err := scanMatrixVersion(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan matrix version")
		}
		versions = append(versions, mv)
	}
	return versions, nil
}

func scanMatrixVersion(row rowScanner) (*domain.MatrixVersion, error) {
	mv := &domain.MatrixVersion{}
	var snapshotJSON []byte

	err := row.Scan(
		&mv.ID,
		&mv.VersionNumber,
		&snapshotJSON,
		&mv.ChangeSummary,
		&mv.CreatedBy,
		&mv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshotJSON, &mv.Snapshot); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal catalog snapshot")
	}
	return mv, nil
}
