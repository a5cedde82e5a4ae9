package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/database"
	"github.com/procureline/be-approvals/internal/domain"
)

// AuditRepository appends and reads immutable audit log entries. The table
// carries a delete-prevention trigger, so Append is the only mutation.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	oldJSON, err := marshalValues(entry.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := marshalValues(entry.NewValues)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, action, entity_type, entity_id, workflow_id,
		     old_values, new_values, performed_by, performed_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
	`
	_, err = r.db.Exec(ctx, query,
		entry.ID, entry.Action, entry.EntityType, entry.EntityID, entry.WorkflowID,
		oldJSON, newJSON, entry.PerformedBy, entry.PerformedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByWorkflow returns the audit trail for a workflow oldest-first.
func (r *AuditRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, action, entity_type, entity_id, workflow_id,
		       old_values, new_values, performed_by, performed_at
		FROM approval_audit_log
		WHERE workflow_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ListByEntity returns the audit trail for a catalog entity oldest-first.
func (r *AuditRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, action, entity_type, entity_id, workflow_id,
		       old_values, new_values, performed_by, performed_at
		FROM approval_audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get entity audit log")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func marshalValues(values map[string]any) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit values")
	}
	return data, nil
}

func scanAuditRows(rows pgx.Rows) ([]*domain.AuditEntry, error) {
	var entries []*domain.AuditEntry
	for rows.Next() {
		entry := &domain.AuditEntry{}
		var oldJSON, newJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.EntityType,
			&entry.EntityID,
			&entry.WorkflowID,
			&oldJSON,
			&newJSON,
			&entry.PerformedBy,
			&entry.PerformedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
		}
		if oldJSON != nil {
			if err := json.Unmarshal(oldJSON, &entry.OldValues); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit old values")
			}
		}
		if newJSON != nil {
			if err := json.Unmarshal(newJSON, &entry.NewValues); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit new values")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
