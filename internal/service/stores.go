package service

import (
	"context"
	"time"

	"github.com/procureline/be-approvals/internal/domain"
)

// Store interfaces are declared here, next to their consumers; the
// repository package provides the Postgres implementations and tests supply
// in-memory fakes.

// CatalogStore provides rule reads and writes.
type CatalogStore interface {
	LoadActiveCatalog(ctx context.Context) (domain.Catalog, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.ApprovalRule, error)
	GetByID(ctx context.Context, id string) (*domain.ApprovalRule, error)
	Create(ctx context.Context, rule *domain.ApprovalRule) error
	Update(ctx context.Context, rule *domain.ApprovalRule) error
}

// OverrideStore provides override definitions.
type OverrideStore interface {
	GetByID(ctx context.Context, id string) (*domain.ApprovalOverride, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.ApprovalOverride, error)
	Create(ctx context.Context, o *domain.ApprovalOverride) error
	Deactivate(ctx context.Context, id string) error
}

// RoleStore provides approver roles.
type RoleStore interface {
	GetByID(ctx context.Context, id string) (*domain.ApprovalRole, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.ApprovalRole, error)
	Create(ctx context.Context, role *domain.ApprovalRole) error
	Deactivate(ctx context.Context, id string) error
}

// WorkflowStore persists workflow instances and their decision transitions.
type WorkflowStore interface {
	Create(ctx context.Context, wf *domain.ApprovalWorkflow, actions []*domain.WorkflowAction) error
	GetByID(ctx context.Context, id string) (*domain.ApprovalWorkflow, error)
	GetOpenByReference(ctx context.Context, refType domain.Category, refID string) (*domain.ApprovalWorkflow, error)
	GetLatestByReference(ctx context.Context, refType domain.Category, refID string) (*domain.ApprovalWorkflow, error)
	// SaveDecision writes the workflow and changed actions atomically under
	// the workflow's row-version guard.
	SaveDecision(ctx context.Context, wf *domain.ApprovalWorkflow, changed []*domain.WorkflowAction) error
	// MarkEscalated is a conditional pending→escalated transition.
	MarkEscalated(ctx context.Context, workflowID string) (bool, error)
}

// ActionStore reads workflow actions and performs escalation transitions.
type ActionStore interface {
	ListByWorkflow(ctx context.Context, workflowID string) ([]*domain.WorkflowAction, error)
	Get(ctx context.Context, workflowID string, sequenceOrder int) (*domain.WorkflowAction, error)
	ListPendingForRoles(ctx context.Context, roleIDs []string) ([]*domain.WorkflowAction, error)
	ListOverdue(ctx context.Context, asOf time.Time, limit int) ([]*domain.WorkflowAction, error)
	// Escalate is a conditional pending→escalated transition; false means
	// another worker transitioned the action first or it was acted upon.
	Escalate(ctx context.Context, actionID string) (bool, error)
}

// MatrixStore persists immutable catalog snapshots.
type MatrixStore interface {
	Create(ctx context.Context, mv *domain.MatrixVersion) error
	GetByNumber(ctx context.Context, versionNumber int) (*domain.MatrixVersion, error)
	List(ctx context.Context, limit int) ([]*domain.MatrixVersion, error)
}

// AuditStore persists append-only audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*domain.AuditEntry, error)
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*domain.AuditEntry, error)
}

// DirectoryClient resolves users and roles from the identity service.
type DirectoryClient interface {
	// GetUserRoles returns the role codes a user holds.
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// EventPublisher pushes workflow events to the notification pipeline.
// Implementations must be fire-and-forget; failures never reach callers.
type EventPublisher interface {
	PublishWorkflowEvent(ctx context.Context, eventType string, wf *domain.ApprovalWorkflow, payload map[string]any)
}
