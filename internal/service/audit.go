package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/procureline/be-approvals/internal/domain"
)

const (
	auditRetryQueueSize = 1024
	auditMaxAttempts    = 5
	auditBaseBackoff    = 500 * time.Millisecond
)

// AuditRecorder appends audit entries without ever failing the caller's
// primary operation. A failed append is logged and retried asynchronously
// with backoff; entries that exhaust their retries are logged at error level
// with the full payload so the record stays recoverable. Audit completeness
// is a compliance requirement, so dropped entries are a reportable fault,
// not business-as-usual.
type AuditRecorder struct {
	store AuditStore
	log   zerolog.Logger
	now   func() time.Time

	retries chan *domain.AuditEntry
	wg      sync.WaitGroup
}

// NewAuditRecorder creates an AuditRecorder. Call Run to start the retry
// worker.
func NewAuditRecorder(store AuditStore, log zerolog.Logger) *AuditRecorder {
	return &AuditRecorder{
		store:   store,
		log:     log,
		now:     time.Now,
		retries: make(chan *domain.AuditEntry, auditRetryQueueSize),
	}
}

// Record appends one audit entry, fire-and-forget.
func (r *AuditRecorder) Record(ctx context.Context, action, entityType, entityID string, workflowID *string, oldValues, newValues map[string]any, performedBy string) {
	entry := &domain.AuditEntry{
		ID:          uuid.NewString(),
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		WorkflowID:  workflowID,
		OldValues:   oldValues,
		NewValues:   newValues,
		PerformedBy: performedBy,
		PerformedAt: r.now().UTC(),
	}

	if err := r.store.Append(ctx, entry); err == nil {
		return
	} else {
		r.log.Warn().Err(err).
			Str("audit_action", action).
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Msg("audit append failed, queueing for retry")
	}

	select {
	case r.retries <- entry:
	default:
		r.log.Error().
			Str("audit_action", action).
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Interface("entry", entry).
			Msg("audit retry queue full, entry recorded in log only")
	}
}

// Run processes the retry queue until ctx is cancelled.
func (r *AuditRecorder) Run(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-r.retries:
			r.retryAppend(ctx, entry)
		}
	}
}

// Wait blocks until the retry worker has stopped.
func (r *AuditRecorder) Wait() {
	r.wg.Wait()
}

func (r *AuditRecorder) retryAppend(ctx context.Context, entry *domain.AuditEntry) {
	backoff := auditBaseBackoff
	for attempt := 1; attempt <= auditMaxAttempts; attempt++ {
		if err := r.store.Append(ctx, entry); err == nil {
			r.log.Info().
				Str("audit_action", entry.Action).
				Int("attempt", attempt).
				Msg("audit entry recovered on retry")
			return
		}

		select {
		case <-ctx.Done():
			r.logDropped(entry)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	r.logDropped(entry)
}

func (r *AuditRecorder) logDropped(entry *domain.AuditEntry) {
	r.log.Error().
		Str("audit_action", entry.Action).
		Str("entity_type", entry.EntityType).
		Str("entity_id", entry.EntityID).
		Interface("entry", entry).
		Msg("audit entry could not be persisted, payload preserved in log")
}
