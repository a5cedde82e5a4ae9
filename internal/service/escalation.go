package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/procureline/be-approvals/internal/domain"
)

const escalationSweepBatch = 100

// EscalationMonitor periodically sweeps for actions past their due time and
// flags them escalated. Escalation raises visibility only; the original
// approver chain stays actionable and the workflow outcome is unchanged.
// Transitions are conditional updates, so concurrent sweeps and races with
// in-flight decisions resolve to exactly one escalation per action.
type EscalationMonitor struct {
	actions   ActionStore
	workflows WorkflowStore
	audit     *AuditRecorder
	publisher EventPublisher
	log       zerolog.Logger
	interval  time.Duration
	now       func() time.Time
}

// NewEscalationMonitor creates an EscalationMonitor. publisher may be nil.
func NewEscalationMonitor(
	actions ActionStore,
	workflows WorkflowStore,
	audit *AuditRecorder,
	publisher EventPublisher,
	log zerolog.Logger,
	interval time.Duration,
) *EscalationMonitor {
	return &EscalationMonitor{
		actions:   actions,
		workflows: workflows,
		audit:     audit,
		publisher: publisher,
		log:       log,
		interval:  interval,
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *EscalationMonitor) Run(ctx context.Context) {
	m.log.Info().Dur("interval", m.interval).Msg("escalation monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("escalation monitor stopped")
			return
		case <-ticker.C:
			if err := m.SweepOnce(ctx); err != nil {
				m.log.Error().Err(err).Msg("escalation sweep failed")
			}
		}
	}
}

// SweepOnce escalates every overdue action visible at the time of the call.
// Individual action failures are logged and skipped so one bad row cannot
// stall the sweep.
func (m *EscalationMonitor) SweepOnce(ctx context.Context) error {
	overdue, err := m.actions.ListOverdue(ctx, m.now().UTC(), escalationSweepBatch)
	if err != nil {
		return err
	}
	if len(overdue) == 0 {
		return nil
	}

	escalated := 0
	for _, action := range overdue {
		if m.escalateAction(ctx, action) {
			escalated++
		}
	}
	m.log.Info().
		Int("overdue", len(overdue)).
		Int("escalated", escalated).
		Msg("escalation sweep completed")
	return nil
}

func (m *EscalationMonitor) escalateAction(ctx context.Context, action *domain.WorkflowAction) bool {
	transitioned, err := m.actions.Escalate(ctx, action.ID)
	if err != nil {
		m.log.Error().Err(err).
			Str("action_id", action.ID).
			Str("workflow_id", action.WorkflowID).
			Msg("failed to escalate action")
		return false
	}
	if !transitioned {
		// Acted upon or escalated by another sweep between listing and now.
		return false
	}

	if _, err := m.workflows.MarkEscalated(ctx, action.WorkflowID); err != nil {
		m.log.Error().Err(err).
			Str("workflow_id", action.WorkflowID).
			Msg("action escalated but workflow status update failed")
	}

	m.log.Warn().
		Str("action_id", action.ID).
		Str("workflow_id", action.WorkflowID).
		Int("sequence_order", action.SequenceOrder).
		Time("due_at", *action.DueAt).
		Msg("approval action escalated past due time")

	m.audit.Record(ctx, "action_escalated", "action", action.ID, &action.WorkflowID,
		map[string]any{"status": domain.StatusPending},
		map[string]any{
			"status":         domain.StatusEscalated,
			"sequence_order": action.SequenceOrder,
			"due_at":         action.DueAt,
		}, "system")

	if m.publisher != nil {
		wf, err := m.workflows.GetByID(ctx, action.WorkflowID)
		if err != nil {
			m.log.Warn().Err(err).
				Str("workflow_id", action.WorkflowID).
				Msg("escalation event not published, workflow load failed")
			return true
		}
		m.publisher.PublishWorkflowEvent(ctx, "escalated", wf, map[string]any{
			"action_id":      action.ID,
			"sequence_order": action.SequenceOrder,
			"due_at":         action.DueAt,
		})
	}
	return true
}
