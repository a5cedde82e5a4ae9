package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/procureline/be-approvals/internal/domain"
)

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the platform notifications service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: workflow_created, approval_required, approved, rejected,
//              escalated, auto_approved, override_applied
//
// All publish operations are non-fatal. Errors are logged but never
// propagated to the caller, so notification failures never interrupt
// approval operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// WorkflowEvent is the JSON schema published to NATS.
type WorkflowEvent struct {
	EventType     string         `json:"event_type"`
	WorkflowID    string         `json:"workflow_id"`
	ReferenceType string         `json:"reference_type"`
	ReferenceID   string         `json:"reference_id"`
	Status        string         `json:"status"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	CurrentLevel  int            `json:"current_level"`
	InitiatedBy   string         `json:"initiated_by"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection produces a no-op publisher.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// PublishWorkflowEvent publishes a workflow event.
// Subject: notifications.approvals.<eventType>
func (p *NotificationPublisher) PublishWorkflowEvent(ctx context.Context, eventType string, wf *domain.ApprovalWorkflow, payload map[string]any) {
	if p.conn == nil {
		return
	}

	event := &WorkflowEvent{
		EventType:     eventType,
		WorkflowID:    wf.ID,
		ReferenceType: string(wf.ReferenceType),
		ReferenceID:   wf.ReferenceID,
		Status:        string(wf.Status),
		Amount:        wf.Amount,
		Currency:      wf.Currency,
		CurrentLevel:  wf.CurrentLevel,
		InitiatedBy:   wf.InitiatedBy,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("workflow_id", wf.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_id", wf.ID).
		Msg("notification: event published")
}
