package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/domain"
)

func (e *testEnv) seedOverride(id string, bypass []int, mutate func(*domain.ApprovalOverride)) {
	o := &domain.ApprovalOverride{
		ID:                   id,
		OverrideType:         domain.OverrideEmergencyPurchase,
		BypassLevels:         bypass,
		RequireJustification: true,
		ValidFrom:            testClock.Add(-time.Hour),
		ValidUntil:           testClock.Add(time.Hour),
		IsActive:             true,
	}
	if mutate != nil {
		mutate(o)
	}
	e.store.overrides[id] = o
}

func (e *testEnv) applyOverride(workflowID, overrideID, justification string) (*WorkflowStatus, error) {
	return e.svc.ApplyOverride(context.Background(), &OverrideRequest{
		WorkflowID:    workflowID,
		OverrideID:    overrideID,
		Justification: justification,
		AppliedBy:     "ops-lead",
	})
}

func TestOverrideBypassesNamedLevels(t *testing.T) {
	env := newTestEnv(t)
	env.seedChainRule(true)
	env.seedOverride("ov-1", []int{1, 2}, nil)
	wf := env.createWorkflow(t, "po-500", 50_000_00).Workflow

	status, err := env.applyOverride(wf.ID, "ov-1", "supplier plant flooded, emergency restock")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, status.Workflow.Status)
	assert.Equal(t, 3, status.Workflow.CurrentLevel, "chain resumes at the first surviving step")
	assert.Equal(t, "ov-1", *status.Workflow.OverrideID)
	require.NotNil(t, status.Workflow.OverrideJustification)

	for _, seq := range []int{1, 2} {
		a := findAction(status.Actions, seq)
		assert.Equal(t, domain.StatusAutoApproved, a.Status)
		assert.Equal(t, "ov-1", *a.OverrideID)
		require.NotNil(t, a.ActedAt)
	}
	survivor := findAction(status.Actions, 3)
	assert.True(t, survivor.Open())
	require.NotNil(t, survivor.DueAt, "the surviving step inherits an escalation deadline")

	assert.Contains(t, env.store.auditActions(), "override_applied")
	assert.Contains(t, env.publisher.eventTypes(), "override_applied")

	// The remaining step still decides the outcome.
	final, err := env.decide(wf.ID, 3, "cfo-1", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, final.Workflow.Status)
}

func TestOverrideBypassingMiddleStepKeepsOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedChainRule(true)
	env.seedOverride("ov-mid", []int{2}, nil)
	wf := env.createWorkflow(t, "po-504", 50_000_00).Workflow

	status, err := env.applyOverride(wf.ID, "ov-mid", "director on extended leave")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAutoApproved, findAction(status.Actions, 2).Status)
	assert.Equal(t, 1, status.Workflow.CurrentLevel,
		"position stays at the lowest step still awaiting a decision")

	// Steps 1 and 3 stay actionable in order.
	_, err = env.decide(wf.ID, 3, "cfo-1", DecisionApprove, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))

	status, err = env.decide(wf.ID, 1, "mgr-1", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Workflow.CurrentLevel)

	status, err = env.decide(wf.ID, 3, "cfo-1", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, status.Workflow.Status)
}

func TestOverrideBypassingWholeChainApproves(t *testing.T) {
	env := newTestEnv(t)
	env.seedChainRule(true)
	env.seedOverride("ov-all", []int{1, 2, 3}, nil)
	wf := env.createWorkflow(t, "po-501", 50_000_00).Workflow

	status, err := env.applyOverride(wf.ID, "ov-all", "board-sanctioned emergency")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusApproved, status.Workflow.Status)
	require.NotNil(t, status.Workflow.CompletedAt)
	for _, a := range status.Actions {
		assert.Equal(t, domain.StatusAutoApproved, a.Status)
	}
}

func TestOverrideValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedChainRule(true)
	wf := env.createWorkflow(t, "po-502", 50_000_00).Workflow

	t.Run("expired validity window", func(t *testing.T) {
		env.seedOverride("ov-expired", []int{1}, func(o *domain.ApprovalOverride) {
			o.ValidFrom = testClock.Add(-48 * time.Hour)
			o.ValidUntil = testClock.Add(-24 * time.Hour)
		})
		_, err := env.applyOverride(wf.ID, "ov-expired", "reason")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})

	t.Run("inactive override", func(t *testing.T) {
		env.seedOverride("ov-off", []int{1}, func(o *domain.ApprovalOverride) { o.IsActive = false })
		_, err := env.applyOverride(wf.ID, "ov-off", "reason")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})

	t.Run("category mismatch", func(t *testing.T) {
		env.seedOverride("ov-capex", []int{1}, func(o *domain.ApprovalOverride) {
			c := domain.CategoryCapex
			o.Category = &c
		})
		_, err := env.applyOverride(wf.ID, "ov-capex", "reason")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})

	t.Run("amount above cap", func(t *testing.T) {
		env.seedOverride("ov-capped", []int{1}, func(o *domain.ApprovalOverride) {
			o.MaxAmount = int64p(10_000_00)
		})
		_, err := env.applyOverride(wf.ID, "ov-capped", "reason")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})

	t.Run("missing required justification", func(t *testing.T) {
		env.seedOverride("ov-strict", []int{1}, nil)
		_, err := env.applyOverride(wf.ID, "ov-strict", "  ")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})

	t.Run("bypasses nothing open", func(t *testing.T) {
		env.seedOverride("ov-nohit", []int{9}, nil)
		_, err := env.applyOverride(wf.ID, "ov-nohit", "reason")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	})

	t.Run("unknown override", func(t *testing.T) {
		_, err := env.applyOverride(wf.ID, "ov-ghost", "reason")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	})
}

func TestOverrideRequiresPendingWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.seedChainRule(true)
	env.seedOverride("ov-1", []int{1}, nil)
	wf := env.createWorkflow(t, "po-503", 50_000_00).Workflow

	_, err := env.decide(wf.ID, 1, "mgr-1", DecisionReject, "not needed")
	require.NoError(t, err)

	_, err = env.applyOverride(wf.ID, "ov-1", "too late")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))
}
