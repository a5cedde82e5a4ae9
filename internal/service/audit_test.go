package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRecorderAppendsDirectly(t *testing.T) {
	store := newMemStore()
	rec := NewAuditRecorder(store.Audit(), zerolog.Nop())

	rec.Record(context.Background(), "rule_created", "rule", "r-1", nil, nil,
		map[string]any{"name": "test"}, "admin-1")

	entries, err := store.Audit().ListByEntity(context.Background(), "rule", "r-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rule_created", entries[0].Action)
	assert.Equal(t, "admin-1", entries[0].PerformedBy)
	assert.Equal(t, "test", entries[0].NewValues["name"])
}

func TestAuditRecorderRecoversFailedAppend(t *testing.T) {
	store := newMemStore()
	store.auditFailures = 1
	rec := NewAuditRecorder(store.Audit(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	// The primary append fails and the entry is queued; the retry worker must
	// land it without the caller ever seeing the failure.
	rec.Record(context.Background(), "action_approved", "action", "a-1", nil, nil, nil, "mgr-1")

	require.Eventually(t, func() bool {
		entries, err := store.Audit().ListByEntity(context.Background(), "action", "a-1")
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	rec.Wait()
}

func TestAuditRecorderNeverFailsCaller(t *testing.T) {
	store := newMemStore()
	store.auditFailures = 100
	rec := NewAuditRecorder(store.Audit(), zerolog.Nop())

	// No retry worker running and a persistently failing store; Record must
	// still return without panicking or blocking.
	for i := 0; i < auditRetryQueueSize+10; i++ {
		rec.Record(context.Background(), "workflow_created", "workflow", "w-1", nil, nil, nil, "u")
	}
}
