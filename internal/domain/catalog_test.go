package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func TestFindOverlap(t *testing.T) {
	existing := []*ApprovalRule{
		{
			ID: "base", Category: CategoryCapex, Currency: "AED",
			MinAmount: 100_00, MaxAmount: i64(1_000_00), IsActive: true,
		},
	}

	t.Run("adjacent bands do not overlap", func(t *testing.T) {
		below := &ApprovalRule{ID: "below", Category: CategoryCapex, Currency: "AED", MinAmount: 0, MaxAmount: i64(100_00)}
		above := &ApprovalRule{ID: "above", Category: CategoryCapex, Currency: "AED", MinAmount: 1_000_00}
		assert.Nil(t, FindOverlap(existing, below))
		assert.Nil(t, FindOverlap(existing, above))
	})

	t.Run("intersecting band is rejected", func(t *testing.T) {
		mid := &ApprovalRule{ID: "mid", Category: CategoryCapex, Currency: "AED", MinAmount: 500_00, MaxAmount: i64(2_000_00)}
		conflict := FindOverlap(existing, mid)
		require.NotNil(t, conflict)
		assert.Equal(t, "base", conflict.ID)
	})

	t.Run("unbounded candidate overlaps everything above its floor", func(t *testing.T) {
		open := &ApprovalRule{ID: "open", Category: CategoryCapex, Currency: "AED", MinAmount: 0}
		assert.NotNil(t, FindOverlap(existing, open))
	})

	t.Run("different scope never conflicts", func(t *testing.T) {
		sameband := &ApprovalRule{ID: "x", MinAmount: 100_00, MaxAmount: i64(1_000_00)}

		sameband.Category = CategoryPayments
		sameband.Currency = "AED"
		assert.Nil(t, FindOverlap(existing, sameband))

		sameband.Category = CategoryCapex
		sameband.Currency = "USD"
		assert.Nil(t, FindOverlap(existing, sameband))

		sameband.Currency = "AED"
		sameband.DepartmentID = str("dept-1")
		assert.Nil(t, FindOverlap(existing, sameband), "departmental band is a separate scope")
	})

	t.Run("self comparison is skipped on update", func(t *testing.T) {
		edit := &ApprovalRule{ID: "base", Category: CategoryCapex, Currency: "AED", MinAmount: 100_00, MaxAmount: i64(900_00)}
		assert.Nil(t, FindOverlap(existing, edit))
	})

	t.Run("inactive rules are ignored", func(t *testing.T) {
		inactive := []*ApprovalRule{{
			ID: "retired", Category: CategoryCapex, Currency: "AED",
			MinAmount: 0, IsActive: false,
		}}
		open := &ApprovalRule{ID: "new", Category: CategoryCapex, Currency: "AED", MinAmount: 0}
		assert.Nil(t, FindOverlap(inactive, open))
	})
}

func TestOverrideValidAt(t *testing.T) {
	o := &ApprovalOverride{
		IsActive:   true,
		ValidFrom:  mustTime(t, "2026-06-01T00:00:00Z"),
		ValidUntil: mustTime(t, "2026-06-30T00:00:00Z"),
	}

	assert.False(t, o.ValidAt(mustTime(t, "2026-05-31T23:59:59Z")))
	assert.True(t, o.ValidAt(mustTime(t, "2026-06-01T00:00:00Z")))
	assert.True(t, o.ValidAt(mustTime(t, "2026-06-15T12:00:00Z")))
	assert.False(t, o.ValidAt(mustTime(t, "2026-07-01T00:00:00Z")))

	o.IsActive = false
	assert.False(t, o.ValidAt(mustTime(t, "2026-06-15T12:00:00Z")))
}
