package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fleetgate/control_plane/store"
)

func TestConcurrencyLimits(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	batch := &store.Batch{ID: "b1", ConcurrencyLimits: store.ConcurrencyLimits{PerAgent: 1, PerTenant: 2}}
	c := NewController(ms, 0, 0)

	require.NoError(t, c.Admit(ctx, "t1", "a1", batch))
	require.NoError(t, ms.CreateRun(ctx, &store.BatchRun{ID: "r1", TenantID: "t1", AgentID: "a1", BatchID: "b1", Status: store.RunRunning}))

	err := c.Admit(ctx, "t1", "a1", batch)
	assert.ErrorIs(t, err, ErrAgentBusy)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 1, rej.Active)

	require.NoError(t, c.Admit(ctx, "t1", "a2", batch))
	require.NoError(t, ms.CreateRun(ctx, &store.BatchRun{ID: "r2", TenantID: "t1", AgentID: "a2", BatchID: "b1", Status: store.RunQueued}))
	assert.ErrorIs(t, c.Admit(ctx, "t1", "a3", batch), ErrTenantBusy)

	t.Run("terminal runs do not count", func(t *testing.T) {
		_, err := ms.UpdateRun(ctx, "t1", "r1", func(r *store.BatchRun) error {
			r.Status = store.RunCompleted
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, c.Admit(ctx, "t1", "a1", batch))
	})

	t.Run("ad-hoc commands skip batch limits", func(t *testing.T) {
		assert.NoError(t, c.Admit(ctx, "t1", "a2", nil))
	})
}

func TestDispatchRate(t *testing.T) {
	c := NewController(store.NewMemoryStore(), 0.001, 2)
	ctx := context.Background()

	require.NoError(t, c.Admit(ctx, "t1", "a1", nil))
	require.NoError(t, c.Admit(ctx, "t1", "a1", nil))
	err := c.Admit(ctx, "t1", "a1", nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Positive(t, rej.RetryAfter)

	assert.NoError(t, c.Admit(ctx, "t1", "a2", nil), "buckets are per agent")
}
