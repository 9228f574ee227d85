package incident

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fleetgate/control_plane/store"
	"github.com/itskum47/fleetgate/control_plane/timeline"
)

func TestCapture(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.UpsertAgent(ctx, "t1", &store.Agent{ID: "a1", OS: "ubuntu"}))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, ms.CreateRun(ctx, &store.BatchRun{
			ID: fmt.Sprintf("old-%d", i), TenantID: "t1", AgentID: "a1",
			Status: store.RunFailed, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, ms.CreateRun(ctx, &store.BatchRun{
		ID: "run-1", TenantID: "t1", AgentID: "a1", Status: store.RunFailed,
		Error: "exit 1", CreatedAt: time.Now(),
	}))

	tl := timeline.NewStore(0)
	tl.Record(timeline.StageEvent{RID: "r1", Stage: "exec.finished", TenantID: "t1", Metadata: map[string]string{"run_id": "run-1"}})

	t.Run("no heartbeat", func(t *testing.T) {
		rep, err := Capture(ctx, ms, tl, "t1", "run-1")
		require.NoError(t, err)
		assert.Equal(t, "a1", rep.Agent.ID)
		assert.Nil(t, rep.Heartbeat)
		assert.Len(t, rep.Events, 1)
		assert.Len(t, rep.RecentRuns, 4)
		assert.Equal(t, "agent never reported a heartbeat", rep.Analysis)
	})

	t.Run("repeated failures", func(t *testing.T) {
		require.NoError(t, ms.RecordHeartbeat(ctx, &store.Heartbeat{AgentID: "a1", TenantID: "t1", OS: "ubuntu"}))
		rep, err := Capture(ctx, ms, tl, "t1", "run-1")
		require.NoError(t, err)
		require.NotNil(t, rep.Heartbeat)
		assert.Contains(t, rep.Analysis, "4 of the agent's 4 previous runs")
	})

	t.Run("missing run", func(t *testing.T) {
		_, err := Capture(ctx, ms, tl, "t1", "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("other tenant", func(t *testing.T) {
		_, err := Capture(ctx, ms, tl, "t2", "run-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
