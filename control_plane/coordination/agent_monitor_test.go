package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fleetgate/control_plane/store"
)

func TestCheckLiveness(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	now := time.Now()

	require.NoError(t, ms.UpsertAgent(ctx, "t1", &store.Agent{ID: "fresh", Status: StatusActive, LastHeartbeat: now.Add(-10 * time.Second)}))
	require.NoError(t, ms.UpsertAgent(ctx, "t1", &store.Agent{ID: "stale", Status: StatusActive, LastHeartbeat: now.Add(-10 * time.Minute)}))
	require.NoError(t, ms.UpsertAgent(ctx, "t2", &store.Agent{ID: "other", Status: StatusActive, LastHeartbeat: now}))

	m := NewAgentMonitor(ms, []string{"t1"}, time.Minute, 2*time.Minute)
	m.now = func() time.Time { return now }

	assert.Equal(t, 1, m.CheckLiveness(ctx))

	stale, err := ms.GetAgent(ctx, "t1", "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, stale.Status)

	other, err := ms.GetAgent(ctx, "t2", "other")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, other.Status, "unmonitored tenants untouched")

	require.NoError(t, ms.RecordHeartbeat(ctx, &store.Heartbeat{AgentID: "stale", TenantID: "t1", ReceivedAt: now}))
	assert.Equal(t, 2, m.CheckLiveness(ctx), "a heartbeat brings the agent back")
}
