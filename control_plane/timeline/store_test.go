package timeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndGet(t *testing.T) {
	s := NewStore(0)
	s.Record(StageEvent{RID: "r1", Stage: "router.start", TenantID: "t1"})
	s.Record(StageEvent{RID: "r2", Stage: "router.start", TenantID: "t1"})
	s.Record(StageEvent{RID: "r1", Stage: "router.done", TenantID: "t1"})

	got := s.GetEvents("t1", "r1")
	require.Len(t, got, 2)
	assert.Equal(t, "router.start", got[0].Stage)
	assert.Equal(t, "router.done", got[1].Stage)
	assert.False(t, got[0].Timestamp.IsZero())

	assert.Empty(t, s.GetEvents("t2", "r1"), "other tenants see nothing")
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Record(StageEvent{RID: fmt.Sprintf("r%d", i), Stage: "x", TenantID: "t"})
	}
	assert.Equal(t, 3, s.Len())
	assert.Empty(t, s.GetEvents("t", "r0"))
	assert.Empty(t, s.GetEvents("t", "r1"))
	assert.Len(t, s.GetEvents("t", "r4"), 1)
}

func TestGetEventsByRunID(t *testing.T) {
	s := NewStore(0)
	s.Record(StageEvent{RID: "r1", Stage: "preflight.done", TenantID: "t1"})
	s.Record(StageEvent{RID: "r1", Stage: "exec.queued", TenantID: "t1", Metadata: map[string]string{"run_id": "run-1"}})
	s.Record(StageEvent{RID: "r2", Stage: "exec.finished", TenantID: "t1", Metadata: map[string]string{"run_id": "run-1"}})
	s.Record(StageEvent{RID: "r3", Stage: "exec.queued", TenantID: "t2", Metadata: map[string]string{"run_id": "run-1"}})

	got := s.GetEventsByRunID("t1", "run-1")
	require.Len(t, got, 2)
	assert.Equal(t, "exec.queued", got[0].Stage)
	assert.Equal(t, "r2", got[1].RID)
}
