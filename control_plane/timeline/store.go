package timeline

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the number of stages kept in memory.
const DefaultCapacity = 10000

// StageEvent is one stage emitted for a gateway request.
type StageEvent struct {
	RID       string            `json:"rid"`
	Stage     string            `json:"stage"` // router.start, preflight.item, exec.finished, ...
	Timestamp time.Time         `json:"timestamp"`
	TenantID  string            `json:"tenant_id"`
	AgentID   string            `json:"agent_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store is a bounded in-memory audit of gateway stages. The oldest events are
// evicted first once capacity is reached.
type Store struct {
	events   []StageEvent
	capacity int
	mu       sync.RWMutex
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		events:   make([]StageEvent, 0, 64),
		capacity: capacity,
	}
}

func (s *Store) Record(e StageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if len(s.events) >= s.capacity {
		n := copy(s.events, s.events[len(s.events)-s.capacity+1:])
		s.events = s.events[:n]
	}
	s.events = append(s.events, e)
}

// GetEvents returns the stages of one request in emission order, scoped to
// the tenant.
func (s *Store) GetEvents(tenantID, rid string) []StageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []StageEvent
	for _, e := range s.events {
		if e.RID == rid && e.TenantID == tenantID {
			results = append(results, e)
		}
	}
	return results
}

// GetEventsByRunID returns the stages streamed for a run, across every
// request that followed it.
func (s *Store) GetEventsByRunID(tenantID, runID string) []StageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []StageEvent
	for _, e := range s.events {
		if e.TenantID == tenantID && e.Metadata["run_id"] == runID {
			results = append(results, e)
		}
	}
	return results
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
