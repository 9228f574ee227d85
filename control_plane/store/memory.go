package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/fleetgate/control_plane/policy"
)

// MemoryStore holds agents, configuration and runs in memory.
// It implements the Store interface and is used in dev mode and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	agents       map[string]*Agent
	heartbeats   map[string]*Heartbeat
	capabilities map[string]*Capability
	policies     map[string]*policy.CommandPolicy
	batches      map[string]*Batch
	runs         map[string]*BatchRun
	models       map[string]*ModelConfig
	usage        []UsageRecord
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]*Agent),
		heartbeats:   make(map[string]*Heartbeat),
		capabilities: make(map[string]*Capability),
		policies:     make(map[string]*policy.CommandPolicy),
		batches:      make(map[string]*Batch),
		runs:         make(map[string]*BatchRun),
		models:       make(map[string]*ModelConfig),
	}
}

// --- Agent Operations ---

func (s *MemoryStore) UpsertAgent(ctx context.Context, tenantID string, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	a.TenantID = tenantID
	key := TenantKey(tenantID, ResourceAgent, a.ID)
	if prev, ok := s.agents[key]; ok {
		a.CreatedAt = prev.CreatedAt
		if a.LastDecisionJSON == nil {
			a.LastDecisionJSON = prev.LastDecisionJSON
		}
		if a.LastHeartbeat.IsZero() {
			a.LastHeartbeat = prev.LastHeartbeat
		}
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	agentCopy := *a
	s.agents[key] = &agentCopy
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, tenantID string, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[TenantKey(tenantID, ResourceAgent, agentID)]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	agentCopy := *a
	return &agentCopy, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Agent, 0, len(s.agents))
	for key, a := range s.agents {
		// Filter by key prefix to ensure isolation
		if hasTenantPrefix(key, tenantID, ResourceAgent) {
			agentCopy := *a
			result = append(result, &agentCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) SaveLastDecision(ctx context.Context, tenantID string, agentID string, decision []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[TenantKey(tenantID, ResourceAgent, agentID)]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	a.LastDecisionJSON = append(json.RawMessage(nil), decision...)
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GrantCapability(ctx context.Context, c *Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	capCopy := *c
	s.capabilities[TenantKey(c.TenantID, ResourceCapability, c.AgentID+"/"+c.Name)] = &capCopy
	return nil
}

func (s *MemoryStore) HasCapability(ctx context.Context, tenantID string, agentID string, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.capabilities[TenantKey(tenantID, ResourceCapability, agentID+"/"+name)]
	return ok && c.Active, nil
}

// --- Heartbeat Operations ---

func (s *MemoryStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[TenantKey(hb.TenantID, ResourceAgent, hb.AgentID)]
	if !ok {
		return fmt.Errorf("agent %s: %w", hb.AgentID, ErrNotFound)
	}
	if hb.ReceivedAt.IsZero() {
		hb.ReceivedAt = time.Now()
	}
	hbCopy := *hb
	s.heartbeats[TenantKey(hb.TenantID, ResourceHeartbeat, hb.AgentID)] = &hbCopy

	a.LastHeartbeat = hb.ReceivedAt
	a.Status = "active"
	if hb.OS != "" {
		a.OS = hb.OS
		a.OSVersion = hb.OSVersion
	}
	return nil
}

func (s *MemoryStore) LatestHeartbeat(ctx context.Context, tenantID string, agentID string) (*Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb, ok := s.heartbeats[TenantKey(tenantID, ResourceHeartbeat, agentID)]
	if !ok {
		return nil, fmt.Errorf("heartbeat for %s: %w", agentID, ErrNotFound)
	}
	hbCopy := *hb
	return &hbCopy, nil
}

// --- Policy Operations ---

func (s *MemoryStore) UpsertPolicy(ctx context.Context, tenantID string, p *policy.CommandPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.TenantID = tenantID
	pCopy := *p
	s.policies[TenantKey(tenantID, ResourcePolicy, p.ID)] = &pCopy
	return nil
}

func (s *MemoryStore) ListActivePolicies(ctx context.Context, tenantID string) ([]policy.CommandPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]policy.CommandPolicy, 0, len(s.policies))
	for key, p := range s.policies {
		if p.Active && hasTenantPrefix(key, tenantID, ResourcePolicy) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// --- Batch Operations ---

func (s *MemoryStore) UpsertBatch(ctx context.Context, tenantID string, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.TenantID = tenantID
	key := TenantKey(tenantID, ResourceBatch, b.Key)
	if prev, ok := s.batches[key]; ok {
		b.Version = prev.Version + 1
	} else if b.Version == 0 {
		b.Version = 1
	}
	bCopy := *b
	s.batches[key] = &bCopy
	return nil
}

func (s *MemoryStore) GetBatchByKey(ctx context.Context, tenantID string, key string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[TenantKey(tenantID, ResourceBatch, key)]
	if !ok || !b.Active {
		return nil, fmt.Errorf("batch %s: %w", key, ErrNotFound)
	}
	bCopy := *b
	return &bCopy, nil
}

func (s *MemoryStore) ListBatches(ctx context.Context, tenantID string) ([]*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Batch, 0, len(s.batches))
	for key, b := range s.batches {
		if b.Active && hasTenantPrefix(key, tenantID, ResourceBatch) {
			bCopy := *b
			result = append(result, &bCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// --- Run Operations ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := TenantKey(run.TenantID, ResourceRun, run.ID)
	if _, exists := s.runs[key]; exists {
		return fmt.Errorf("run %s: %w", run.ID, ErrDuplicate)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	s.runs[key] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, tenantID string, runID string) (*BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[TenantKey(tenantID, ResourceRun, runID)]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, tenantID string, runID string, fn func(*BatchRun) error) (*BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := TenantKey(tenantID, ResourceRun, runID)
	current, ok := s.runs[key]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	next := cloneRun(current)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.runs[key] = next
	return cloneRun(next), nil
}

func (s *MemoryStore) CountActiveRuns(ctx context.Context, f RunFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.runs {
		if r.Status.Terminal() {
			continue
		}
		if f.TenantID != "" && r.TenantID != f.TenantID {
			continue
		}
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		if f.BatchID != "" && r.BatchID != f.BatchID {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, tenantID string, agentID string, limit int) ([]*BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*BatchRun
	for key, r := range s.runs {
		if !hasTenantPrefix(key, tenantID, ResourceRun) {
			continue
		}
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		result = append(result, cloneRun(r))
	}
	// Newest first
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneRun(r *BatchRun) *BatchRun {
	c := *r
	c.Commands = append([]string(nil), r.Commands...)
	c.TaskIDs = append([]string(nil), r.TaskIDs...)
	c.Contract = append(json.RawMessage(nil), r.Contract...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// --- Model Operations ---

func (s *MemoryStore) UpsertModel(ctx context.Context, m *ModelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mCopy := *m
	s.models[m.Model] = &mCopy
	return nil
}

func (s *MemoryStore) ListModels(ctx context.Context) ([]ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ModelConfig, 0, len(s.models))
	for _, m := range s.models {
		if m.Enabled {
			result = append(result, *m)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].Model < result[j].Model
	})
	return result, nil
}

func (s *MemoryStore) RecordUsage(ctx context.Context, u *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.usage = append(s.usage, *u)
	return nil
}

// Usage returns a copy of the recorded usage log.
func (s *MemoryStore) Usage() []UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]UsageRecord(nil), s.usage...)
}
