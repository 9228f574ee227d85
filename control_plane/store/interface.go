package store

import (
	"context"
	"errors"

	"github.com/itskum47/fleetgate/control_plane/policy"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a record with the same id already exists.
	ErrDuplicate = errors.New("already exists")
)

// Store defines the methods required for a permanent storage backend.
// Policies, batches and runs are read fresh on every request; the store is
// the only place cross-request state lives.
type Store interface {
	AgentStore
	HeartbeatStore
	PolicyStore
	BatchStore
	RunStore
	ModelStore
}

// AgentStore manages agents and their capabilities.
type AgentStore interface {
	UpsertAgent(ctx context.Context, tenantID string, agent *Agent) error
	GetAgent(ctx context.Context, tenantID string, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*Agent, error)
	// SaveLastDecision persists the latest action decision for audit/resume.
	SaveLastDecision(ctx context.Context, tenantID string, agentID string, decision []byte) error

	GrantCapability(ctx context.Context, c *Capability) error
	HasCapability(ctx context.Context, tenantID string, agentID string, name string) (bool, error)
}

// HeartbeatStore keeps heartbeat snapshots.
type HeartbeatStore interface {
	// RecordHeartbeat stores a snapshot and bumps the agent's last heartbeat.
	RecordHeartbeat(ctx context.Context, hb *Heartbeat) error
	LatestHeartbeat(ctx context.Context, tenantID string, agentID string) (*Heartbeat, error)
}

// PolicyStore reads and seeds command policies.
type PolicyStore interface {
	UpsertPolicy(ctx context.Context, tenantID string, p *policy.CommandPolicy) error
	ListActivePolicies(ctx context.Context, tenantID string) ([]policy.CommandPolicy, error)
}

// BatchStore reads and seeds batch templates.
type BatchStore interface {
	UpsertBatch(ctx context.Context, tenantID string, b *Batch) error
	GetBatchByKey(ctx context.Context, tenantID string, key string) (*Batch, error)
	ListBatches(ctx context.Context, tenantID string) ([]*Batch, error)
}

// RunStore persists BatchRun lifecycles.
type RunStore interface {
	CreateRun(ctx context.Context, run *BatchRun) error
	GetRun(ctx context.Context, tenantID string, runID string) (*BatchRun, error)
	// UpdateRun applies fn to the current row under a row lock. If fn returns
	// an error nothing is written and the error is returned.
	UpdateRun(ctx context.Context, tenantID string, runID string, fn func(*BatchRun) error) (*BatchRun, error)
	CountActiveRuns(ctx context.Context, f RunFilter) (int, error)
	ListRuns(ctx context.Context, tenantID string, agentID string, limit int) ([]*BatchRun, error)
}

// ModelStore holds the AI fallback list and usage log.
type ModelStore interface {
	UpsertModel(ctx context.Context, m *ModelConfig) error
	// ListModels returns enabled models ordered by ascending priority.
	ListModels(ctx context.Context) ([]ModelConfig, error)
	RecordUsage(ctx context.Context, u *UsageRecord) error
}
