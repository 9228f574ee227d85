package store

import (
	"encoding/json"
	"time"

	"github.com/itskum47/fleetgate/control_plane/policy"
)

// Agent represents a registered remote execution node.
type Agent struct {
	ID               string            `json:"agent_id" yaml:"agent_id" db:"agent_id"`
	TenantID         string            `json:"tenant_id" yaml:"tenant_id" db:"tenant_id"`
	Hostname         string            `json:"hostname" yaml:"hostname" db:"hostname"`
	Address          string            `json:"address" yaml:"address" db:"address"`
	Port             int               `json:"port" yaml:"port" db:"port"`
	OS               string            `json:"os" yaml:"os" db:"os"`
	OSVersion        string            `json:"os_version" yaml:"os_version" db:"os_version"`
	Version          string            `json:"version" yaml:"version" db:"version"`
	Status           string            `json:"status" yaml:"status" db:"status"` // "active", "offline"
	LastHeartbeat    time.Time         `json:"last_heartbeat" yaml:"-" db:"last_heartbeat_at"`
	LastDecisionJSON json.RawMessage   `json:"last_decision_json,omitempty" yaml:"-" db:"last_decision_json"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time         `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"-" db:"updated_at"`
}

// Heartbeat is the last-known snapshot of an agent's host.
type Heartbeat struct {
	AgentID         string    `json:"agent_id" db:"agent_id"`
	TenantID        string    `json:"tenant_id" db:"tenant_id"`
	OS              string    `json:"os" db:"os"`
	OSVersion       string    `json:"os_version" db:"os_version"`
	PackageManager  string    `json:"package_manager" db:"package_manager"`
	OpenPorts       []int     `json:"open_ports" db:"open_ports"`
	RunningServices []string  `json:"running_services" db:"running_services"`
	DiskFreeGB      float64   `json:"disk_free_gb" db:"disk_free_gb"`
	DiskTotalGB     float64   `json:"disk_total_gb" db:"disk_total_gb"`
	MemoryUsedPct   float64   `json:"memory_used_pct" db:"memory_used_pct"`
	CPUUsedPct      float64   `json:"cpu_used_pct" db:"cpu_used_pct"`
	UptimeSeconds   int64     `json:"uptime_seconds" db:"uptime_seconds"`
	NetworkOK       *bool     `json:"network_ok,omitempty" db:"network_ok"`
	ReceivedAt      time.Time `json:"received_at" db:"received_at"`
}

// Capability grants an agent a named execution capability for a customer.
type Capability struct {
	AgentID  string `json:"agent_id" yaml:"agent_id" db:"agent_id"`
	TenantID string `json:"tenant_id" yaml:"tenant_id" db:"tenant_id"`
	Name     string `json:"name" yaml:"name" db:"name"` // e.g. "run_inline_safe"
	Active   bool   `json:"active" yaml:"active" db:"active"`
}

// PreflightSpec overrides the default preflight thresholds of a batch.
type PreflightSpec struct {
	MinDiskGB      float64  `json:"min_disk_gb,omitempty" yaml:"min_disk_gb,omitempty"`
	MaxMemoryPct   float64  `json:"max_memory_pct,omitempty" yaml:"max_memory_pct,omitempty"`
	RequiredChecks []string `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// ConcurrencyLimits caps simultaneous runs of a batch. Zero means unlimited.
type ConcurrencyLimits struct {
	PerAgent  int `json:"per_agent_concurrency,omitempty" yaml:"per_agent_concurrency,omitempty"`
	PerTenant int `json:"per_tenant_concurrency,omitempty" yaml:"per_tenant_concurrency,omitempty"`
}

// Batch is an immutable, pre-approved multi-step script template.
// A new version replaces the row; commands of a referenced batch are never
// edited in place.
type Batch struct {
	ID                string            `json:"id" yaml:"id" db:"id"`
	TenantID          string            `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty" db:"tenant_id"`
	Key               string            `json:"key" yaml:"key" db:"key"`
	Name              string            `json:"name" yaml:"name" db:"name"`
	Description       string            `json:"description" yaml:"description" db:"description"`
	Risk              policy.Risk       `json:"risk" yaml:"risk" db:"risk"`
	InputsSchema      map[string]any    `json:"inputs_schema,omitempty" yaml:"inputs_schema,omitempty" db:"inputs_schema"`
	InputsDefaults    map[string]any    `json:"inputs_defaults,omitempty" yaml:"inputs_defaults,omitempty" db:"inputs_defaults"`
	Preflight         PreflightSpec     `json:"preflight" yaml:"preflight" db:"preflight"`
	Commands          []string          `json:"commands" yaml:"commands" db:"commands"`
	OSTargets         []string          `json:"os_targets,omitempty" yaml:"os_targets,omitempty" db:"os_targets"`
	ConcurrencyLimits ConcurrencyLimits `json:"concurrency_limits" yaml:"concurrency_limits" db:"concurrency_limits"`
	Version           int               `json:"version" yaml:"version" db:"version"`
	Active            bool              `json:"active" yaml:"active" db:"active"`
}

// RunStatus is the lifecycle state of a BatchRun.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// BatchRun is one execution attempt on one agent.
type BatchRun struct {
	ID          string          `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	AgentID     string          `json:"agent_id" db:"agent_id"`
	BatchID     string          `json:"batch_id,omitempty" db:"batch_id"`
	Task        string          `json:"task" db:"task"` // batch key, custom_shell or proposed_batch_script
	Status      RunStatus       `json:"status" db:"status"`
	Risk        policy.Risk     `json:"risk" db:"risk"`
	Commands    []string        `json:"commands" db:"commands"`
	TaskIDs     []string        `json:"task_ids" db:"task_ids"`
	Contract    json.RawMessage `json:"contract,omitempty" db:"contract"`
	Progress    int             `json:"progress" db:"progress"` // percent
	RawStdout   string          `json:"raw_stdout" db:"raw_stdout"`
	RawStderr   string          `json:"raw_stderr" db:"raw_stderr"`
	Error       string          `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	DurationSec float64         `json:"duration_sec" db:"duration_sec"`
}

// RunFilter selects active runs for admission counting. Empty fields match
// everything.
type RunFilter struct {
	TenantID string
	AgentID  string
	BatchID  string
}

// ModelConfig is one entry of the ordered AI model fallback list.
type ModelConfig struct {
	Model    string `json:"model" yaml:"model" db:"model"`
	Provider string `json:"provider" yaml:"provider" db:"provider"`
	Priority int    `json:"priority" yaml:"priority" db:"priority"`
	Enabled  bool   `json:"enabled" yaml:"enabled" db:"enabled"`
}

// UsageRecord is a token usage and cost log line.
type UsageRecord struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	AgentID      string    `json:"agent_id" db:"agent_id"`
	RequestType  string    `json:"request_type" db:"request_type"`
	Model        string    `json:"model" db:"model"`
	InputTokens  int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens int       `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
