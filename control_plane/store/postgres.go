package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/fleetgate/control_plane/policy"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Printf("[STORE] Schema applied")
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Agent Operations ---

const agentColumns = `agent_id, tenant_id, hostname, address, port, os, os_version, version, status,
	last_heartbeat_at, last_decision_json, metadata, created_at, updated_at`

func (s *PostgresStore) UpsertAgent(ctx context.Context, tenantID string, agent *Agent) error {
	agent.TenantID = tenantID
	if agent.Status == "" {
		agent.Status = "active"
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]string{}
	}
	query := `
		INSERT INTO agents (agent_id, tenant_id, hostname, address, port, os, os_version, version, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			address = EXCLUDED.address,
			port = EXCLUDED.port,
			os = EXCLUDED.os,
			os_version = EXCLUDED.os_version,
			version = EXCLUDED.version,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		agent.ID, agent.TenantID, agent.Hostname, agent.Address, agent.Port,
		agent.OS, agent.OSVersion, agent.Version, agent.Status, agent.Metadata,
	)
	return err
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var lastHeartbeat *time.Time
	var decision []byte
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Hostname, &a.Address, &a.Port, &a.OS, &a.OSVersion, &a.Version, &a.Status,
		&lastHeartbeat, &decision, &a.Metadata, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastHeartbeat != nil {
		a.LastHeartbeat = *lastHeartbeat
	}
	a.LastDecisionJSON = decision
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, tenantID string, agentID string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1 AND tenant_id = $2`
	a, err := scanAgent(s.pool.QueryRow(ctx, query, agentID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE tenant_id = $1 ORDER BY agent_id`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) SaveLastDecision(ctx context.Context, tenantID string, agentID string, decision []byte) error {
	query := `UPDATE agents SET last_decision_json = $1, updated_at = NOW() WHERE agent_id = $2 AND tenant_id = $3`
	tag, err := s.pool.Exec(ctx, query, decision, agentID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GrantCapability(ctx context.Context, c *Capability) error {
	query := `
		INSERT INTO agent_capabilities (tenant_id, agent_id, name, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, agent_id, name) DO UPDATE SET active = EXCLUDED.active
	`
	_, err := s.pool.Exec(ctx, query, c.TenantID, c.AgentID, c.Name, c.Active)
	return err
}

func (s *PostgresStore) HasCapability(ctx context.Context, tenantID string, agentID string, name string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM agent_capabilities
			WHERE tenant_id = $1 AND agent_id = $2 AND name = $3 AND active
		)
	`
	var ok bool
	err := s.pool.QueryRow(ctx, query, tenantID, agentID, name).Scan(&ok)
	return ok, err
}

// --- Heartbeat Operations ---

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	if hb.ReceivedAt.IsZero() {
		hb.ReceivedAt = time.Now()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE agents SET
			last_heartbeat_at = $1,
			status = 'active',
			os = COALESCE(NULLIF($2::text, ''), os),
			os_version = COALESCE(NULLIF($3::text, ''), os_version),
			updated_at = NOW()
		WHERE agent_id = $4 AND tenant_id = $5
	`, hb.ReceivedAt, hb.OS, hb.OSVersion, hb.AgentID, hb.TenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", hb.AgentID, ErrNotFound)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO agent_heartbeats (tenant_id, agent_id, os, os_version, package_manager, open_ports,
			running_services, disk_free_gb, disk_total_gb, memory_used_pct, cpu_used_pct, uptime_seconds,
			network_ok, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, hb.TenantID, hb.AgentID, hb.OS, hb.OSVersion, hb.PackageManager, nonNilInts(hb.OpenPorts),
		nonNilStrings(hb.RunningServices), hb.DiskFreeGB, hb.DiskTotalGB, hb.MemoryUsedPct, hb.CPUUsedPct,
		hb.UptimeSeconds, hb.NetworkOK, hb.ReceivedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) LatestHeartbeat(ctx context.Context, tenantID string, agentID string) (*Heartbeat, error) {
	query := `
		SELECT tenant_id, agent_id, os, os_version, package_manager, open_ports, running_services,
			disk_free_gb, disk_total_gb, memory_used_pct, cpu_used_pct, uptime_seconds, network_ok, received_at
		FROM agent_heartbeats
		WHERE tenant_id = $1 AND agent_id = $2
		ORDER BY received_at DESC
		LIMIT 1
	`
	var hb Heartbeat
	err := s.pool.QueryRow(ctx, query, tenantID, agentID).Scan(
		&hb.TenantID, &hb.AgentID, &hb.OS, &hb.OSVersion, &hb.PackageManager, &hb.OpenPorts, &hb.RunningServices,
		&hb.DiskFreeGB, &hb.DiskTotalGB, &hb.MemoryUsedPct, &hb.CPUUsedPct, &hb.UptimeSeconds, &hb.NetworkOK, &hb.ReceivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("heartbeat for %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

// --- Policy Operations ---

func (s *PostgresStore) UpsertPolicy(ctx context.Context, tenantID string, p *policy.CommandPolicy) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.TenantID = tenantID
	query := `
		INSERT INTO command_policies (id, tenant_id, name, mode, match_type, match_value, os_whitelist, risk, confirm_message, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			mode = EXCLUDED.mode,
			match_type = EXCLUDED.match_type,
			match_value = EXCLUDED.match_value,
			os_whitelist = EXCLUDED.os_whitelist,
			risk = EXCLUDED.risk,
			confirm_message = EXCLUDED.confirm_message,
			active = EXCLUDED.active
	`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.TenantID, p.Name, string(p.Mode), string(p.MatchType), p.MatchValue,
		nonNilStrings(p.OSWhitelist), string(p.Risk), p.ConfirmMessage, p.Active,
	)
	return err
}

func (s *PostgresStore) ListActivePolicies(ctx context.Context, tenantID string) ([]policy.CommandPolicy, error) {
	query := `
		SELECT id, tenant_id, name, mode, match_type, match_value, os_whitelist, risk, confirm_message, active
		FROM command_policies
		WHERE tenant_id = $1 AND active
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.CommandPolicy
	for rows.Next() {
		var p policy.CommandPolicy
		var mode, matchType, risk string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &mode, &matchType, &p.MatchValue,
			&p.OSWhitelist, &risk, &p.ConfirmMessage, &p.Active); err != nil {
			return nil, err
		}
		p.Mode = policy.Mode(mode)
		p.MatchType = policy.MatchType(matchType)
		p.Risk = policy.Risk(risk)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Batch Operations ---

const batchColumns = `id, tenant_id, key, name, description, risk, inputs_schema, inputs_defaults,
	preflight, commands, os_targets, concurrency_limits, version, active`

// UpsertBatch replaces the live version of a batch key. The previous row is
// deactivated, never edited, so runs that reference it keep their commands.
func (s *PostgresStore) UpsertBatch(ctx context.Context, tenantID string, b *Batch) error {
	b.TenantID = tenantID
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var prevID string
	var prevVersion int
	err = tx.QueryRow(ctx,
		`SELECT id, version FROM batches WHERE tenant_id = $1 AND key = $2 AND active FOR UPDATE`,
		tenantID, b.Key,
	).Scan(&prevID, &prevVersion)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if b.Version == 0 {
			b.Version = 1
		}
	case err != nil:
		return err
	default:
		if _, err := tx.Exec(ctx, `UPDATE batches SET active = FALSE WHERE id = $1`, prevID); err != nil {
			return err
		}
		b.Version = prevVersion + 1
		if b.ID == prevID {
			b.ID = ""
		}
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, b.ID, b.TenantID, b.Key, b.Name, b.Description, string(b.Risk), b.InputsSchema, b.InputsDefaults,
		b.Preflight, nonNilStrings(b.Commands), nonNilStrings(b.OSTargets), b.ConcurrencyLimits, b.Version, b.Active)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var risk string
	err := row.Scan(&b.ID, &b.TenantID, &b.Key, &b.Name, &b.Description, &risk, &b.InputsSchema,
		&b.InputsDefaults, &b.Preflight, &b.Commands, &b.OSTargets, &b.ConcurrencyLimits, &b.Version, &b.Active)
	if err != nil {
		return nil, err
	}
	b.Risk = policy.Risk(risk)
	return &b, nil
}

func (s *PostgresStore) GetBatchByKey(ctx context.Context, tenantID string, key string) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE tenant_id = $1 AND key = $2 AND active`
	b, err := scanBatch(s.pool.QueryRow(ctx, query, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", key, ErrNotFound)
	}
	return b, err
}

func (s *PostgresStore) ListBatches(ctx context.Context, tenantID string) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE tenant_id = $1 AND active ORDER BY key`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Run Operations ---

const runColumns = `id, tenant_id, agent_id, batch_id, task, status, risk, commands, task_ids, contract,
	progress, raw_stdout, raw_stderr, error, created_at, started_at, finished_at, duration_sec`

func scanRun(row pgx.Row) (*BatchRun, error) {
	var r BatchRun
	var status, risk string
	var contract []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.AgentID, &r.BatchID, &r.Task, &status, &risk, &r.Commands,
		&r.TaskIDs, &contract, &r.Progress, &r.RawStdout, &r.RawStderr, &r.Error, &r.CreatedAt,
		&r.StartedAt, &r.FinishedAt, &r.DurationSec)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.Risk = policy.Risk(risk)
	r.Contract = contract
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *BatchRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batch_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, run.ID, run.TenantID, run.AgentID, run.BatchID, run.Task, string(run.Status), string(run.Risk),
		nonNilStrings(run.Commands), nonNilStrings(run.TaskIDs), []byte(run.Contract), run.Progress,
		run.RawStdout, run.RawStderr, run.Error, run.CreatedAt, run.StartedAt, run.FinishedAt, run.DurationSec)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, tenantID string, runID string) (*BatchRun, error) {
	query := `SELECT ` + runColumns + ` FROM batch_runs WHERE id = $1 AND tenant_id = $2`
	r, err := scanRun(s.pool.QueryRow(ctx, query, runID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

// UpdateRun locks the row with SELECT ... FOR UPDATE so concurrent agent
// reports serialize on the run.
func (s *PostgresStore) UpdateRun(ctx context.Context, tenantID string, runID string, fn func(*BatchRun) error) (*BatchRun, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + runColumns + ` FROM batch_runs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`
	r, err := scanRun(tx.QueryRow(ctx, query, runID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE batch_runs SET
			status = $1, task_ids = $2, contract = $3, progress = $4, raw_stdout = $5, raw_stderr = $6,
			error = $7, started_at = $8, finished_at = $9, duration_sec = $10
		WHERE id = $11 AND tenant_id = $12
	`, string(r.Status), nonNilStrings(r.TaskIDs), []byte(r.Contract), r.Progress, r.RawStdout, r.RawStderr,
		r.Error, r.StartedAt, r.FinishedAt, r.DurationSec, runID, tenantID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) CountActiveRuns(ctx context.Context, f RunFilter) (int, error) {
	query := `
		SELECT COUNT(*) FROM batch_runs
		WHERE status IN ('queued', 'running')
		  AND ($1::text = '' OR tenant_id = $1)
		  AND ($2::text = '' OR agent_id = $2)
		  AND ($3::text = '' OR batch_id = $3)
	`
	var count int
	err := s.pool.QueryRow(ctx, query, f.TenantID, f.AgentID, f.BatchID).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, tenantID string, agentID string, limit int) ([]*BatchRun, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + runColumns + ` FROM batch_runs
		WHERE tenant_id = $1 AND ($2::text = '' OR agent_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, tenantID, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BatchRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Model Operations ---

func (s *PostgresStore) UpsertModel(ctx context.Context, m *ModelConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_models (model, provider, priority, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model) DO UPDATE SET
			provider = EXCLUDED.provider,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled
	`, m.Model, m.Provider, m.Priority, m.Enabled)
	return err
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]ModelConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT model, provider, priority, enabled FROM ai_models WHERE enabled ORDER BY priority, model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelConfig
	for rows.Next() {
		var m ModelConfig
		if err := rows.Scan(&m.Model, &m.Provider, &m.Priority, &m.Enabled); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordUsage(ctx context.Context, u *UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_usage_logs (id, tenant_id, agent_id, request_type, model, input_tokens, output_tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.TenantID, u.AgentID, u.RequestType, u.Model, u.InputTokens, u.OutputTokens, u.CostUSD, u.CreatedAt)
	return err
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
