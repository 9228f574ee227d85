// Package coordination runs the control plane's background workers.
package coordination

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/store"
)

const (
	StatusActive  = "active"
	StatusOffline = "offline"
)

// AgentStore is what the monitor reads and writes.
type AgentStore interface {
	ListAgents(ctx context.Context, tenantID string) ([]*store.Agent, error)
	UpsertAgent(ctx context.Context, tenantID string, agent *store.Agent) error
}

// AgentMonitor periodically marks agents with stale heartbeats offline. The
// next heartbeat flips them back to active.
type AgentMonitor struct {
	store     AgentStore
	tenants   []string
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
}

func NewAgentMonitor(s AgentStore, tenants []string, interval time.Duration, threshold time.Duration) *AgentMonitor {
	return &AgentMonitor{
		store:     s,
		tenants:   tenants,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
	}
}

// Run blocks until ctx is done.
func (m *AgentMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("[MONITOR] Agent liveness monitor started (interval %v, threshold %v, tenants %v)", m.interval, m.threshold, m.tenants)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckLiveness(ctx)
		}
	}
}

// CheckLiveness runs one pass and returns the number of active agents.
func (m *AgentMonitor) CheckLiveness(ctx context.Context) int {
	activeCount := 0
	now := m.now()
	for _, tenantID := range m.tenants {
		agents, err := m.store.ListAgents(ctx, tenantID)
		if err != nil {
			log.Printf("[MONITOR] Failed to list agents of %s: %v", tenantID, err)
			continue
		}
		for _, agent := range agents {
			if agent.Status == StatusOffline {
				continue
			}
			if now.Sub(agent.LastHeartbeat) <= m.threshold {
				activeCount++
				continue
			}
			log.Printf("[MONITOR] Agent %s heartbeat expired (last %v), marking offline", agent.ID, agent.LastHeartbeat)
			agent.Status = StatusOffline
			agent.UpdatedAt = now
			if err := m.store.UpsertAgent(ctx, tenantID, agent); err != nil {
				log.Printf("[MONITOR] Failed to mark agent %s offline: %v", agent.ID, err)
			}
		}
	}
	observability.ConnectedAgents.Set(float64(activeCount))
	return activeCount
}
