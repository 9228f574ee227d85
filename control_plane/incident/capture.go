// Package incident bundles everything known about a run for post-mortems.
package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/fleetgate/control_plane/store"
	"github.com/itskum47/fleetgate/control_plane/timeline"
)

// recentRuns is how many earlier runs of the same agent are attached.
const recentRuns = 20

// Report represents a captured run context for debugging.
type Report struct {
	RunID      string                `json:"run_id"`
	Run        *store.BatchRun       `json:"run"`
	Agent      *store.Agent          `json:"agent"`
	Heartbeat  *store.Heartbeat      `json:"heartbeat,omitempty"`
	Events     []timeline.StageEvent `json:"events"`
	RecentRuns []*store.BatchRun     `json:"recent_runs"`
	CapturedAt time.Time             `json:"captured_at"`
	Analysis   string                `json:"analysis,omitempty"`
}

// Store defines dependencies needed for capture.
type Store interface {
	GetRun(ctx context.Context, tenantID, runID string) (*store.BatchRun, error)
	GetAgent(ctx context.Context, tenantID, agentID string) (*store.Agent, error)
	LatestHeartbeat(ctx context.Context, tenantID, agentID string) (*store.Heartbeat, error)
	ListRuns(ctx context.Context, tenantID, agentID string, limit int) ([]*store.BatchRun, error)
}

// Timeline defines timeline dependencies.
type Timeline interface {
	GetEventsByRunID(tenantID, runID string) []timeline.StageEvent
}

// Capture gathers the run, its agent, the last heartbeat, the streamed
// stages and the agent's recent runs. A missing run returns store.ErrNotFound.
func Capture(ctx context.Context, s Store, tl Timeline, tenantID, runID string) (*Report, error) {
	run, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	agent, err := s.GetAgent(ctx, tenantID, run.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", run.AgentID, err)
	}

	hb, err := s.LatestHeartbeat(ctx, tenantID, run.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load heartbeat: %w", err)
		}
		hb = nil
	}

	runs, err := s.ListRuns(ctx, tenantID, run.AgentID, recentRuns+1)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	recent := make([]*store.BatchRun, 0, len(runs))
	for _, r := range runs {
		if r.ID != runID && len(recent) < recentRuns {
			recent = append(recent, r)
		}
	}

	events := tl.GetEventsByRunID(tenantID, runID)
	if events == nil {
		events = []timeline.StageEvent{}
	}

	return &Report{
		RunID:      runID,
		Run:        run,
		Agent:      agent,
		Heartbeat:  hb,
		Events:     events,
		RecentRuns: recent,
		CapturedAt: time.Now().UTC(),
		Analysis:   analyze(run, hb, recent),
	}, nil
}

// analyze is a short human hint, empty when nothing stands out.
func analyze(run *store.BatchRun, hb *store.Heartbeat, recent []*store.BatchRun) string {
	if run.Status != store.RunFailed {
		return ""
	}
	failures := 0
	for _, r := range recent {
		if r.Status == store.RunFailed {
			failures++
		}
	}
	switch {
	case hb == nil:
		return "agent never reported a heartbeat"
	case hb.NetworkOK != nil && !*hb.NetworkOK:
		return "agent reported no network at its last heartbeat"
	case failures >= 3:
		return fmt.Sprintf("%d of the agent's %d previous runs also failed", failures, len(recent))
	case run.Error != "":
		return run.Error
	}
	return ""
}
