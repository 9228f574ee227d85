package preflight

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/itskum47/fleetgate/control_plane/decision"
	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/store"
)

// Store is the persistence the service reads.
type Store interface {
	LatestHeartbeat(ctx context.Context, tenantID, agentID string) (*store.Heartbeat, error)
	GetBatchByKey(ctx context.Context, tenantID, key string) (*store.Batch, error)
}

// RunFailer marks a run failed when its preflight fails.
type RunFailer interface {
	FailRun(ctx context.Context, tenantID, runID, reason string) error
}

// Request is a preflight invocation.
type Request struct {
	AgentID  string
	Decision decision.Decision
	RunID    string
}

// Service evaluates preflight for decisions.
type Service struct {
	store Store
	runs  RunFailer
	now   func() time.Time
}

// NewService creates a preflight service. runs may be nil.
func NewService(s Store, runs RunFailer) *Service {
	return &Service{store: s, runs: runs, now: time.Now}
}

// Sanitize re-validates a client-supplied decision the same way the router
// validates model output. Unsafe actions come back as NotSupported.
func (s *Service) Sanitize(ctx context.Context, tenantID string, d decision.Decision) decision.Decision {
	return decision.Sanitize(d, func(key string) (*store.Batch, bool) {
		b, err := s.store.GetBatchByKey(ctx, tenantID, key)
		if err != nil {
			return nil, false
		}
		return b, true
	})
}

// Resolve returns the concrete commands of a decision together with its batch
// template, if any.
func (s *Service) Resolve(ctx context.Context, tenantID string, d decision.Decision) ([]string, *store.Batch, error) {
	var batch *store.Batch
	if ba, ok := d.(*decision.BatchAction); ok {
		b, err := s.store.GetBatchByKey(ctx, tenantID, ba.Task)
		if err != nil {
			return nil, nil, fmt.Errorf("load batch %s: %w", ba.Task, err)
		}
		batch = b
	}
	cmds, err := decision.Commands(d, batch)
	if err != nil {
		return nil, nil, err
	}
	return cmds, batch, nil
}

// Run evaluates preflight for the decision. When RunID is set and a check
// fails, the run is marked failed.
func (s *Service) Run(ctx context.Context, tenantID string, req Request) (*Result, error) {
	if req.Decision == nil {
		return nil, errors.New("decision is required")
	}
	cmds, batch, err := s.Resolve(ctx, tenantID, req.Decision)
	if err != nil {
		return nil, err
	}

	hb, err := s.store.LatestHeartbeat(ctx, tenantID, req.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load heartbeat: %w", err)
		}
		hb = nil
	}

	res := EvaluateWith(hb, cmds, s.now(), ThresholdsFor(batch))
	for _, c := range res.Checks {
		observability.PreflightChecks.WithLabelValues(c.Name, string(c.Status)).Inc()
	}
	log.Printf("[PREFLIGHT] agent=%s commands=%d ok=%v failed=%v", req.AgentID, len(cmds), res.OK, res.Failed)

	if !res.OK && req.RunID != "" && s.runs != nil {
		reason := "preflight failed: " + strings.Join(res.Failed, ", ")
		if err := s.runs.FailRun(ctx, tenantID, req.RunID, reason); err != nil {
			log.Printf("[PREFLIGHT] could not fail run %s: %v", req.RunID, err)
		}
	}
	return &res, nil
}
