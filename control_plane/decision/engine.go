package decision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/itskum47/fleetgate/control_plane/llm"
	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/retriever"
	"github.com/itskum47/fleetgate/control_plane/store"
)

var ErrEmptyRequest = errors.New("user_request is required")

// RequestTypeRouter tags usage records produced by the router.
const RequestTypeRouter = "router"

// Completer is the AI Failover Layer as seen by the engine.
type Completer interface {
	Complete(ctx context.Context, call llm.Call) (*llm.Result, error)
}

// CandidateSource shortlists batches for a request.
type CandidateSource interface {
	Retrieve(ctx context.Context, tenantID, request, os string, limit int) ([]retriever.BatchSummary, error)
}

// PolicySource returns the OS-filtered active policies for an agent.
type PolicySource interface {
	ActivePolicies(ctx context.Context, tenantID, agentID string) ([]policy.CommandPolicy, string, error)
}

// Store is the subset of persistence the engine needs.
type Store interface {
	GetAgent(ctx context.Context, tenantID, agentID string) (*store.Agent, error)
	LatestHeartbeat(ctx context.Context, tenantID, agentID string) (*store.Heartbeat, error)
	SaveLastDecision(ctx context.Context, tenantID, agentID string, decision []byte) error
	GetBatchByKey(ctx context.Context, tenantID, key string) (*store.Batch, error)
}

// Request is one routing request.
type Request struct {
	TenantID    string `json:"-"`
	AgentID     string `json:"agent_id"`
	UserRequest string `json:"user_request"`
}

// Prepared holds everything the model is shown for a request.
type Prepared struct {
	Request     Request
	Agent       *store.Agent
	Heartbeat   *store.Heartbeat // nil when the agent never reported
	OS          string
	Candidates  []retriever.BatchSummary
	Policies    []policy.CommandPolicy
	PolicyNotes []string
}

// Outcome is a validated decision plus accounting.
type Outcome struct {
	Decision         Decision
	Batch            *store.Batch // set for batch actions
	Raw              string
	Model            string
	FailoverAttempts int
	CostUSD          float64
}

// Engine is the Decision Engine.
type Engine struct {
	store      Store
	policies   PolicySource
	candidates CandidateSource
	ai         Completer
	limit      int
}

// NewEngine wires the engine to its collaborators.
func NewEngine(s Store, policies PolicySource, candidates CandidateSource, ai Completer) *Engine {
	return &Engine{
		store:      s,
		policies:   policies,
		candidates: candidates,
		ai:         ai,
		limit:      retriever.DefaultLimit,
	}
}

// Prepare loads the agent, its latest heartbeat, policies and candidates.
func (e *Engine) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	req.UserRequest = strings.TrimSpace(req.UserRequest)
	if req.UserRequest == "" {
		return nil, ErrEmptyRequest
	}

	agent, err := e.store.GetAgent(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", req.AgentID, err)
	}

	hb, err := e.store.LatestHeartbeat(ctx, req.TenantID, req.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load heartbeat: %w", err)
		}
		hb = nil
	}

	policies, _, err := e.policies.ActivePolicies(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return nil, err
	}

	os := heartbeatOS(agent, hb)
	candidates, err := e.candidates.Retrieve(ctx, req.TenantID, req.UserRequest, os, e.limit)
	if err != nil {
		return nil, fmt.Errorf("retrieve candidates: %w", err)
	}

	return &Prepared{
		Request:     req,
		Agent:       agent,
		Heartbeat:   hb,
		OS:          os,
		Candidates:  candidates,
		Policies:    policies,
		PolicyNotes: PolicyNotes(policies),
	}, nil
}

// Decide asks the model, then parses and re-validates its answer. Action
// decisions are persisted on the agent record.
func (e *Engine) Decide(ctx context.Context, p *Prepared) (*Outcome, error) {
	res, err := e.ai.Complete(ctx, llm.Call{
		TenantID:    p.Request.TenantID,
		AgentID:     p.Request.AgentID,
		RequestType: RequestTypeRouter,
		System:      BuildSystemPrompt(p),
		Messages:    []llm.Message{{Role: "user", Content: p.Request.UserRequest}},
	})
	if err != nil {
		return nil, err
	}

	var batch *store.Batch
	lookup := func(key string) (*store.Batch, bool) {
		b, err := e.store.GetBatchByKey(ctx, p.Request.TenantID, key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[ROUTER] batch lookup %s failed: %v", key, err)
			}
			return nil, false
		}
		if !compatible(b, p.OS) {
			return nil, false
		}
		batch = b
		return b, true
	}

	d := Sanitize(Parse(res.Text), lookup)
	if _, ok := d.(*BatchAction); !ok {
		batch = nil
	}
	observability.RouterDecisions.WithLabelValues(string(d.Kind())).Inc()

	if IsAction(d) {
		e.persist(ctx, p.Request, d)
	}
	log.Printf("[ROUTER] agent=%s kind=%s task=%s model=%s failovers=%d",
		p.Request.AgentID, d.Kind(), TaskName(d), res.Model, res.FailoverAttempts)

	return &Outcome{
		Decision:         d,
		Batch:            batch,
		Raw:              res.Text,
		Model:            res.Model,
		FailoverAttempts: res.FailoverAttempts,
		CostUSD:          res.CostUSD,
	}, nil
}

// Route is Prepare followed by Decide.
func (e *Engine) Route(ctx context.Context, req Request) (*Outcome, error) {
	p, err := e.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Decide(ctx, p)
}

// persist is best-effort; the decision stands even when the write fails.
func (e *Engine) persist(ctx context.Context, req Request, d Decision) {
	data, err := Marshal(d)
	if err != nil {
		log.Printf("[ROUTER] marshal decision for agent %s: %v", req.AgentID, err)
		return
	}
	if err := e.store.SaveLastDecision(ctx, req.TenantID, req.AgentID, data); err != nil {
		log.Printf("[ROUTER] save last_decision_json for agent %s: %v", req.AgentID, err)
	}
}

func compatible(b *store.Batch, os string) bool {
	return len(b.OSTargets) == 0 || os == "" || policy.MatchOS(b.OSTargets, os)
}
