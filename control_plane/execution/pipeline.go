package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/itskum47/fleetgate/control_plane/decision"
	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/preflight"
	"github.com/itskum47/fleetgate/control_plane/store"
)

var (
	// ErrBlocked is returned when a policy forbids a command of the action.
	ErrBlocked = errors.New("forbidden by command policy")
	// ErrNotExecutable is returned for decisions that carry nothing to run.
	ErrNotExecutable = errors.New("decision is not executable")
)

// PolicyChecker runs a policy check invocation.
type PolicyChecker interface {
	Check(ctx context.Context, tenantID, agentID string, commands []string) (*policy.CheckResult, error)
}

// Plan is an action resolved into commands with its confirmation gate.
type Plan struct {
	Decision decision.Decision
	Task     string
	Batch    *store.Batch
	Commands []string
	Policy   *policy.CheckResult
	Risk     policy.Risk
	Gate     Gate
	// Message is the confirm message shown to the user, if any.
	Message string
}

// Outcome of Execute.
type Outcome string

const (
	OutcomeQueued               Outcome = "queued"
	OutcomeAwaitingConfirmation Outcome = "awaiting_confirmation"
	OutcomeBlocked              Outcome = "blocked"
	OutcomePreflightFailed      Outcome = "preflight_failed"
)

// ExecuteResult is what an execute invocation returns.
type ExecuteResult struct {
	Outcome   Outcome             `json:"outcome"`
	Plan      *Plan               `json:"-"`
	Policy    *policy.CheckResult `json:"policy,omitempty"`
	Preflight *preflight.Result   `json:"preflight,omitempty"`
	Run       *store.BatchRun     `json:"run,omitempty"`
	Message   string              `json:"message,omitempty"`
}

// Pipeline runs policy, confirmation, preflight and launch in order.
type Pipeline struct {
	policies  PolicyChecker
	preflight *preflight.Service
	orch      *Orchestrator
}

func NewPipeline(policies PolicyChecker, pf *preflight.Service, orch *Orchestrator) *Pipeline {
	return &Pipeline{policies: policies, preflight: pf, orch: orch}
}

// Orchestrator returns the underlying orchestrator.
func (p *Pipeline) Orchestrator() *Orchestrator { return p.orch }

// Preflight returns the preflight service.
func (p *Pipeline) Preflight() *preflight.Service { return p.preflight }

// Plan resolves the decision's commands and checks them against policy.
// Every command is checked, including those of pre-approved batches.
func (p *Pipeline) Plan(ctx context.Context, tenantID, agentID string, d decision.Decision) (*Plan, error) {
	if !decision.IsAction(d) {
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, d.Kind())
	}
	d = p.preflight.Sanitize(ctx, tenantID, d)
	if ns, ok := d.(*decision.NotSupported); ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, ns.Reason)
	}
	cmds, batch, err := p.preflight.Resolve(ctx, tenantID, d)
	if err != nil {
		return nil, err
	}
	check, err := p.policies.Check(ctx, tenantID, agentID, cmds)
	if err != nil {
		return nil, err
	}

	risk := decision.RiskOf(d)
	if batch != nil {
		risk = batch.Risk
	}
	if !risk.Valid() {
		risk = policy.RiskMedium
	}
	var messages []string
	for _, r := range check.Result {
		risk = risk.Max(r.Risk)
		if r.Mode == policy.ModeConfirm && r.ConfirmMessage != "" {
			messages = append(messages, r.ConfirmMessage)
		}
	}

	plan := &Plan{
		Decision: d,
		Task:     decision.TaskName(d),
		Batch:    batch,
		Commands: cmds,
		Policy:   check,
		Risk:     risk,
		Gate:     RequiresConfirmation(risk, check.Summary),
		Message:  strings.Join(dedupe(messages), " "),
	}
	if plan.Gate == GateConfirm && plan.Message == "" {
		plan.Message = fmt.Sprintf("This action is %s risk. Please confirm.", risk)
	}
	return plan, nil
}

// Launch starts an approved plan.
func (p *Pipeline) Launch(ctx context.Context, tenantID, agentID string, plan *Plan, os string) (*store.BatchRun, error) {
	return p.orch.Launch(ctx, LaunchRequest{
		TenantID: tenantID,
		AgentID:  agentID,
		Task:     plan.Task,
		Batch:    plan.Batch,
		Commands: plan.Commands,
		Risk:     plan.Risk,
		OS:       os,
	})
}

// Execute is the non-streaming execute invocation.
func (p *Pipeline) Execute(ctx context.Context, tenantID, agentID string, d decision.Decision, confirm bool) (*ExecuteResult, error) {
	plan, err := p.Plan(ctx, tenantID, agentID, d)
	if err != nil {
		return nil, err
	}
	res := &ExecuteResult{Plan: plan, Policy: plan.Policy}

	switch plan.Gate {
	case GateBlocked:
		res.Outcome = OutcomeBlocked
		res.Message = ErrBlocked.Error()
		return res, nil
	case GateConfirm:
		if !confirm {
			res.Outcome = OutcomeAwaitingConfirmation
			res.Message = plan.Message
			return res, nil
		}
	}

	pf, err := p.preflight.Run(ctx, tenantID, preflight.Request{AgentID: agentID, Decision: plan.Decision})
	if err != nil {
		return nil, err
	}
	res.Preflight = pf
	if !pf.OK {
		res.Outcome = OutcomePreflightFailed
		res.Message = "preflight failed: " + strings.Join(pf.Failed, ", ")
		return res, nil
	}

	run, err := p.Launch(ctx, tenantID, agentID, plan, "")
	if err != nil {
		return nil, err
	}
	res.Outcome = OutcomeQueued
	res.Run = run
	return res, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
