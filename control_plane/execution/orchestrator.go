package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/fleetgate/control_plane/attestation"
	"github.com/itskum47/fleetgate/control_plane/normalize"
	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/store"
	"github.com/itskum47/fleetgate/control_plane/streaming"
)

// Run event types, as seen by gateway clients.
const (
	EventQueued   = "exec.queued"
	EventStarted  = "exec.started"
	EventStdout   = "exec.stdout"
	EventStderr   = "exec.stderr"
	EventProgress = "exec.progress"
	EventFinished = "exec.finished"
)

// RunEvent is published on the run and agent topics.
type RunEvent struct {
	Type       string          `json:"type"`
	RunID      string          `json:"run_id"`
	AgentID    string          `json:"agent_id"`
	Status     store.RunStatus `json:"status"`
	Data       string          `json:"data,omitempty"`
	Progress   int             `json:"progress,omitempty"`
	Message    string          `json:"message,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Contract   json.RawMessage `json:"contract,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Terminal reports whether e ends the run.
func (e RunEvent) Terminal() bool { return e.Type == EventFinished }

// LaunchError aborts a launch before any run exists.
type LaunchError struct {
	Status  attestation.Status
	Reason  string
	Command string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s: %s (command %q)", e.Status, e.Reason, e.Command)
}

// Signer signs one normalized command.
type Signer interface {
	Sign(ctx context.Context, cmd attestation.NormalizedCommand) (attestation.SignerResponse, error)
}

// Admitter enforces concurrency limits and dispatch rates.
type Admitter interface {
	Admit(ctx context.Context, tenantID, agentID string, batch *store.Batch) error
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetAgent(ctx context.Context, tenantID, agentID string) (*store.Agent, error)
	CreateRun(ctx context.Context, run *store.BatchRun) error
	GetRun(ctx context.Context, tenantID, runID string) (*store.BatchRun, error)
	UpdateRun(ctx context.Context, tenantID, runID string, fn func(*store.BatchRun) error) (*store.BatchRun, error)
}

// LaunchRequest is an approved action ready to run.
type LaunchRequest struct {
	TenantID   string
	AgentID    string
	Task       string
	Batch      *store.Batch
	Commands   []string
	Risk       policy.Risk
	OS         string
	TimeoutSec int
}

// Finish is the terminal report of an agent.
type Finish struct {
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	Contract   json.RawMessage `json:"contract,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Orchestrator is the Execution Orchestrator.
type Orchestrator struct {
	store    Store
	signer   Signer
	admit    Admitter
	dispatch Dispatcher
	bus      streaming.Publisher
	now      func() time.Time
}

func NewOrchestrator(s Store, signer Signer, admit Admitter, dispatch Dispatcher, bus streaming.Publisher) *Orchestrator {
	return &Orchestrator{
		store:    s,
		signer:   signer,
		admit:    admit,
		dispatch: dispatch,
		bus:      bus,
		now:      time.Now,
	}
}

// Launch signs every command, admits the run, persists it as queued and
// dispatches the signed tasks. A dispatch failure fails the run; the failed
// run is returned without error.
func (o *Orchestrator) Launch(ctx context.Context, req LaunchRequest) (*store.BatchRun, error) {
	if len(req.Commands) == 0 {
		return nil, errors.New("no commands to launch")
	}
	agent, err := o.store.GetAgent(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", req.AgentID, err)
	}
	os := req.OS
	if os == "" {
		os = agent.OS
	}

	tasks := make([]*attestation.SignedTask, 0, len(req.Commands))
	for _, cmd := range req.Commands {
		binary, argv, err := normalize.Split(cmd)
		if err != nil {
			return nil, &LaunchError{Status: attestation.StatusValidationFailed, Reason: err.Error(), Command: cmd}
		}
		resp, err := o.signer.Sign(ctx, attestation.NormalizedCommand{
			Binary:     binary,
			Argv:       argv,
			TimeoutSec: req.TimeoutSec,
			AgentID:    req.AgentID,
			CustomerID: req.TenantID,
			OS:         os,
		})
		if err != nil {
			return nil, fmt.Errorf("sign %q: %w", cmd, err)
		}
		if resp.Status != attestation.StatusSigned {
			return nil, &LaunchError{Status: resp.Status, Reason: resp.Reason, Command: cmd}
		}
		tasks = append(tasks, resp.Task)
	}

	if err := o.admit.Admit(ctx, req.TenantID, req.AgentID, req.Batch); err != nil {
		return nil, err
	}

	run := &store.BatchRun{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		AgentID:   req.AgentID,
		Task:      req.Task,
		Status:    store.RunQueued,
		Risk:      req.Risk,
		Commands:  req.Commands,
		CreatedAt: o.now(),
	}
	if req.Batch != nil {
		run.BatchID = req.Batch.ID
	}
	for _, t := range tasks {
		run.TaskIDs = append(run.TaskIDs, t.TaskID)
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.publish(ctx, run, RunEvent{Type: EventQueued})
	log.Printf("[EXEC] Run %s queued on agent %s (%d commands)", run.ID, run.AgentID, len(run.Commands))

	if err := o.dispatch.Dispatch(ctx, agent, run.ID, tasks); err != nil {
		observability.DispatchFailures.Inc()
		log.Printf("[EXEC] Dispatch of run %s failed: %v", run.ID, err)
		failed, ferr := o.FailRun(context.WithoutCancel(ctx), req.TenantID, run.ID, "dispatch failed: "+err.Error())
		if ferr != nil {
			return nil, fmt.Errorf("dispatch failed: %v; marking run failed: %w", err, ferr)
		}
		return failed, nil
	}
	return run, nil
}

// Get returns the current state of a run.
func (o *Orchestrator) Get(ctx context.Context, tenantID, runID string) (*store.BatchRun, error) {
	return o.store.GetRun(ctx, tenantID, runID)
}

// ReportStarted moves a queued run to running.
func (o *Orchestrator) ReportStarted(ctx context.Context, tenantID, runID string) (*store.BatchRun, error) {
	now := o.now()
	run, err := o.store.UpdateRun(ctx, tenantID, runID, func(r *store.BatchRun) error {
		return Transition(r, store.RunRunning, now)
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, run, RunEvent{Type: EventStarted})
	return run, nil
}

// ReportOutput appends a stdout or stderr chunk.
func (o *Orchestrator) ReportOutput(ctx context.Context, tenantID, runID, stream, chunk string) (*store.BatchRun, error) {
	eventType := EventStdout
	if stream == "stderr" {
		eventType = EventStderr
	} else if stream != "stdout" {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	run, err := o.store.UpdateRun(ctx, tenantID, runID, func(r *store.BatchRun) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrRunTerminal, r.ID)
		}
		if eventType == EventStdout {
			r.RawStdout += chunk
		} else {
			r.RawStderr += chunk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, run, RunEvent{Type: eventType, Data: chunk})
	return run, nil
}

// ReportProgress records a completion percentage in [0, 100].
func (o *Orchestrator) ReportProgress(ctx context.Context, tenantID, runID string, pct int, message string) (*store.BatchRun, error) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	run, err := o.store.UpdateRun(ctx, tenantID, runID, func(r *store.BatchRun) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrRunTerminal, r.ID)
		}
		r.Progress = pct
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, run, RunEvent{Type: EventProgress, Progress: pct, Message: message})
	return run, nil
}

// ReportFinished applies the terminal report. A queued run may finish
// directly when the agent never reported a start.
func (o *Orchestrator) ReportFinished(ctx context.Context, tenantID, runID string, f Finish) (*store.BatchRun, error) {
	now := o.now()
	run, err := o.store.UpdateRun(ctx, tenantID, runID, func(r *store.BatchRun) error {
		if r.Status == store.RunQueued && f.Success {
			if err := Transition(r, store.RunRunning, now); err != nil {
				return err
			}
		}
		to := store.RunFailed
		if f.Success {
			to = store.RunCompleted
		}
		if err := Transition(r, to, now); err != nil {
			return err
		}
		if f.DurationMS > 0 {
			r.DurationSec = float64(f.DurationMS) / 1000
		}
		if f.Stdout != "" {
			r.RawStdout = f.Stdout
		}
		if f.Stderr != "" {
			r.RawStderr = f.Stderr
		}
		r.Contract = f.Contract
		r.Error = f.Error
		r.Progress = 100
		return nil
	})
	if err != nil {
		return nil, err
	}
	success := f.Success
	o.publish(ctx, run, RunEvent{
		Type:       EventFinished,
		Success:    &success,
		DurationMS: int64(run.DurationSec * 1000),
		Contract:   run.Contract,
		Error:      run.Error,
	})
	log.Printf("[EXEC] Run %s finished: status=%s duration=%.1fs", run.ID, run.Status, run.DurationSec)
	return run, nil
}

// FailRun moves a non-terminal run to failed with reason.
func (o *Orchestrator) FailRun(ctx context.Context, tenantID, runID, reason string) (*store.BatchRun, error) {
	now := o.now()
	run, err := o.store.UpdateRun(ctx, tenantID, runID, func(r *store.BatchRun) error {
		if err := Transition(r, store.RunFailed, now); err != nil {
			return err
		}
		r.Error = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	failed := false
	o.publish(ctx, run, RunEvent{Type: EventFinished, Success: &failed, Error: reason})
	return run, nil
}

// RunFailer adapts FailRun to callers that only need the error.
type RunFailer struct{ O *Orchestrator }

func (f RunFailer) FailRun(ctx context.Context, tenantID, runID, reason string) error {
	_, err := f.O.FailRun(ctx, tenantID, runID, reason)
	return err
}

// publish is best-effort: the store is the source of truth.
func (o *Orchestrator) publish(ctx context.Context, run *store.BatchRun, e RunEvent) {
	e.RunID = run.ID
	e.AgentID = run.AgentID
	e.Status = run.Status
	for _, topic := range []string{streaming.RunTopic(run.ID), streaming.AgentTopic(run.AgentID)} {
		if err := o.bus.Publish(ctx, topic, e); err != nil {
			log.Printf("[EXEC] Publish %s on %s failed: %v", e.Type, topic, err)
		}
	}
}
