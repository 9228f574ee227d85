package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/fleetgate/control_plane/decision"
	"github.com/itskum47/fleetgate/control_plane/execution"
	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/preflight"
	"github.com/itskum47/fleetgate/control_plane/store"
	"github.com/itskum47/fleetgate/control_plane/streaming"
)

// Flow outcomes, as reported in preflight.done and the flow metric.
const (
	outcomeDone                 = "done"
	outcomeError                = "error"
	outcomeCancelled            = "cancelled"
	outcomeBlocked              = "blocked"
	outcomePreflightFailed      = "preflight_failed"
	outcomeAwaitingConfirmation = "awaiting_confirmation"
	outcomeReady                = "ready"
	outcomeProceeding           = "proceeding"
	outcomeCompleted            = "completed"
	outcomeFailed               = "failed"
)

// runEventBuffer holds events published while a launch is in flight.
const runEventBuffer = 256

type errorData struct {
	Error   string `json:"error"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Command string `json:"command,omitempty"`
}

type routerStartData struct {
	AgentID     string `json:"agent_id"`
	UserRequest string `json:"user_request"`
}

type routerRetrievedData struct {
	OS          string   `json:"os"`
	Candidates  any      `json:"candidates"`
	PolicyNotes []string `json:"policy_notes,omitempty"`
}

type tokenData struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type routerSelectedData struct {
	Kind             decision.Kind   `json:"kind"`
	Decision         json.RawMessage `json:"decision"`
	Model            string          `json:"model"`
	FailoverAttempts int             `json:"failover_attempts"`
	CostUSD          float64         `json:"cost_usd"`
}

type preflightStartData struct {
	AgentID  string              `json:"agent_id"`
	Task     string              `json:"task"`
	Commands []string            `json:"commands"`
	Risk     policy.Risk         `json:"risk"`
	Gate     execution.Gate      `json:"gate"`
	Policy   *policy.CheckResult `json:"policy"`
}

type preflightDoneData struct {
	Outcome     string         `json:"outcome"`
	PreflightOK bool           `json:"preflight_ok"`
	Failed      []string       `json:"failed,omitempty"`
	Gate        execution.Gate `json:"gate"`
	Message     string         `json:"message,omitempty"`
}

// flow is one logical request on a session.
type flow struct {
	s       *Session
	rid     string
	agentID string
	runID   string
	fsm     *FSM
}

func (f *flow) ctx() context.Context { return f.s.ctx }

func (f *flow) emit(eventType string, data any) {
	now := time.Now().UTC()
	f.s.record(f, eventType, now)
	if err := f.s.write(Envelope{Type: eventType, RID: f.rid, TS: now, Data: data}); err != nil {
		if f.s.ctx.Err() == nil {
			log.Printf("[GATEWAY] rid=%s write %s failed: %v", f.rid, eventType, err)
		}
	}
}

// fail moves the flow to Errored and emits the terminal error event.
func (f *flow) fail(eventType string, err error) string {
	if ferr := f.fsm.Fail(); ferr != nil {
		log.Printf("[GATEWAY] rid=%s %v", f.rid, ferr)
	}
	data := errorData{Error: err.Error()}
	var le *execution.LaunchError
	if errors.As(err, &le) {
		data.Status = string(le.Status)
		data.Reason = le.Reason
		data.Command = le.Command
	}
	if f.s.ctx.Err() == nil {
		f.emit(eventType, data)
	}
	log.Printf("[GATEWAY] rid=%s agent=%s %s: %v", f.rid, f.agentID, eventType, err)
	return outcomeError
}

// finish moves the flow to Done. An illegal move is reported as errorType.
func (f *flow) finish(errorType string) bool {
	if err := f.fsm.Finish(); err != nil {
		f.fail(errorType, err)
		return false
	}
	return true
}

// route runs retrieval and the decision, streaming the selected output.
func (f *flow) route(in Inbound) string {
	if in.AgentID == "" {
		return f.fail(EventRouterError, errors.New("agent_id is required"))
	}
	if err := f.fsm.Retrieve(); err != nil {
		return f.fail(EventRouterError, err)
	}
	f.emit(EventRouterStart, routerStartData{AgentID: in.AgentID, UserRequest: in.UserRequest})

	gw := f.s.gw
	prepared, err := gw.router.Prepare(f.ctx(), decision.Request{
		TenantID:    f.s.tenantID,
		AgentID:     in.AgentID,
		UserRequest: in.UserRequest,
	})
	if err != nil {
		return f.fail(EventRouterError, err)
	}
	f.emit(EventRouterRetrieved, routerRetrievedData{
		OS:          prepared.OS,
		Candidates:  prepared.Candidates,
		PolicyNotes: prepared.PolicyNotes,
	})

	if err := f.fsm.Decide(); err != nil {
		return f.fail(EventRouterError, err)
	}
	out, err := gw.router.Decide(f.ctx(), prepared)
	if err != nil {
		return f.fail(EventRouterError, err)
	}
	encoded, err := decision.Marshal(out.Decision)
	if err != nil {
		return f.fail(EventRouterError, fmt.Errorf("encode decision: %w", err))
	}

	text := string(encoded)
	if chat, ok := out.Decision.(*decision.Chat); ok {
		text = chat.Text
	}
	for i, chunk := range Chunk(text, gw.opts.ChunkSize) {
		if i > 0 {
			if err := sleepCtx(f.ctx(), gw.opts.ChunkDelay); err != nil {
				return f.fail(EventRouterError, err)
			}
		}
		f.emit(EventRouterToken, tokenData{Index: i, Text: chunk})
	}

	f.emit(EventRouterSelected, routerSelectedData{
		Kind:             out.Decision.Kind(),
		Decision:         encoded,
		Model:            out.Model,
		FailoverAttempts: out.FailoverAttempts,
		CostUSD:          out.CostUSD,
	})
	if !f.finish(EventRouterError) {
		return outcomeError
	}
	f.emit(EventRouterDone, map[string]any{"kind": out.Decision.Kind()})
	return outcomeDone
}

// preflight plans the decision, evaluates preflight and, when execute is set
// and nothing stands in the way, launches the run.
func (f *flow) preflight(in Inbound, execute bool) string {
	if in.AgentID == "" {
		return f.fail(EventPreflightError, errors.New("agent_id is required"))
	}
	if len(in.Decision) == 0 {
		return f.fail(EventPreflightError, errors.New("decision is required"))
	}
	if err := f.fsm.Preflight(); err != nil {
		return f.fail(EventPreflightError, err)
	}

	d, err := decision.Unmarshal(in.Decision)
	if err != nil {
		return f.fail(EventPreflightError, fmt.Errorf("invalid decision: %w", err))
	}

	pipe := f.s.gw.pipeline
	plan, err := pipe.Plan(f.ctx(), f.s.tenantID, in.AgentID, d)
	if err != nil {
		return f.fail(EventPreflightError, err)
	}
	f.emit(EventPreflightStart, preflightStartData{
		AgentID:  in.AgentID,
		Task:     plan.Task,
		Commands: plan.Commands,
		Risk:     plan.Risk,
		Gate:     plan.Gate,
		Policy:   plan.Policy,
	})

	done := preflightDoneData{Gate: plan.Gate}
	if plan.Gate == execution.GateBlocked {
		done.Outcome = outcomeBlocked
		done.Message = execution.ErrBlocked.Error()
		if !f.finish(EventPreflightError) {
			return outcomeError
		}
		f.emit(EventPreflightDone, done)
		return outcomeBlocked
	}

	res, err := pipe.Preflight().Run(f.ctx(), f.s.tenantID, preflight.Request{AgentID: in.AgentID, Decision: plan.Decision})
	if err != nil {
		return f.fail(EventPreflightError, err)
	}
	for _, c := range res.Checks {
		f.emit(EventPreflightItem, c)
	}

	done.PreflightOK = res.OK
	done.Failed = res.Failed
	switch {
	case !res.OK:
		done.Outcome = outcomePreflightFailed
	case plan.Gate == execution.GateConfirm && !in.Confirm:
		done.Outcome = outcomeAwaitingConfirmation
		done.Message = plan.Message
	case !execute:
		done.Outcome = outcomeReady
	default:
		done.Outcome = outcomeProceeding
	}

	if done.Outcome != outcomeProceeding {
		if !f.finish(EventPreflightError) {
			return outcomeError
		}
		f.emit(EventPreflightDone, done)
		return done.Outcome
	}

	if err := f.fsm.Execute(); err != nil {
		return f.fail(EventPreflightError, err)
	}
	f.emit(EventPreflightDone, done)
	return f.launch(plan)
}

// launch subscribes to the agent topic before the run exists, so no event of
// the run can be missed, then forwards the run's events until it finishes.
func (f *flow) launch(plan *execution.Plan) string {
	events, release, err := f.subscribe(streaming.AgentTopic(f.agentID))
	if err != nil {
		return f.fail(EventExecError, err)
	}
	defer release()

	run, err := f.s.gw.pipeline.Launch(f.ctx(), f.s.tenantID, f.agentID, plan, "")
	if err != nil {
		return f.fail(EventExecError, err)
	}
	f.runID = run.ID
	return f.forward(run.ID, events)
}

// resume attaches to an existing run.
func (f *flow) resume(runID string) string {
	if err := f.fsm.Execute(); err != nil {
		return f.fail(EventExecError, err)
	}
	events, release, err := f.subscribe(streaming.RunTopic(runID))
	if err != nil {
		return f.fail(EventExecError, err)
	}
	defer release()

	run, err := f.s.gw.pipeline.Orchestrator().Get(f.ctx(), f.s.tenantID, runID)
	if err != nil {
		return f.fail(EventExecError, fmt.Errorf("load run %s: %w", runID, err))
	}
	f.agentID = run.AgentID
	f.runID = run.ID

	snapshot := snapshotEvent(run)
	f.emit(snapshot.Type, snapshot)
	if snapshot.Terminal() {
		return f.end(snapshot)
	}
	return f.forward(run.ID, events)
}

// forward relays the run's events until a final one. The store is polled as
// well so a dropped exec.finished cannot leave the flow waiting forever.
func (f *flow) forward(runID string, events <-chan execution.RunEvent) string {
	poll := time.NewTicker(f.s.gw.opts.RunPollInterval)
	defer poll.Stop()
	for {
		select {
		case <-f.ctx().Done():
			return outcomeCancelled
		case e := <-events:
			if e.RunID != runID {
				continue
			}
			f.emit(e.Type, e)
			if e.Terminal() {
				return f.end(e)
			}
		case <-poll.C:
			run, err := f.s.gw.pipeline.Orchestrator().Get(f.ctx(), f.s.tenantID, runID)
			if err != nil {
				log.Printf("[GATEWAY] rid=%s poll run %s: %v", f.rid, runID, err)
				continue
			}
			if run.Status.Terminal() {
				e := snapshotEvent(run)
				f.emit(e.Type, e)
				return f.end(e)
			}
		}
	}
}

func (f *flow) end(e execution.RunEvent) string {
	if !f.finish(EventExecError) {
		return outcomeError
	}
	if e.Success != nil && *e.Success {
		return outcomeCompleted
	}
	return outcomeFailed
}

// subscribe returns the decoded run events of topic. release must be called
// once the flow stops reading.
func (f *flow) subscribe(topic string) (<-chan execution.RunEvent, func(), error) {
	events := make(chan execution.RunEvent, runEventBuffer)
	stop := make(chan struct{})
	sub, err := f.s.gw.bus.Subscribe(topic, func(ev streaming.Event) {
		var e execution.RunEvent
		if err := ev.Decode(&e); err != nil {
			log.Printf("[GATEWAY] rid=%s undecodable event on %s: %v", f.rid, topic, err)
			return
		}
		select {
		case events <- e:
		case <-stop:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	release := func() {
		close(stop)
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[GATEWAY] rid=%s unsubscribe %s: %v", f.rid, topic, err)
		}
	}
	return events, release, nil
}

// snapshotEvent describes the current state of a run as the event that led
// to it.
func snapshotEvent(run *store.BatchRun) execution.RunEvent {
	e := execution.RunEvent{
		RunID:    run.ID,
		AgentID:  run.AgentID,
		Status:   run.Status,
		Progress: run.Progress,
	}
	switch run.Status {
	case store.RunQueued:
		e.Type = execution.EventQueued
	case store.RunRunning:
		e.Type = execution.EventStarted
	default:
		success := run.Status == store.RunCompleted
		e.Type = execution.EventFinished
		e.Success = &success
		e.DurationMS = int64(run.DurationSec * 1000)
		e.Contract = run.Contract
		e.Error = run.Error
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
