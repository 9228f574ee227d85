package execution

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fleetgate/control_plane/admission"
	"github.com/itskum47/fleetgate/control_plane/attestation"
	"github.com/itskum47/fleetgate/control_plane/decision"
	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/preflight"
	"github.com/itskum47/fleetgate/control_plane/store"
	"github.com/itskum47/fleetgate/control_plane/streaming"
)

const tenant = "t1"

type recordingDispatcher struct {
	mu    sync.Mutex
	runs  []string
	tasks [][]*attestation.SignedTask
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, agent *store.Agent, runID string, tasks []*attestation.SignedTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs = append(d.runs, runID)
	d.tasks = append(d.tasks, tasks)
	return d.err
}

// eventLog collects RunEvents from a topic.
type eventLog struct {
	mu     sync.Mutex
	events []RunEvent
}

func (l *eventLog) handler(e streaming.Event) {
	var re RunEvent
	if err := e.Decode(&re); err != nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, re)
	l.mu.Unlock()
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store    *store.MemoryStore
	bus      *streaming.MemoryBus
	dispatch *recordingDispatcher
	orch     *Orchestrator
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.UpsertAgent(ctx, tenant, &store.Agent{ID: "a1", OS: "ubuntu", Address: "127.0.0.1", Port: 9000}))
	require.NoError(t, ms.GrantCapability(ctx, &store.Capability{AgentID: "a1", TenantID: tenant, Name: attestation.CapabilityRunInlineSafe, Active: true}))
	require.NoError(t, ms.RecordHeartbeat(ctx, &store.Heartbeat{AgentID: "a1", TenantID: tenant, OS: "ubuntu", DiskFreeGB: 50, MemoryUsedPct: 30, UptimeSeconds: 86400}))
	require.NoError(t, ms.UpsertPolicy(ctx, tenant, &policy.CommandPolicy{
		ID: "p1", Name: "restart nginx", Mode: policy.ModeAuto, MatchType: policy.MatchExact,
		MatchValue: "systemctl restart nginx", Risk: policy.RiskLow, Active: true,
	}))
	require.NoError(t, ms.UpsertPolicy(ctx, tenant, &policy.CommandPolicy{
		ID: "p2", Name: "no package removal", Mode: policy.ModeForbid, MatchType: policy.MatchRegex,
		MatchValue: `^apt(-get)? (remove|purge)`, Risk: policy.RiskHigh, Active: true,
	}))

	signer, err := attestation.NewSigner([]byte("secret"), ms)
	require.NoError(t, err)
	bus := streaming.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	dispatch := &recordingDispatcher{}
	orch := NewOrchestrator(ms, signer, admission.NewController(ms, 0, 0), dispatch, bus)

	osLookup := func(ctx context.Context, tenantID, agentID string) (string, error) { return "ubuntu", nil }
	pf := preflight.NewService(ms, RunFailer{O: orch})
	return &fixture{
		store:    ms,
		bus:      bus,
		dispatch: dispatch,
		orch:     orch,
		pipeline: NewPipeline(policy.NewService(ms, osLookup), pf, orch),
	}
}

func TestTransitions(t *testing.T) {
	now := time.Unix(100, 0)
	run := &store.BatchRun{ID: "r1", Status: store.RunQueued}

	assert.ErrorIs(t, Transition(run, store.RunCompleted, now), ErrInvalidTransition)
	require.NoError(t, Transition(run, store.RunRunning, now))
	require.NotNil(t, run.StartedAt)
	require.NoError(t, Transition(run, store.RunCompleted, now.Add(3*time.Second)))
	assert.InDelta(t, 3.0, run.DurationSec, 1e-9)

	for _, to := range []store.RunStatus{store.RunRunning, store.RunFailed, store.RunCompleted} {
		assert.ErrorIs(t, Transition(run, to, now), ErrRunTerminal)
	}

	queued := &store.BatchRun{ID: "r2", Status: store.RunQueued}
	assert.NoError(t, Transition(queued, store.RunFailed, now), "dispatch failure")
}

func TestRequiresConfirmation(t *testing.T) {
	cases := []struct {
		risk    policy.Risk
		summary policy.Summary
		want    Gate
	}{
		{policy.RiskLow, policy.Summary{Auto: 2}, GateProceed},
		{policy.RiskLow, policy.Summary{Auto: 1, Confirm: 1}, GateConfirm},
		{policy.RiskMedium, policy.Summary{Auto: 1}, GateConfirm},
		{policy.RiskHigh, policy.Summary{Auto: 1}, GateConfirm},
		{policy.RiskLow, policy.Summary{Auto: 1, Forbid: 1}, GateBlocked},
		{policy.RiskLow, policy.Summary{}, GateConfirm},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RequiresConfirmation(tc.risk, tc.summary), "%s %+v", tc.risk, tc.summary)
	}
}

func TestRestartNginxEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := &decision.CustomShellAction{Status: decision.StatusUnconfirmed, Risk: policy.RiskLow, Shell: "systemctl restart nginx"}

	plan, err := f.pipeline.Plan(ctx, tenant, "a1", d)
	require.NoError(t, err)
	assert.Equal(t, GateProceed, plan.Gate)
	assert.Equal(t, policy.ModeAuto, plan.Policy.Result[0].Mode)

	res, err := f.pipeline.Execute(ctx, tenant, "a1", d, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, res.Outcome, res.Message)
	assert.True(t, res.Preflight.OK)
	run := res.Run
	assert.Equal(t, store.RunQueued, run.Status)

	runEvents := &eventLog{}
	sub, err := f.bus.Subscribe(streaming.RunTopic(run.ID), runEvents.handler)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Len(t, f.dispatch.tasks, 1)
	task := f.dispatch.tasks[0][0]
	assert.Equal(t, []string{"--timeout", "120", "--", "systemctl", "restart", "nginx"}, task.Args)
	assert.NoError(t, attestation.NewVerifier([]byte("secret"), nil).Verify(ctx, task, "a1"))

	_, err = f.orch.ReportStarted(ctx, tenant, run.ID)
	require.NoError(t, err)
	_, err = f.orch.ReportOutput(ctx, tenant, run.ID, "stdout", "restarted\n")
	require.NoError(t, err)
	_, err = f.orch.ReportProgress(ctx, tenant, run.ID, 150, "almost")
	require.NoError(t, err)
	final, err := f.orch.ReportFinished(ctx, tenant, run.ID, Finish{Success: true, DurationMS: 1500})
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, final.Status)
	assert.Equal(t, "restarted\n", final.RawStdout)
	assert.InDelta(t, 1.5, final.DurationSec, 1e-9)
	assert.Equal(t, 100, final.Progress)

	_, err = f.orch.ReportOutput(ctx, tenant, run.ID, "stdout", "late")
	assert.ErrorIs(t, err, ErrRunTerminal)
	_, err = f.orch.ReportFinished(ctx, tenant, run.ID, Finish{Success: false})
	assert.ErrorIs(t, err, ErrRunTerminal)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{EventStarted, EventStdout, EventProgress, EventFinished}, runEvents.types())
	}, time.Second, 10*time.Millisecond)
}

func TestExecuteGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("unmatched command awaits confirmation", func(t *testing.T) {
		d := &decision.CustomShellAction{Risk: policy.RiskLow, Shell: "systemctl restart redis"}
		res, err := f.pipeline.Execute(ctx, tenant, "a1", d, false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAwaitingConfirmation, res.Outcome)
		assert.NotEmpty(t, res.Message)
		assert.Empty(t, f.dispatch.runs)

		res, err = f.pipeline.Execute(ctx, tenant, "a1", d, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeQueued, res.Outcome)
	})

	t.Run("forbidden command is blocked even when confirmed", func(t *testing.T) {
		d := &decision.CustomShellAction{Risk: policy.RiskLow, Shell: "apt-get remove nginx"}
		res, err := f.pipeline.Execute(ctx, tenant, "a1", d, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeBlocked, res.Outcome)
	})

	t.Run("client supplied unsafe command is re-validated", func(t *testing.T) {
		d := &decision.CustomShellAction{Risk: policy.RiskLow, Shell: "dd if=/dev/zero of=/dev/sda"}
		_, err := f.pipeline.Execute(ctx, tenant, "a1", d, true)
		assert.ErrorIs(t, err, ErrNotExecutable)

		_, err = f.pipeline.Execute(ctx, tenant, "a1", &decision.Chat{Text: "hi"}, true)
		assert.ErrorIs(t, err, ErrNotExecutable)
	})

	t.Run("preflight failure stops launch", func(t *testing.T) {
		require.NoError(t, f.store.RecordHeartbeat(ctx, &store.Heartbeat{AgentID: "a1", TenantID: tenant, DiskFreeGB: 1, UptimeSeconds: 86400}))
		d := &decision.CustomShellAction{Risk: policy.RiskMedium, Shell: "apt-get install -y htop"}
		before := len(f.dispatch.runs)
		res, err := f.pipeline.Execute(ctx, tenant, "a1", d, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomePreflightFailed, res.Outcome)
		assert.Len(t, f.dispatch.runs, before)
	})
}

func TestLaunchErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("signer validation", func(t *testing.T) {
		_, err := f.orch.Launch(ctx, LaunchRequest{TenantID: tenant, AgentID: "a1", Commands: []string{"shutdown -h now"}})
		var le *LaunchError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, attestation.StatusValidationFailed, le.Status)
		assert.Equal(t, "shutdown -h now", le.Command)
	})

	t.Run("unterminated quote", func(t *testing.T) {
		_, err := f.orch.Launch(ctx, LaunchRequest{TenantID: tenant, AgentID: "a1", Commands: []string{`systemctl status "nginx`}})
		var le *LaunchError
		require.ErrorAs(t, err, &le)
	})

	t.Run("missing capability", func(t *testing.T) {
		require.NoError(t, f.store.UpsertAgent(ctx, tenant, &store.Agent{ID: "a2", OS: "ubuntu"}))
		_, err := f.orch.Launch(ctx, LaunchRequest{TenantID: tenant, AgentID: "a2", Commands: []string{"uptime"}})
		var le *LaunchError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, attestation.StatusRejected, le.Status)
	})

	t.Run("dispatch failure fails the run", func(t *testing.T) {
		f.dispatch.err = errors.New("connection refused")
		defer func() { f.dispatch.err = nil }()

		run, err := f.orch.Launch(ctx, LaunchRequest{TenantID: tenant, AgentID: "a1", Commands: []string{"uptime"}})
		require.NoError(t, err)
		assert.Equal(t, store.RunFailed, run.Status)
		assert.Contains(t, run.Error, "connection refused")
	})

	t.Run("concurrency limit", func(t *testing.T) {
		batch := &store.Batch{ID: "b-limited", ConcurrencyLimits: store.ConcurrencyLimits{PerAgent: 1}}
		_, err := f.orch.Launch(ctx, LaunchRequest{TenantID: tenant, AgentID: "a1", Batch: batch, Commands: []string{"uptime"}})
		require.NoError(t, err)
		_, err = f.orch.Launch(ctx, LaunchRequest{TenantID: tenant, AgentID: "a1", Batch: batch, Commands: []string{"uptime"}})
		assert.ErrorIs(t, err, admission.ErrAgentBusy)
	})
}

func TestHTTPDispatcher(t *testing.T) {
	payloads := make(chan DispatchPayload, 4)
	var status atomic.Int32
	status.Store(http.StatusAccepted)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		var p DispatchPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		payloads <- p
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	agent := &store.Agent{ID: "a1", Address: host, Port: port}

	d := NewHTTPDispatcher(time.Second)
	tasks := []*attestation.SignedTask{{TaskID: "task-1", AgentID: "a1", Command: "run_inline_safe"}}
	require.NoError(t, d.Dispatch(context.Background(), agent, "r1", tasks))
	got := <-payloads
	assert.Equal(t, "r1", got.RunID)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "task-1", got.Tasks[0].TaskID)

	status.Store(http.StatusOK)
	assert.ErrorContains(t, d.Dispatch(context.Background(), agent, "r2", tasks), "status 200")

	assert.Error(t, d.Dispatch(context.Background(), &store.Agent{ID: "a9"}, "r3", tasks))
}
