package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fleetgate/control_plane/admission"
	"github.com/itskum47/fleetgate/control_plane/attestation"
	"github.com/itskum47/fleetgate/control_plane/decision"
	"github.com/itskum47/fleetgate/control_plane/execution"
	"github.com/itskum47/fleetgate/control_plane/llm"
	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/preflight"
	"github.com/itskum47/fleetgate/control_plane/retriever"
	"github.com/itskum47/fleetgate/control_plane/store"
	"github.com/itskum47/fleetgate/control_plane/streaming"
	"github.com/itskum47/fleetgate/control_plane/timeline"
)

const tenant = "t1"

const restartNginx = `{"mode":"action","task":"custom_shell","status":"confirmed","risk":"low",
	"params":{"description":"Restart nginx","shell":"systemctl restart nginx"},"human":"Restarting nginx"}`

type cannedAI struct{ text string }

func (c *cannedAI) Complete(ctx context.Context, call llm.Call) (*llm.Result, error) {
	return &llm.Result{Text: c.text, Model: "m1"}, nil
}

// blockingAI never answers until its context is cancelled.
type blockingAI struct{ cancelled chan struct{} }

func (b *blockingAI) Complete(ctx context.Context, call llm.Call) (*llm.Result, error) {
	<-ctx.Done()
	close(b.cancelled)
	return nil, ctx.Err()
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(ctx context.Context, agent *store.Agent, runID string, tasks []*attestation.SignedTask) error {
	return nil
}

type fixture struct {
	store    *store.MemoryStore
	bus      *streaming.MemoryBus
	orch     *execution.Orchestrator
	hub      *Hub
	timeline *timeline.Store
	url      string
}

func newFixture(t *testing.T, ai decision.Completer, maxSessions int) *fixture {
	t.Helper()
	return newFixtureWithOptions(t, ai, maxSessions, Options{ChunkSize: 24, ChunkDelay: time.Millisecond})
}

func newFixtureWithOptions(t *testing.T, ai decision.Completer, maxSessions int, opts Options) *fixture {
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

	osLookup := func(ctx context.Context, tenantID, agentID string) (string, error) { return "ubuntu", nil }
	policies := policy.NewService(ms, osLookup)

	signer, err := attestation.NewSigner([]byte("secret"), ms)
	require.NoError(t, err)
	bus := streaming.NewMemoryBus()
	orch := execution.NewOrchestrator(ms, signer, admission.NewController(ms, 0, 0), nopDispatcher{}, bus)
	pipe := execution.NewPipeline(policies, preflight.NewService(ms, execution.RunFailer{O: orch}), orch)
	engine := decision.NewEngine(ms, policies, retriever.New(ms), ai)

	hub := NewHub(maxSessions)
	hubCtx, stopHub := context.WithCancel(ctx)
	go hub.Run(hubCtx)

	tl := timeline.NewStore(0)
	tenantFn := func(r *http.Request) (string, error) { return tenant, nil }
	gw := New(engine, pipe, bus, tl, hub, tenantFn, opts)
	srv := httptest.NewServer(gw)

	t.Cleanup(func() {
		stopHub()
		srv.Close()
		_ = bus.Close()
	})
	return &fixture{
		store:    ms,
		bus:      bus,
		orch:     orch,
		hub:      hub,
		timeline: tl,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Type string          `json:"type"`
	RID  string          `json:"rid"`
	TS   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// readUntil reads envelopes up to and including one of the stop types.
func readUntil(t *testing.T, conn *websocket.Conn, stop ...string) []received {
	t.Helper()
	var out []received
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env received
		require.NoError(t, conn.ReadJSON(&env))
		out = append(out, env)
		for _, s := range stop {
			if env.Type == s {
				return out
			}
		}
	}
}

func types(envs []received) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

// compact drops repeated adjacent types.
func compact(ts []string) []string {
	var out []string
	for _, s := range ts {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func TestFSM(t *testing.T) {
	t.Run("router path", func(t *testing.T) {
		f := NewFSM()
		require.NoError(t, f.Retrieve())
		require.NoError(t, f.Decide())
		require.NoError(t, f.Finish())
		assert.Equal(t, StateDone, f.State())
	})

	t.Run("execution path", func(t *testing.T) {
		f := NewFSM()
		require.NoError(t, f.Preflight())
		require.NoError(t, f.Execute())
		require.NoError(t, f.Finish())
	})

	t.Run("illegal transitions", func(t *testing.T) {
		f := NewFSM()
		err := f.Decide()
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StateIdle, te.From)
		assert.Equal(t, StateDeciding, te.To)

		require.NoError(t, f.Retrieve())
		assert.Error(t, f.Execute())
		require.NoError(t, f.Fail())
		assert.Equal(t, StateErrored, f.State())
		assert.Error(t, f.Fail(), "terminal states are final")
		assert.Error(t, f.Retrieve())
	})
}

func TestChunk(t *testing.T) {
	assert.Equal(t, []string{"abc", "def", "g"}, Chunk("abcdefg", 3))
	assert.Equal(t, []string{"héllo"}, Chunk("héllo", 24))
	assert.Empty(t, Chunk("", 24))
	assert.Len(t, Chunk(strings.Repeat("x", 48), 0), 2)
}

func TestResolveMode(t *testing.T) {
	assert.Equal(t, ModeRouter, (&Inbound{UserRequest: "hi"}).resolveMode())
	assert.Equal(t, ModeExecution, (&Inbound{Decision: json.RawMessage(`{}`)}).resolveMode())
	assert.Equal(t, ModeExecution, (&Inbound{RunID: "r1"}).resolveMode())
	assert.Equal(t, ModePreflight, (&Inbound{Mode: ModePreflight, RunID: "r1"}).resolveMode())
}

func TestRestartNginxOverWebSocket(t *testing.T) {
	f := newFixture(t, &cannedAI{text: restartNginx}, 0)
	conn := f.dial(t)
	ctx := context.Background()

	// Router flow.
	send(t, conn, Inbound{Mode: ModeRouter, AgentID: "a1", UserRequest: "restart nginx"})
	routed := readUntil(t, conn, EventRouterDone, EventRouterError)
	assert.Equal(t,
		[]string{EventRouterStart, EventRouterRetrieved, EventRouterToken, EventRouterSelected, EventRouterDone},
		compact(types(routed)))

	rid := routed[0].RID
	require.NotEmpty(t, rid)
	var streamed strings.Builder
	for _, e := range routed {
		assert.Equal(t, rid, e.RID)
		if e.Type == EventRouterToken {
			var tok tokenData
			require.NoError(t, json.Unmarshal(e.Data, &tok))
			assert.LessOrEqual(t, len([]rune(tok.Text)), 24)
			streamed.WriteString(tok.Text)
		}
	}

	var selected routerSelectedData
	require.NoError(t, json.Unmarshal(routed[len(routed)-2].Data, &selected))
	assert.Equal(t, decision.KindCustomShell, selected.Kind)
	assert.JSONEq(t, string(selected.Decision), streamed.String())

	// Execution flow on the same socket.
	send(t, conn, Inbound{Mode: ModeExecution, AgentID: "a1", Decision: selected.Decision})
	queued := readUntil(t, conn, execution.EventQueued, EventPreflightError)
	assert.Equal(t,
		[]string{EventPreflightStart, EventPreflightItem, EventPreflightDone, execution.EventQueued},
		compact(types(queued)))
	execRID := queued[0].RID
	assert.NotEqual(t, rid, execRID, "every inbound message gets a fresh rid")

	var done preflightDoneData
	require.NoError(t, json.Unmarshal(queued[len(queued)-2].Data, &done))
	assert.Equal(t, outcomeProceeding, done.Outcome)
	assert.True(t, done.PreflightOK)
	assert.Equal(t, execution.GateProceed, done.Gate)

	var q execution.RunEvent
	require.NoError(t, json.Unmarshal(queued[len(queued)-1].Data, &q))
	require.NotEmpty(t, q.RunID)

	_, err := f.orch.ReportStarted(ctx, tenant, q.RunID)
	require.NoError(t, err)
	_, err = f.orch.ReportOutput(ctx, tenant, q.RunID, "stdout", "ok\n")
	require.NoError(t, err)
	_, err = f.orch.ReportProgress(ctx, tenant, q.RunID, 50, "half")
	require.NoError(t, err)
	_, err = f.orch.ReportFinished(ctx, tenant, q.RunID, execution.Finish{Success: true, DurationMS: 800})
	require.NoError(t, err)

	finished := readUntil(t, conn, execution.EventFinished)
	assert.Equal(t,
		[]string{execution.EventStarted, execution.EventStdout, execution.EventProgress, execution.EventFinished},
		types(finished))
	for _, e := range finished {
		assert.Equal(t, execRID, e.RID)
	}
	var fin execution.RunEvent
	require.NoError(t, json.Unmarshal(finished[len(finished)-1].Data, &fin))
	require.NotNil(t, fin.Success)
	assert.True(t, *fin.Success)
	assert.Equal(t, store.RunCompleted, fin.Status)

	run, err := f.orch.Get(ctx, tenant, q.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)

	assert.Eventually(t, func() bool {
		return f.bus.Subscribers(streaming.AgentTopic("a1")) == 0
	}, time.Second, 10*time.Millisecond, "flow releases its subscription")

	stages := f.timeline.GetEvents(tenant, execRID)
	require.NotEmpty(t, stages)
	assert.Equal(t, EventPreflightStart, stages[0].Stage)
	assert.Equal(t, execution.EventFinished, stages[len(stages)-1].Stage)

	// Resume a finished run by id.
	send(t, conn, Inbound{RunID: q.RunID})
	resumed := readUntil(t, conn, execution.EventFinished, EventExecError)
	require.Len(t, resumed, 1)
	assert.Equal(t, execution.EventFinished, resumed[0].Type)
}

func TestConfirmationEndsFlow(t *testing.T) {
	f := newFixture(t, &cannedAI{}, 0)
	conn := f.dial(t)

	d, err := decision.Marshal(&decision.CustomShellAction{Risk: policy.RiskLow, Shell: "systemctl restart redis"})
	require.NoError(t, err)

	send(t, conn, Inbound{Mode: ModeExecution, AgentID: "a1", Decision: d})
	envs := readUntil(t, conn, EventPreflightDone, EventPreflightError)
	var done preflightDoneData
	require.NoError(t, json.Unmarshal(envs[len(envs)-1].Data, &done))
	assert.Equal(t, outcomeAwaitingConfirmation, done.Outcome)
	assert.Equal(t, execution.GateConfirm, done.Gate)
	assert.NotEmpty(t, done.Message)

	runs, err := f.store.CountActiveRuns(context.Background(), store.RunFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Zero(t, runs)
}

func TestFlowErrors(t *testing.T) {
	f := newFixture(t, &cannedAI{text: restartNginx}, 0)
	conn := f.dial(t)

	t.Run("malformed message", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		envs := readUntil(t, conn, EventGatewayError)
		assert.Len(t, envs, 1)
	})

	t.Run("missing agent", func(t *testing.T) {
		send(t, conn, Inbound{Mode: ModeRouter, UserRequest: "restart nginx"})
		envs := readUntil(t, conn, EventRouterError)
		assert.Len(t, envs, 1)
	})

	t.Run("unsafe decision", func(t *testing.T) {
		d, err := decision.Marshal(&decision.CustomShellAction{Risk: policy.RiskHigh, Shell: "rm -rf /"})
		require.NoError(t, err)
		send(t, conn, Inbound{Mode: ModeExecution, AgentID: "a1", Decision: d})
		envs := readUntil(t, conn, EventPreflightError, execution.EventQueued)
		assert.Equal(t, EventPreflightError, envs[len(envs)-1].Type)
	})

	t.Run("unknown run", func(t *testing.T) {
		send(t, conn, Inbound{Mode: ModeExecution, RunID: "missing"})
		envs := readUntil(t, conn, EventExecError, execution.EventFinished)
		assert.Equal(t, EventExecError, envs[len(envs)-1].Type)
	})

	// The socket survives failed flows.
	send(t, conn, Inbound{AgentID: "a1", UserRequest: "restart nginx"})
	envs := readUntil(t, conn, EventRouterDone, EventRouterError)
	assert.Equal(t, EventRouterDone, envs[len(envs)-1].Type)
}

func TestSocketCloseCancelsFlow(t *testing.T) {
	ai := &blockingAI{cancelled: make(chan struct{})}
	f := newFixture(t, ai, 0)
	conn := f.dial(t)

	send(t, conn, Inbound{AgentID: "a1", UserRequest: "restart nginx"})
	readUntil(t, conn, EventRouterRetrieved)
	require.NoError(t, conn.Close())

	select {
	case <-ai.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("decision call was not cancelled")
	}
	assert.Eventually(t, func() bool { return f.hub.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCapsSessions(t *testing.T) {
	f := newFixture(t, &cannedAI{}, 1)
	first := f.dial(t)
	assert.Eventually(t, func() bool { return f.hub.SessionCount() == 1 }, time.Second, 10*time.Millisecond)

	second := f.dial(t)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)

	// The first session keeps working.
	send(t, first, Inbound{Mode: ModePreflight})
	envs := readUntil(t, first, EventPreflightError)
	assert.Len(t, envs, 1)
}

// launchRun starts an execution flow for restartNginx and returns its run id.
func launchRun(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	d, err := decision.Marshal(&decision.CustomShellAction{Risk: policy.RiskLow, Shell: "systemctl restart nginx"})
	require.NoError(t, err)
	send(t, conn, Inbound{Mode: ModeExecution, AgentID: "a1", Decision: d})
	queued := readUntil(t, conn, execution.EventQueued, EventPreflightError)
	var q execution.RunEvent
	require.NoError(t, json.Unmarshal(queued[len(queued)-1].Data, &q))
	require.NotEmpty(t, q.RunID)
	return q.RunID
}

func TestChattyRunStillFinishes(t *testing.T) {
	f := newFixture(t, &cannedAI{}, 0)
	conn := f.dial(t)
	ctx := context.Background()
	runID := launchRun(t, conn)

	_, err := f.orch.ReportStarted(ctx, tenant, runID)
	require.NoError(t, err)
	chunk := strings.Repeat("x", 512)
	for i := 0; i < 1200; i++ {
		_, err = f.orch.ReportOutput(ctx, tenant, runID, "stdout", chunk)
		require.NoError(t, err)
	}
	_, err = f.orch.ReportFinished(ctx, tenant, runID, execution.Finish{Success: true})
	require.NoError(t, err)

	envs := readUntil(t, conn, execution.EventFinished)
	var fin execution.RunEvent
	require.NoError(t, json.Unmarshal(envs[len(envs)-1].Data, &fin))
	require.NotNil(t, fin.Success)
	assert.True(t, *fin.Success)
}

func TestFlowPollsStoreForFinishedRun(t *testing.T) {
	f := newFixtureWithOptions(t, &cannedAI{}, 0, Options{ChunkSize: 24, RunPollInterval: 20 * time.Millisecond})
	conn := f.dial(t)
	ctx := context.Background()
	runID := launchRun(t, conn)

	// The run fails without any event reaching the bus.
	_, err := f.store.UpdateRun(ctx, tenant, runID, func(r *store.BatchRun) error {
		r.Error = "agent lost"
		return execution.Transition(r, store.RunFailed, time.Now())
	})
	require.NoError(t, err)

	envs := readUntil(t, conn, execution.EventFinished)
	var fin execution.RunEvent
	require.NoError(t, json.Unmarshal(envs[len(envs)-1].Data, &fin))
	require.NotNil(t, fin.Success)
	assert.False(t, *fin.Success)
	assert.Equal(t, store.RunFailed, fin.Status)
	assert.Equal(t, "agent lost", fin.Error)
}
