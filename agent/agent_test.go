package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fleetgate/control_plane/attestation"
	"github.com/itskum47/fleetgate/control_plane/execution"
)

var testSecret = []byte(strings.Repeat("s", 32))

type allowAll struct{}

func (allowAll) HasCapability(context.Context, string, string, string) (bool, error) {
	return true, nil
}

type recorder struct {
	mu     sync.Mutex
	events []runEvent
	done   chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) Report(_ context.Context, _ string, ev runEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == "finished" {
		close(r.done)
	}
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() runEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func signTask(t *testing.T, agentID, binary string, argv ...string) *attestation.SignedTask {
	t.Helper()
	signer, err := attestation.NewSigner(testSecret, allowAll{})
	require.NoError(t, err)
	resp, err := signer.Sign(context.Background(), attestation.NormalizedCommand{
		Binary:     binary,
		Argv:       argv,
		AgentID:    agentID,
		CustomerID: "t1",
		OS:         "ubuntu",
	})
	require.NoError(t, err)
	require.Equal(t, attestation.StatusSigned, resp.Status, resp.Reason)
	return resp.Task
}

func newTestServer(t *testing.T, rec *recorder, run func(context.Context, string, []string) (string, string, error)) *httptest.Server {
	t.Helper()
	cfg := &Config{NodeID: "a1", Secret: testSecret}
	exec := NewExecutor(cfg, rec)
	exec.run = run
	srv := httptest.NewServer(NewServer(context.Background(), cfg, exec).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func dispatch(t *testing.T, url string, payload execution.DispatchPayload) int {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url+"/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestExecuteSignedRun(t *testing.T) {
	rec := newRecorder()
	var ran [][]string
	srv := newTestServer(t, rec, func(_ context.Context, binary string, argv []string) (string, string, error) {
		ran = append(ran, append([]string{binary}, argv...))
		return "ok\n", "", nil
	})

	tasks := []*attestation.SignedTask{
		signTask(t, "a1", "systemctl", "restart", "nginx"),
		signTask(t, "a1", "systemctl", "status", "nginx"),
	}
	require.Equal(t, http.StatusAccepted, dispatch(t, srv.URL, execution.DispatchPayload{RunID: "r1", Tasks: tasks}))

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.Equal(t, [][]string{{"systemctl", "restart", "nginx"}, {"systemctl", "status", "nginx"}}, ran)
	assert.Equal(t, []string{"started", "stdout", "progress", "stdout", "progress", "finished"}, rec.types())
	final := rec.last()
	assert.True(t, final.Success)
	assert.Equal(t, "ok\nok\n", final.Stdout)
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	rec := newRecorder()
	calls := 0
	srv := newTestServer(t, rec, func(context.Context, string, []string) (string, string, error) {
		calls++
		return "", "boom\n", errors.New("exit status 1")
	})

	tasks := []*attestation.SignedTask{
		signTask(t, "a1", "systemctl", "restart", "nginx"),
		signTask(t, "a1", "uptime"),
	}
	require.Equal(t, http.StatusAccepted, dispatch(t, srv.URL, execution.DispatchPayload{RunID: "r1", Tasks: tasks}))
	<-rec.done

	assert.Equal(t, 1, calls)
	final := rec.last()
	assert.False(t, final.Success)
	assert.Contains(t, final.Error, "systemctl")
	assert.Equal(t, "boom\n", final.Stderr)
}

func TestExecuteRejections(t *testing.T) {
	never := func(context.Context, string, []string) (string, string, error) {
		t.Error("rejected task was executed")
		return "", "", nil
	}

	t.Run("other agent", func(t *testing.T) {
		srv := newTestServer(t, newRecorder(), never)
		tasks := []*attestation.SignedTask{signTask(t, "a2", "uptime")}
		assert.Equal(t, http.StatusForbidden, dispatch(t, srv.URL, execution.DispatchPayload{RunID: "r1", Tasks: tasks}))
	})

	t.Run("tampered args", func(t *testing.T) {
		srv := newTestServer(t, newRecorder(), never)
		task := signTask(t, "a1", "ls", "/tmp")
		task.Args[len(task.Args)-1] = "/etc"
		assert.Equal(t, http.StatusForbidden, dispatch(t, srv.URL, execution.DispatchPayload{RunID: "r1", Tasks: []*attestation.SignedTask{task}}))
	})

	t.Run("replayed task", func(t *testing.T) {
		rec := newRecorder()
		srv := newTestServer(t, rec, func(context.Context, string, []string) (string, string, error) { return "", "", nil })
		task := signTask(t, "a1", "uptime")
		payload := execution.DispatchPayload{RunID: "r1", Tasks: []*attestation.SignedTask{task}}
		require.Equal(t, http.StatusAccepted, dispatch(t, srv.URL, payload))
		<-rec.done
		// The agent stays busy until the first run unwinds.
		assert.Eventually(t, func() bool {
			return dispatch(t, srv.URL, payload) == http.StatusForbidden
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("replayed task under a new id", func(t *testing.T) {
		rec := newRecorder()
		srv := newTestServer(t, rec, func(context.Context, string, []string) (string, string, error) { return "", "", nil })
		task := signTask(t, "a1", "uptime")
		require.Equal(t, http.StatusAccepted, dispatch(t, srv.URL, execution.DispatchPayload{RunID: "r1", Tasks: []*attestation.SignedTask{task}}))
		<-rec.done
		again := *task
		again.TaskID = "another-id"
		assert.Eventually(t, func() bool {
			return dispatch(t, srv.URL, execution.DispatchPayload{RunID: "r2", Tasks: []*attestation.SignedTask{&again}}) == http.StatusForbidden
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("missing run id", func(t *testing.T) {
		srv := newTestServer(t, newRecorder(), never)
		assert.Equal(t, http.StatusBadRequest, dispatch(t, srv.URL, execution.DispatchPayload{}))
	})
}

func TestParseEnvelope(t *testing.T) {
	task := &attestation.SignedTask{
		Command: attestation.CapabilityRunInlineSafe,
		Args:    []string{"--timeout", "30", "--", "df", "-h"},
	}
	timeout, binary, argv, err := parseEnvelope(task)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)
	assert.Equal(t, "df", binary)
	assert.Equal(t, []string{"-h"}, argv)

	task.Args = []string{"--timeout", "0", "--", "df"}
	_, _, _, err = parseEnvelope(task)
	assert.ErrorIs(t, err, ErrBadEnvelope)

	task.Command = "sh"
	_, _, _, err = parseEnvelope(task)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestRejectedDispatchCanBeResent(t *testing.T) {
	cfg := &Config{NodeID: "a1", Secret: testSecret}
	exec := NewExecutor(cfg, newRecorder())
	ctx := context.Background()

	good := signTask(t, "a1", "uptime")
	bad := signTask(t, "a1", "df", "-h")
	bad.Args = append([]string(nil), bad.Args...)
	bad.Args[len(bad.Args)-1] = "-i"
	require.Error(t, exec.Verify(ctx, []*attestation.SignedTask{good, bad}))

	// The good task was not burned by the failed dispatch.
	require.NoError(t, exec.Verify(ctx, []*attestation.SignedTask{good}))
	assert.ErrorIs(t, exec.Verify(ctx, []*attestation.SignedTask{good}), attestation.ErrReplay)
}

func TestDuplicateCommandsInOneDispatch(t *testing.T) {
	exec := NewExecutor(&Config{NodeID: "a1", Secret: testSecret}, newRecorder())
	first := signTask(t, "a1", "uptime")
	second := *first
	second.TaskID = "t-2"
	assert.NoError(t, exec.Verify(context.Background(), []*attestation.SignedTask{first, &second}))
}
