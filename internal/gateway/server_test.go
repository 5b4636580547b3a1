package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsclient "github.com/dohr-michael/tether/clients/ws"
	"github.com/dohr-michael/tether/internal/dispatch"
	"github.com/dohr-michael/tether/internal/events"
	"github.com/dohr-michael/tether/internal/protocol"
	"github.com/dohr-michael/tether/internal/rpcerr"
	"github.com/dohr-michael/tether/internal/storage"
	"github.com/dohr-michael/tether/internal/tasks"
)

type testGateway struct {
	srv     *Server
	ts      *httptest.Server
	journal *storage.Journal
}

func newTestGateway(t *testing.T, withJournal bool) *testGateway {
	t.Helper()

	g := &testGateway{}
	cfg := dispatch.Config{
		Registry:    tasks.NewRegistry(tasks.RegistryConfig{GracePeriod: time.Minute}),
		LongRunning: []string{"task/await*"},
	}
	if withJournal {
		j, err := storage.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
		require.NoError(t, err)
		t.Cleanup(func() { j.Close() })
		g.journal = j
		cfg.Journal = j
	}
	d, err := dispatch.New(cfg)
	require.NoError(t, err)

	g.srv = NewServer(Options{Dispatcher: d, QueueCapacity: 8, Journal: g.journal, Version: "test"})
	g.ts = httptest.NewServer(g.srv.Handler())
	t.Cleanup(func() {
		g.srv.Router().Close()
		g.srv.Hub().Close()
		g.ts.Close()
	})
	return g
}

func (g *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/api/ws"
}

func (g *testGateway) dial(t *testing.T) *wsclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := wsclient.Dial(ctx, g.wsURL())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (g *testGateway) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(g.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "decode %s", path)
	}
	return resp.StatusCode
}

func (g *testGateway) ingest(t *testing.T, connID, body string) int {
	t.Helper()
	resp, err := http.Post(g.ts.URL+"/api/connections/"+connID+"/events", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitNotification(t *testing.T, c *wsclient.Client, method string) protocol.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-c.Notifications():
			require.True(t, ok, "connection closed waiting for %s", method)
			if msg.Method == method {
				return msg
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for "+method)
		}
	}
}

func errorCode(t *testing.T, err error) rpcerr.Code {
	t.Helper()
	var env *rpcerr.Envelope
	require.True(t, errors.As(err, &env), "expected rpc error envelope, got %v", err)
	return env.Code
}

func TestHandleHealth(t *testing.T) {
	g := newTestGateway(t, false)
	require.NoError(t, g.srv.Router().OpenConnection("conn-1"))
	require.NoError(t, g.srv.Router().OpenConnection("conn-2"))
	g.srv.Router().CloseConnection("conn-2")

	var body map[string]any
	require.Equal(t, http.StatusOK, g.get(t, "/api/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["connections"], "only active connections count")
}

func TestInitializeOnce(t *testing.T) {
	g := newTestGateway(t, false)
	c := g.dial(t)
	ctx := callCtx(t)

	params := protocol.InitializeParams{ClientInfo: protocol.ClientInfo{Name: "ide", Version: "1.0"}}
	var res protocol.InitializeResult
	require.NoError(t, c.Call(ctx, protocol.MethodInitialize, params, &res))
	assert.Equal(t, "tether", res.ServerInfo.Name)
	assert.Equal(t, "test", res.ServerInfo.Version)
	assert.Equal(t, 8, res.Capabilities.EventQueueLimit)
	assert.True(t, res.Capabilities.ScopeCancellation)

	err := c.Call(ctx, protocol.MethodInitialize, params, nil)
	assert.Equal(t, rpcerr.CodeBackendAlreadyInitialized, errorCode(t, err))
}

func TestInitializeRequiresClientName(t *testing.T) {
	g := newTestGateway(t, false)
	c := g.dial(t)

	err := c.Call(callCtx(t), protocol.MethodInitialize, map[string]any{"clientInfo": map[string]any{}}, nil)
	assert.Equal(t, rpcerr.CodeInvalidParams, errorCode(t, err))
}

func TestServerEventPush(t *testing.T) {
	g := newTestGateway(t, false)
	c := g.dial(t)
	ctx := callCtx(t)

	require.NoError(t, c.Call(ctx, protocol.MethodConnectionDidOpen, protocol.ConnectionParams{ConnectionID: "conn-1"}, nil))
	require.Equal(t, http.StatusAccepted, g.ingest(t, "conn-1", `{"type":"issue.changed","payload":{"uri":"file:///a.go"}}`))

	var p protocol.DidReceiveServerEventParams
	require.NoError(t, waitNotification(t, c, protocol.MethodDidReceiveServerEvent).DecodeParams(&p))
	assert.Equal(t, "conn-1", p.ConnectionID)
	assert.Equal(t, events.EventIssueChanged, p.Event.Type)
	assert.JSONEq(t, `{"uri":"file:///a.go"}`, string(p.Event.Payload))

	var st protocol.ConnectionStatusResult
	require.NoError(t, c.Call(ctx, protocol.MethodConnectionStatus, protocol.ConnectionParams{ConnectionID: "conn-1"}, &st))
	assert.Equal(t, events.StatusActive, st.Status)
}

func TestServerEventSurvivesClientReconnect(t *testing.T) {
	g := newTestGateway(t, false)
	first := g.dial(t)
	require.NoError(t, first.Call(callCtx(t), protocol.MethodConnectionDidOpen, protocol.ConnectionParams{ConnectionID: "conn-1"}, nil))
	first.Close()
	require.Eventually(t, func() bool { return g.srv.Hub().ClientCount() == 0 }, 5*time.Second, time.Millisecond)

	// Published while no UI is attached.
	require.Equal(t, http.StatusAccepted, g.ingest(t, "conn-1", `{"type":"analysis.ready"}`))
	time.Sleep(50 * time.Millisecond)
	st, ok := g.srv.Router().Status("conn-1")
	require.True(t, ok)
	assert.Equal(t, events.StatusActive, st.Status)

	second := g.dial(t)
	var p protocol.DidReceiveServerEventParams
	require.NoError(t, waitNotification(t, second, protocol.MethodDidReceiveServerEvent).DecodeParams(&p))
	assert.Equal(t, events.EventAnalysisReady, p.Event.Type)

	st, _ = g.srv.Router().Status("conn-1")
	assert.Equal(t, events.StatusActive, st.Status)
	assert.Equal(t, uint64(0), st.Dropped)
}

func TestConnectionLifecycle(t *testing.T) {
	g := newTestGateway(t, false)
	c := g.dial(t)
	ctx := callCtx(t)

	open := protocol.ConnectionParams{ConnectionID: "conn-1"}
	require.NoError(t, c.Call(ctx, protocol.MethodConnectionDidOpen, open, nil))
	err := c.Call(ctx, protocol.MethodConnectionDidOpen, open, nil)
	assert.Equal(t, rpcerr.CodeInvalidRequest, errorCode(t, err), "duplicate connection")

	var closed protocol.DidCloseResult
	require.NoError(t, c.Call(ctx, protocol.MethodConnectionDidClose, open, &closed))
	assert.True(t, closed.Closed)
	require.NoError(t, c.Call(ctx, protocol.MethodConnectionDidClose, open, &closed))
	assert.False(t, closed.Closed, "second didClose is a no-op")

	err = c.Call(ctx, protocol.MethodConnectionStatus, protocol.ConnectionParams{ConnectionID: "nope"}, nil)
	assert.Equal(t, rpcerr.CodeConnectionNotFound, errorCode(t, err))
}

func TestIngest(t *testing.T) {
	g := newTestGateway(t, false)

	assert.Equal(t, http.StatusAccepted, g.ingest(t, "unknown", `{"type":"issue.changed"}`), "unknown connection is still accepted")
	assert.Equal(t, http.StatusBadRequest, g.ingest(t, "unknown", `{"payload":{}}`), "missing type")
	assert.Equal(t, http.StatusBadRequest, g.ingest(t, "unknown", `not json`), "bad body")
}

func TestAwaitTimerWithProgressAndHistory(t *testing.T) {
	g := newTestGateway(t, true)
	c := g.dial(t)
	ctx := callCtx(t)

	params := protocol.AwaitTimerParams{
		TaskParams: protocol.TaskParams{TaskID: "t1", ConfigScopeID: "scope-a"},
		DurationMs: 20,
		Steps:      2,
	}
	var res protocol.AwaitTimerResult
	require.NoError(t, c.Call(ctx, protocol.MethodAwaitTimer, params, &res))
	assert.Equal(t, 2, res.Steps)

	// The final report always passes the rate limit.
	for {
		var p protocol.ProgressParams
		require.NoError(t, waitNotification(t, c, protocol.MethodTaskProgress).DecodeParams(&p))
		require.Equal(t, "t1", p.TaskID)
		if p.Percentage != nil && *p.Percentage == 100 {
			break
		}
	}

	var snap tasks.Snapshot
	require.NoError(t, c.Call(ctx, protocol.MethodTaskStatus, protocol.TaskStatusParams{TaskID: "t1"}, &snap))
	assert.Equal(t, tasks.TaskCompleted, snap.Status)

	var history []tasks.Outcome
	require.Equal(t, http.StatusOK, g.get(t, "/api/tasks/history?limit=5", &history))
	require.Len(t, history, 1)
	assert.Equal(t, "t1", history[0].TaskID)
	assert.Equal(t, "scope-a", history[0].ScopeID)
}

func TestCancelRunningTask(t *testing.T) {
	g := newTestGateway(t, false)
	c := g.dial(t)
	ctx := callCtx(t)

	done := make(chan error, 1)
	go func() {
		done <- c.Call(ctx, protocol.MethodAwaitTimer, protocol.AwaitTimerParams{
			TaskParams: protocol.TaskParams{TaskID: "slow", ConfigScopeID: "scope-a"},
			DurationMs: 60_000,
			Steps:      10,
		}, nil)
	}()

	require.Eventually(t, func() bool {
		var snap tasks.Snapshot
		err := c.Call(ctx, protocol.MethodTaskStatus, protocol.TaskStatusParams{TaskID: "slow"}, &snap)
		return err == nil && snap.Status == tasks.TaskRunning
	}, 5*time.Second, 5*time.Millisecond, "task never reached RUNNING")

	var res protocol.CancelTaskResult
	require.NoError(t, c.Call(ctx, protocol.MethodCancelTask, protocol.CancelTaskParams{ConfigScopeID: "scope-a"}, &res))
	assert.Equal(t, 1, res.Cancelled)

	select {
	case err := <-done:
		assert.Equal(t, rpcerr.CodeRequestCancelled, errorCode(t, err))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled task never answered")
	}

	// Cancelling an unknown task is not an error.
	require.NoError(t, c.Call(ctx, protocol.MethodCancelTask, protocol.CancelTaskParams{TaskID: "ghost"}, &res))
	assert.Equal(t, 0, res.Cancelled)

	// At least one of taskId and configScopeId is required.
	err := c.Call(ctx, protocol.MethodCancelTask, struct{}{}, nil)
	assert.Equal(t, rpcerr.CodeInvalidParams, errorCode(t, err))
}

func TestHandleTasksAndConnections(t *testing.T) {
	g := newTestGateway(t, false)
	require.NoError(t, g.srv.Router().OpenConnection("conn-1"))

	var conns []events.ConnectionInfo
	require.Equal(t, http.StatusOK, g.get(t, "/api/connections", &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "conn-1", conns[0].ConnectionID)

	var list []tasks.Snapshot
	require.Equal(t, http.StatusOK, g.get(t, "/api/tasks?scope=none", &list))
	assert.Empty(t, list)

	assert.Equal(t, http.StatusServiceUnavailable, g.get(t, "/api/tasks/history", nil), "history without journal")
}

func TestShutdownCancelsEverything(t *testing.T) {
	stopped := make(chan struct{})
	d, err := dispatch.New(dispatch.Config{
		Registry:    tasks.NewRegistry(tasks.RegistryConfig{GracePeriod: time.Minute}),
		LongRunning: []string{"task/await*"},
	})
	require.NoError(t, err)
	srv := NewServer(Options{Dispatcher: d, OnShutdown: func() { close(stopped) }})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Hub().Close()

	c, err := wsclient.Dial(callCtx(t), "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws")
	require.NoError(t, err)
	defer c.Close()
	ctx := callCtx(t)

	require.NoError(t, c.Call(ctx, protocol.MethodConnectionDidOpen, protocol.ConnectionParams{ConnectionID: "conn-1"}, nil))
	require.NoError(t, c.Call(ctx, protocol.MethodShutdown, nil, nil))

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hook not called")
	}
	st, _ := srv.Router().Status("conn-1")
	assert.Equal(t, events.StatusClosed, st.Status)

	_, _, err = d.Registry().Register(ctx, tasks.TaskSpec{ID: "late", Method: "task/awaitTimer"})
	assert.ErrorIs(t, err, tasks.ErrRegistryClosed)
	assert.Equal(t, rpcerr.CodeInvalidRequest, rpcerr.Translate(err).Code)
}
