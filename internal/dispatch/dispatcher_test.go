package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dohr-michael/tether/internal/protocol"
	"github.com/dohr-michael/tether/internal/rpcerr"
	"github.com/dohr-michael/tether/internal/tasks"
)

type fakeSession struct {
	id string

	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

// response returns the single response (message with an id).
func (s *fakeSession) response(t *testing.T) protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, m := range s.messages() {
		if m.HasID() {
			out = append(out, m)
		}
	}
	require.Len(t, out, 1)
	return out[0]
}

type memJournal struct {
	mu       sync.Mutex
	outcomes []tasks.Outcome
}

func (j *memJournal) Record(_ context.Context, o tasks.Outcome) error {
	j.mu.Lock()
	j.outcomes = append(j.outcomes, o)
	j.mu.Unlock()
	return nil
}

type fixture struct {
	d       *Dispatcher
	reg     *tasks.Registry
	journal *memJournal
	sess    *fakeSession
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logs := &bytes.Buffer{}
	f := &fixture{
		reg:     tasks.NewRegistry(tasks.RegistryConfig{}),
		journal: &memJournal{},
		sess:    &fakeSession{id: "s1"},
		logs:    logs,
	}
	cfg.Registry = f.reg
	cfg.Journal = f.journal
	cfg.Logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if cfg.LongRunning == nil {
		cfg.LongRunning = []string{"analysis/**"}
	}
	d, err := New(cfg)
	require.NoError(t, err)
	f.d = d
	return f
}

func request(t *testing.T, id any, method string, params any) protocol.Message {
	t.Helper()
	m, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	return m
}

func TestLongRunningSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	var seen tasks.Token
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		seen = call.Task
		snap, _ := f.reg.Query(call.Task.ID())
		assert.Equal(t, tasks.TaskRunning, snap.Status)
		return map[string]int{"issues": 3}, nil
	})

	f.d.Serve(context.Background(), f.sess, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "t1", ConfigScopeID: "A"}))

	resp := f.sess.response(t)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"issues":3}`, string(resp.Result))
	assert.Equal(t, "t1", seen.ID())
	assert.Equal(t, "A", seen.ScopeID())

	snap, ok := f.reg.Query("t1")
	require.True(t, ok)
	assert.Equal(t, tasks.TaskCompleted, snap.Status)

	require.Len(t, f.journal.outcomes, 1)
	assert.Equal(t, tasks.TaskCompleted, f.journal.outcomes[0].Status)
	assert.Equal(t, "analysis/run", f.journal.outcomes[0].Method)
}

func TestLongRunningGeneratesTaskID(t *testing.T) {
	f := newFixture(t, Config{})
	var id string
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		id = call.Task.ID()
		return nil, nil
	})

	f.d.Serve(context.Background(), f.sess, request(t, 1, "analysis/run", nil))
	assert.NotEmpty(t, id)
	assert.Nil(t, f.sess.response(t).Error)
}

func TestLongRunningFailureIsTranslated(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		return nil, rpcerr.ConnectionNotFound("sq-1")
	})

	f.d.Serve(context.Background(), f.sess, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "t1"}))

	resp := f.sess.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeConnectionNotFound, resp.Error.Code)

	snap, _ := f.reg.Query("t1")
	assert.Equal(t, tasks.TaskFailed, snap.Status)
	assert.Equal(t, int(rpcerr.CodeConnectionNotFound), f.journal.outcomes[0].ErrorCode)
}

func TestCancelDuringRun(t *testing.T) {
	f := newFixture(t, Config{})
	started := make(chan struct{})
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		close(started)
		for !call.Task.IsCancelled() {
			time.Sleep(time.Millisecond)
		}
		return nil, tasks.CheckCancelled(ctx)
	})

	done := make(chan struct{})
	go func() {
		f.d.Serve(context.Background(), f.sess, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "t1"}))
		close(done)
	}()
	<-started
	require.True(t, f.reg.RequestCancel("t1"))
	<-done

	resp := f.sess.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeRequestCancelled, resp.Error.Code)
	snap, _ := f.reg.Query("t1")
	assert.Equal(t, tasks.TaskCancelled, snap.Status)
}

func TestCancelledResultIsDiscarded(t *testing.T) {
	f := newFixture(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		close(started)
		<-release
		// Ignores cancellation and succeeds anyway.
		return "done", nil
	})

	done := make(chan struct{})
	go func() {
		f.d.Serve(context.Background(), f.sess, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "t1"}))
		close(done)
	}()
	<-started
	f.reg.RequestCancel("t1")
	close(release)
	<-done

	resp := f.sess.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeRequestCancelled, resp.Error.Code)
	assert.Nil(t, resp.Result)
	assert.Equal(t, tasks.TaskCancelled, f.journal.outcomes[0].Status)
}

func TestPanicIsContained(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		panic("secret internal state")
	})

	f.d.Serve(context.Background(), f.sess, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "t1"}))

	resp := f.sess.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeInternalError, resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "secret")
	assert.Contains(t, f.logs.String(), "secret internal state")

	snap, _ := f.reg.Query("t1")
	assert.Equal(t, tasks.TaskFailed, snap.Status)
	assert.Equal(t, 0, f.reg.ActiveCount())
}

func TestShortRunningBypassesRegistry(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.Handle("rules/describe", func(ctx context.Context, call *Call) (any, error) {
		assert.False(t, call.Task.Valid())
		return "ok", nil
	})

	f.d.Serve(context.Background(), f.sess, request(t, "abc", "rules/describe", protocol.TaskParams{TaskID: "t1"}))

	resp := f.sess.response(t)
	assert.Nil(t, resp.Error)
	assert.Equal(t, `"abc"`, resp.IDString())
	_, ok := f.reg.Query("t1")
	assert.False(t, ok)
	assert.Empty(t, f.journal.outcomes)
}

func TestNotificationFailureIsLoggedOnly(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.Handle("analysis/didChange", func(ctx context.Context, call *Call) (any, error) {
		assert.True(t, call.IsNotification())
		return nil, errors.New("boom")
	})

	n, err := protocol.NewNotification("analysis/didChange", nil)
	require.NoError(t, err)
	f.d.Serve(context.Background(), f.sess, n)

	assert.Empty(t, f.sess.messages())
	assert.Contains(t, f.logs.String(), "notification handler failed")
	assert.Equal(t, 0, len(f.reg.List(tasks.ListFilter{IncludeTerminal: true})))
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	t.Run("method not found", func(t *testing.T) {
		s := &fakeSession{id: "a"}
		f.d.Serve(ctx, s, request(t, 1, "nope", nil))
		assert.Equal(t, rpcerr.CodeMethodNotFound, s.response(t).Error.Code)
	})
	t.Run("parse error", func(t *testing.T) {
		s := &fakeSession{id: "b"}
		f.d.ServeRaw(ctx, s, []byte("{not json"))
		resp := s.response(t)
		assert.Equal(t, rpcerr.CodeParseError, resp.Error.Code)
		assert.Equal(t, "null", resp.IDString())
	})
	t.Run("invalid request", func(t *testing.T) {
		s := &fakeSession{id: "c"}
		f.d.ServeRaw(ctx, s, []byte(`{"jsonrpc":"1.0","id":4,"method":"x"}`))
		resp := s.response(t)
		assert.Equal(t, rpcerr.CodeInvalidRequest, resp.Error.Code)
		assert.Equal(t, "4", resp.IDString())
	})
	t.Run("unexpected response ignored", func(t *testing.T) {
		s := &fakeSession{id: "d"}
		f.d.ServeRaw(ctx, s, []byte(`{"jsonrpc":"2.0","id":4,"result":1}`))
		assert.Empty(t, s.messages())
	})
}

func TestDuplicateTaskID(t *testing.T) {
	f := newFixture(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		close(started)
		<-release
		return nil, nil
	})

	go f.d.Serve(context.Background(), &fakeSession{id: "other"}, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "t1"}))
	<-started
	defer close(release)

	f.d.Serve(context.Background(), f.sess, request(t, 2, "analysis/run", protocol.TaskParams{TaskID: "t1"}))
	resp := f.sess.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeInvalidRequest, resp.Error.Code)
	data, _ := json.Marshal(resp.Error.Data)
	assert.JSONEq(t, `{"kind":"DuplicateTaskId"}`, string(data))
}

func TestRegisterAfterShutdownIsInvalidRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		return "ok", nil
	})
	f.reg.Shutdown()

	f.d.Serve(context.Background(), f.sess, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "late"}))
	resp := f.sess.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeInvalidRequest, resp.Error.Code)
	assert.NotContains(t, f.logs.String(), "unmapped failure")
}

func TestTaskTimeout(t *testing.T) {
	f := newFixture(t, Config{TaskTimeout: 20 * time.Millisecond})
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	f.d.Serve(context.Background(), f.sess, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "t1"}))

	resp := f.sess.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeTaskExecutionTimeout, resp.Error.Code)
	snap, _ := f.reg.Query("t1")
	assert.Equal(t, tasks.TaskFailed, snap.Status)
}

func TestProgressNotifications(t *testing.T) {
	f := newFixture(t, Config{ProgressInterval: time.Hour})
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		for _, p := range []int{10, 20, 30, 100} {
			p := p
			assert.True(t, ReportProgress(ctx, &p, "scanning"))
		}
		return nil, nil
	})

	f.d.Serve(context.Background(), f.sess, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "t1"}))

	var pushed []int
	for _, m := range f.sess.messages() {
		if m.Method != protocol.MethodTaskProgress {
			continue
		}
		var p protocol.ProgressParams
		require.NoError(t, json.Unmarshal(m.Params, &p))
		assert.Equal(t, "t1", p.TaskID)
		pushed = append(pushed, *p.Percentage)
	}
	// The first report and the final one pass the rate limit.
	assert.Equal(t, []int{10, 100}, pushed)
	assert.False(t, ReportProgress(context.Background(), nil, "no task"))
}

func TestCancelSession(t *testing.T) {
	f := newFixture(t, Config{})
	started := make(chan struct{}, 2)
	f.d.Handle("analysis/run", func(ctx context.Context, call *Call) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	other := &fakeSession{id: "s2"}
	ctx := context.Background()
	f.d.Go(ctx, f.sess, mustMarshal(t, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "mine"})))
	f.d.Go(ctx, other, mustMarshal(t, request(t, 1, "analysis/run", protocol.TaskParams{TaskID: "theirs"})))
	<-started
	<-started

	assert.Equal(t, 1, f.d.CancelSession("s1"))

	require.Eventually(t, func() bool {
		snap, _ := f.reg.Query("mine")
		return snap.Status == tasks.TaskCancelled
	}, time.Second, 5*time.Millisecond)
	snap, _ := f.reg.Query("theirs")
	assert.Equal(t, tasks.TaskRunning, snap.Status)

	f.reg.RequestCancel("theirs")
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.d.Wait(waitCtx))
}

func TestClassification(t *testing.T) {
	f := newFixture(t, Config{LongRunning: []string{"analysis/**", "task/await*"}})
	f.d.Handle("analysis/files/run", nil)
	f.d.Handle("analysis/peek", nil, ShortRunning())
	f.d.Handle("rules/slow", nil, LongRunning())

	assert.True(t, f.d.IsLongRunning("analysis/files/run"))
	assert.True(t, f.d.IsLongRunning("task/awaitIndex"))
	assert.False(t, f.d.IsLongRunning("analysis/peek"))
	assert.True(t, f.d.IsLongRunning("rules/slow"))
	assert.False(t, f.d.IsLongRunning("rules/describe"))

	_, err := New(Config{Registry: f.reg, LongRunning: []string{"analysis/[**"}})
	assert.Error(t, err)
}

func TestBindValidates(t *testing.T) {
	call := &Call{Params: json.RawMessage(`{}`)}
	var p protocol.CancelTaskParams
	err := call.Bind(&p)
	require.Error(t, err)
	assert.Equal(t, rpcerr.CodeInvalidParams, rpcerr.Translate(err).Code)

	call = &Call{Params: json.RawMessage(`{"configScopeId":"A"}`)}
	require.NoError(t, call.Bind(&p))
	assert.Equal(t, "A", p.ConfigScopeID)
}

func mustMarshal(t *testing.T, m protocol.Message) []byte {
	t.Helper()
	data, err := protocol.Marshal(m)
	require.NoError(t, err)
	return data
}
