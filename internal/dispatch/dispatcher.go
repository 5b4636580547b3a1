package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/tether/internal/protocol"
	"github.com/dohr-michael/tether/internal/rpcerr"
	"github.com/dohr-michael/tether/internal/tasks"
)

// Journal receives the outcome of every finished long-running task.
type Journal interface {
	Record(ctx context.Context, o tasks.Outcome) error
}

// Config holds configuration for building a Dispatcher.
type Config struct {
	Registry   *tasks.Registry    // required
	Translator *rpcerr.Translator // nil = default translator
	Journal    Journal            // nil = no journal

	// LongRunning lists glob patterns of method names tracked as tasks.
	LongRunning []string
	// TaskTimeout bounds every handler run; 0 disables it.
	TaskTimeout time.Duration
	// ProgressInterval rate limits task/progress pushes.
	ProgressInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// MethodOption customizes a registered method.
type MethodOption func(*method)

// LongRunning forces task tracking for the method.
func LongRunning() MethodOption {
	return func(m *method) { b := true; m.longRunning = &b }
}

// ShortRunning disables task tracking even when a pattern matches.
func ShortRunning() MethodOption {
	return func(m *method) { b := false; m.longRunning = &b }
}

// Timeout overrides the dispatcher-wide handler timeout.
func Timeout(d time.Duration) MethodOption {
	return func(m *method) { m.timeout = d }
}

type method struct {
	name        string
	handler     Handler
	longRunning *bool
	timeout     time.Duration
}

// Dispatcher routes messages to handlers. Messages run concurrently; there
// is no lock around handler bodies.
type Dispatcher struct {
	registry         *tasks.Registry
	translator       *rpcerr.Translator
	journal          Journal
	patterns         []string
	timeout          time.Duration
	progressInterval time.Duration
	log              *slog.Logger
	now              func() time.Time

	mu      sync.RWMutex
	methods map[string]*method

	// Long-running tasks per session, so a disconnect can cancel them.
	sessMu   sync.Mutex
	sessions map[string]map[*tasks.Handle]struct{}

	wg sync.WaitGroup
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("dispatch: registry is required")
	}
	for _, p := range cfg.LongRunning {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("dispatch: invalid long-running pattern %q", p)
		}
	}

	d := &Dispatcher{
		registry:         cfg.Registry,
		translator:       cfg.Translator,
		journal:          cfg.Journal,
		patterns:         append([]string(nil), cfg.LongRunning...),
		timeout:          cfg.TaskTimeout,
		progressInterval: cfg.ProgressInterval,
		log:              cfg.Logger,
		now:              cfg.Now,
		methods:          make(map[string]*method),
		sessions:         make(map[string]map[*tasks.Handle]struct{}),
	}
	if d.translator == nil {
		d.translator = rpcerr.NewTranslator(d.log)
	}
	if d.progressInterval <= 0 {
		d.progressInterval = DefaultProgressInterval
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Registry returns the task registry the dispatcher tracks tasks in.
func (d *Dispatcher) Registry() *tasks.Registry { return d.registry }

// Handle registers h for name, replacing any previous handler.
func (d *Dispatcher) Handle(name string, h Handler, opts ...MethodOption) {
	m := &method{name: name, handler: h}
	for _, opt := range opts {
		opt(m)
	}
	d.mu.Lock()
	d.methods[name] = m
	d.mu.Unlock()
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LongRunningPatterns returns the configured classification patterns.
func (d *Dispatcher) LongRunningPatterns() []string {
	return append([]string(nil), d.patterns...)
}

// IsLongRunning reports whether requests for name are tracked as tasks.
func (d *Dispatcher) IsLongRunning(name string) bool {
	d.mu.RLock()
	m := d.methods[name]
	d.mu.RUnlock()
	return d.classify(name, m)
}

func (d *Dispatcher) classify(name string, m *method) bool {
	if m != nil && m.longRunning != nil {
		return *m.longRunning
	}
	for _, p := range d.patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (d *Dispatcher) lookup(name string) *method {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.methods[name]
}

// Go dispatches data on a new goroutine tracked by Wait.
func (d *Dispatcher) Go(ctx context.Context, sess Session, data []byte) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.ServeRaw(ctx, sess, data)
	}()
}

// Wait blocks until every message started with Go has been answered, or ctx
// is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeRaw decodes data and serves it. Malformed input is answered with a
// parse or invalid-request error.
func (d *Dispatcher) ServeRaw(ctx context.Context, sess Session, data []byte) {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		d.reply(ctx, sess, protocol.NewError(nil, &rpcerr.Envelope{
			Code:    rpcerr.CodeParseError,
			Message: "parse error",
		}))
		return
	}
	d.Serve(ctx, sess, msg)
}

// Serve executes msg and sends its response (if any) through sess.
func (d *Dispatcher) Serve(ctx context.Context, sess Session, msg protocol.Message) {
	if err := msg.Validate(); err != nil {
		d.log.Debug("invalid message", "session", sessionID(sess), "error", err)
		if msg.IsNotification() {
			return
		}
		id := msg.ID
		if !validID(id) {
			id = nil
		}
		d.reply(ctx, sess, protocol.NewError(id, &rpcerr.Envelope{
			Code:    rpcerr.CodeInvalidRequest,
			Message: err.Error(),
		}))
		return
	}
	if msg.IsResponse() {
		d.log.Debug("unexpected response from client", "session", sessionID(sess), "id", msg.IDString())
		return
	}

	call := &Call{Method: msg.Method, ID: msg.ID, Params: msg.Params, Session: sess}
	m := d.lookup(msg.Method)

	if call.IsNotification() {
		d.serveNotification(ctx, call, m)
		return
	}
	if m == nil {
		d.replyError(ctx, sess, msg.ID, rpcerr.New(rpcerr.KindMethodNotFound, "method %q not found", msg.Method))
		return
	}
	if d.classify(msg.Method, m) {
		d.serveTask(ctx, call, m)
		return
	}

	result, err := d.invoke(ctx, m, call)
	if err != nil {
		d.replyError(ctx, sess, msg.ID, err)
		return
	}
	d.replyResult(ctx, sess, msg.ID, result)
}

func (d *Dispatcher) serveNotification(ctx context.Context, call *Call, m *method) {
	if m == nil {
		d.log.Debug("notification for unknown method", "method", call.Method)
		return
	}
	if _, err := d.invoke(ctx, m, call); err != nil {
		d.log.Warn("notification handler failed", "method", call.Method, "session", sessionID(call.Session), "error", err)
	}
}

func (d *Dispatcher) serveTask(ctx context.Context, call *Call, m *method) {
	var tp protocol.TaskParams
	if err := call.Decode(&tp); err != nil {
		d.replyError(ctx, call.Session, call.ID, err)
		return
	}
	if tp.TaskID == "" {
		tp.TaskID = tasks.GenerateTaskID()
	}

	h, taskCtx, err := d.registry.Register(ctx, tasks.TaskSpec{
		ID:      tp.TaskID,
		ScopeID: tp.ConfigScopeID,
		Method:  call.Method,
	})
	if err != nil {
		d.replyError(ctx, call.Session, call.ID, err)
		return
	}
	d.track(call.Session, h)
	defer d.untrack(call.Session, h)

	call.Task = tasks.TokenFromContext(taskCtx)
	taskCtx = context.WithValue(taskCtx, reporterKey{}, &progressReporter{
		handle:   h,
		session:  call.Session,
		interval: d.progressInterval,
		now:      d.now,
		log:      d.log,
	})

	var (
		result any
		runErr error
	)
	// Cancelled before the handler got a chance to run.
	if h.Start() {
		result, runErr = d.invoke(taskCtx, m, call)
	}
	status := h.Complete(runErr)

	var env *rpcerr.Envelope
	switch status {
	case tasks.TaskCancelled:
		env = &rpcerr.Envelope{
			Code:    rpcerr.CodeRequestCancelled,
			Message: "request cancelled",
			Data:    map[string]string{"taskId": h.ID()},
		}
		if runErr == nil && result != nil {
			d.log.Debug("result of cancelled task discarded", "task_id", h.ID())
		}
	case tasks.TaskFailed:
		env = d.translator.Translate(runErr)
	}
	d.record(ctx, h, env)

	if env != nil {
		d.reply(ctx, call.Session, protocol.NewError(call.ID, env))
		return
	}
	d.replyResult(ctx, call.Session, call.ID, result)
}

// invoke runs the handler with the method timeout and converts a panic into
// an error.
func (d *Dispatcher) invoke(ctx context.Context, m *method, call *Call) (result any, err error) {
	timeout := d.timeout
	if m.timeout > 0 {
		timeout = m.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if v := recover(); v != nil {
			result, err = nil, rpcerr.Recovered(v)
		}
	}()
	return m.handler(ctx, call)
}

func (d *Dispatcher) record(ctx context.Context, h *tasks.Handle, env *rpcerr.Envelope) {
	snap := h.Snapshot()
	d.log.Info("task finished", "task_id", snap.ID, "method", snap.Method, "scope_id", snap.ScopeID, "status", snap.Status)
	if d.journal == nil {
		return
	}
	o := tasks.OutcomeOf(snap)
	if env != nil {
		o.ErrorCode = int(env.Code)
		o.Error = env.Message
	}
	if err := d.journal.Record(context.WithoutCancel(ctx), o); err != nil {
		d.log.Warn("journal task outcome", "task_id", snap.ID, "error", err)
	}
}

// CancelSession cancels every long-running task started by session id and
// returns how many were cancelled.
func (d *Dispatcher) CancelSession(id string) int {
	d.sessMu.Lock()
	handles := make([]*tasks.Handle, 0, len(d.sessions[id]))
	for h := range d.sessions[id] {
		handles = append(handles, h)
	}
	d.sessMu.Unlock()

	// Cancel outside the lock
	n := 0
	for _, h := range handles {
		if h.Cancel() {
			n++
		}
	}
	if n > 0 {
		d.log.Info("session tasks cancelled", "session", id, "count", n)
	}
	return n
}

func (d *Dispatcher) track(sess Session, h *tasks.Handle) {
	if sess == nil {
		return
	}
	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	set, ok := d.sessions[sess.ID()]
	if !ok {
		set = make(map[*tasks.Handle]struct{})
		d.sessions[sess.ID()] = set
	}
	set[h] = struct{}{}
}

func (d *Dispatcher) untrack(sess Session, h *tasks.Handle) {
	if sess == nil {
		return
	}
	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	set := d.sessions[sess.ID()]
	delete(set, h)
	if len(set) == 0 {
		delete(d.sessions, sess.ID())
	}
}

func (d *Dispatcher) replyResult(ctx context.Context, sess Session, id json.RawMessage, result any) {
	msg, err := protocol.NewResult(id, result)
	if err != nil {
		d.replyError(ctx, sess, id, err)
		return
	}
	d.reply(ctx, sess, msg)
}

func (d *Dispatcher) replyError(ctx context.Context, sess Session, id json.RawMessage, err error) {
	d.reply(ctx, sess, protocol.NewError(id, d.translator.Translate(err)))
}

func (d *Dispatcher) reply(ctx context.Context, sess Session, msg protocol.Message) {
	if sess == nil {
		return
	}
	if err := sess.Send(context.WithoutCancel(ctx), msg); err != nil {
		d.log.Debug("response not delivered", "session", sess.ID(), "id", msg.IDString(), "error", err)
	}
}

func sessionID(s Session) string {
	if s == nil {
		return ""
	}
	return s.ID()
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return false
	}
	switch id[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	return false
}
