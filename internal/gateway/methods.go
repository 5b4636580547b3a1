package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/tether/internal/dispatch"
	"github.com/dohr-michael/tether/internal/events"
	"github.com/dohr-michael/tether/internal/protocol"
	"github.com/dohr-michael/tether/internal/rpcerr"
	"github.com/dohr-michael/tether/internal/tasks"
)

// Backend owns the built-in methods: lifecycle, task control and the
// connection lifecycle notifications.
type Backend struct {
	name          string
	version       string
	registry      *tasks.Registry
	router        *events.Router
	dispatcher    *dispatch.Dispatcher
	queueCapacity int
	onShutdown    func()

	initialized atomic.Bool
	shutdown    atomic.Bool
}

// BackendOptions configures a Backend.
type BackendOptions struct {
	Version       string
	QueueCapacity int
	// OnShutdown runs once after a shutdown request was served.
	OnShutdown func()
}

// NewBackend creates the built-in method set over d and router.
func NewBackend(d *dispatch.Dispatcher, router *events.Router, opts BackendOptions) *Backend {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = events.DefaultQueueCapacity
	}
	return &Backend{
		name:          "tether",
		version:       opts.Version,
		registry:      d.Registry(),
		router:        router,
		dispatcher:    d,
		queueCapacity: opts.QueueCapacity,
		onShutdown:    opts.OnShutdown,
	}
}

// Register installs the built-in methods on the dispatcher.
func (b *Backend) Register() {
	d := b.dispatcher
	d.Handle(protocol.MethodInitialize, b.initialize, dispatch.ShortRunning())
	d.Handle(protocol.MethodShutdown, b.shutdownBackend, dispatch.ShortRunning())

	d.Handle(protocol.MethodCancelTask, b.cancelTask, dispatch.ShortRunning())
	d.Handle(protocol.MethodTaskStatus, b.taskStatus, dispatch.ShortRunning())
	d.Handle(protocol.MethodTaskList, b.taskList, dispatch.ShortRunning())
	d.Handle(protocol.MethodAwaitTimer, awaitTimer, dispatch.LongRunning())

	d.Handle(protocol.MethodConnectionDidOpen, b.didOpen, dispatch.ShortRunning())
	d.Handle(protocol.MethodConnectionDidClose, b.didClose, dispatch.ShortRunning())
	d.Handle(protocol.MethodConnectionStatus, b.connectionStatus, dispatch.ShortRunning())
}

func (b *Backend) initialize(_ context.Context, call *dispatch.Call) (any, error) {
	var p protocol.InitializeParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if !b.initialized.CompareAndSwap(false, true) {
		return nil, rpcerr.New(rpcerr.KindBackendAlreadyInitialized, "backend already initialized")
	}
	slog.Info("backend initialized", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version)

	return protocol.InitializeResult{
		ServerInfo: protocol.ServerInfo{Name: b.name, Version: b.version},
		Capabilities: protocol.Capabilities{
			LongRunning:       b.dispatcher.LongRunningPatterns(),
			EventQueueLimit:   b.queueCapacity,
			ScopeCancellation: true,
		},
	}, nil
}

// shutdownBackend cancels every task and closes every connection. Later
// shutdown requests are no-ops.
func (b *Backend) shutdownBackend(_ context.Context, _ *dispatch.Call) (any, error) {
	if !b.shutdown.CompareAndSwap(false, true) {
		return nil, nil
	}
	cancelled := b.registry.Shutdown()
	closed := b.router.Close()
	slog.Info("backend shutdown requested", "cancelled_tasks", cancelled, "closed_connections", closed)

	if b.onShutdown != nil {
		go b.onShutdown()
	}
	return nil, nil
}

func (b *Backend) cancelTask(_ context.Context, call *dispatch.Call) (any, error) {
	var p protocol.CancelTaskParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	var n int
	if p.TaskID != "" {
		if b.registry.RequestCancel(p.TaskID) {
			n = 1
		}
	} else {
		n = b.registry.RequestCancelByScope(p.ConfigScopeID)
	}
	slog.Debug("cancel requested", "task", p.TaskID, "scope", p.ConfigScopeID, "cancelled", n)
	return protocol.CancelTaskResult{Cancelled: n}, nil
}

func (b *Backend) taskStatus(_ context.Context, call *dispatch.Call) (any, error) {
	var p protocol.TaskStatusParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	snap, ok := b.registry.Query(p.TaskID)
	if !ok {
		return nil, rpcerr.InvalidParams("unknown task %q", p.TaskID).
			WithData(map[string]string{"taskId": p.TaskID})
	}
	return snap, nil
}

func (b *Backend) taskList(_ context.Context, call *dispatch.Call) (any, error) {
	var p protocol.TaskListParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	list := b.registry.List(tasks.ListFilter{ScopeID: p.ConfigScopeID, IncludeTerminal: p.IncludeTerminal})
	if list == nil {
		list = []tasks.Snapshot{}
	}
	return protocol.TaskListResult{Tasks: list}, nil
}

func (b *Backend) didOpen(_ context.Context, call *dispatch.Call) (any, error) {
	var p protocol.ConnectionParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if err := b.router.OpenConnection(p.ConnectionID); err != nil {
		if errors.Is(err, events.ErrRouterClosed) {
			return nil, rpcerr.New(rpcerr.KindInvalidRequest, "backend is shutting down")
		}
		return nil, err
	}
	info, _ := b.router.Status(p.ConnectionID)
	return protocol.ConnectionStatusResult{ConnectionInfo: info}, nil
}

func (b *Backend) didClose(_ context.Context, call *dispatch.Call) (any, error) {
	var p protocol.ConnectionParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	return protocol.DidCloseResult{Closed: b.router.CloseConnection(p.ConnectionID)}, nil
}

func (b *Backend) connectionStatus(_ context.Context, call *dispatch.Call) (any, error) {
	var p protocol.ConnectionParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	info, ok := b.router.Status(p.ConnectionID)
	if !ok {
		return nil, rpcerr.ConnectionNotFound(p.ConnectionID)
	}
	return protocol.ConnectionStatusResult{ConnectionInfo: info}, nil
}

// awaitTimer waits durationMs in equal steps, reporting progress after each
// one and stopping at the first step boundary after a cancel request.
func awaitTimer(ctx context.Context, call *dispatch.Call) (any, error) {
	var p protocol.AwaitTimerParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	steps := p.Steps
	if steps <= 0 {
		steps = 1
	}
	step := time.Duration(p.DurationMs) * time.Millisecond / time.Duration(steps)
	start := time.Now()

	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := 1; i <= steps; i++ {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := tasks.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		pct := i * 100 / steps
		dispatch.ReportProgress(ctx, &pct, "")
		timer.Reset(step)
	}

	return protocol.AwaitTimerResult{
		ElapsedMs: time.Since(start).Milliseconds(),
		Steps:     steps,
	}, nil
}
