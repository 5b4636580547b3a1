package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dohr-michael/tether/internal/rpcerr"
)

// DefaultGracePeriod is how long terminal tasks stay queryable.
const DefaultGracePeriod = 2 * time.Minute

// ErrRegistryClosed is returned by Register after Shutdown.
var ErrRegistryClosed = errors.New("task registry is shut down")

// RegistryConfig holds configuration for building a Registry.
type RegistryConfig struct {
	GracePeriod time.Duration    // 0 = DefaultGracePeriod
	Now         func() time.Time // nil = time.Now
	Logger      *slog.Logger     // nil = slog.Default()
}

// Registry tracks active long-running tasks by id. The id map is guarded by a
// single lock; each handle guards its own transitions.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*Handle
	closed bool

	grace time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// ListFilter defines criteria for filtering task lists.
type ListFilter struct {
	ScopeID         string
	IncludeTerminal bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		tasks: make(map[string]*Handle),
		grace: cfg.GracePeriod,
		now:   cfg.Now,
		log:   cfg.Logger,
	}
	if r.grace <= 0 {
		r.grace = DefaultGracePeriod
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Register creates a PENDING task and a context that is cancelled when the
// task is. An id may be reused once its previous task is terminal.
func (r *Registry) Register(ctx context.Context, spec TaskSpec) (*Handle, context.Context, error) {
	if spec.ID == "" {
		return nil, nil, rpcerr.InvalidParams("task id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, rpcerr.Wrap(rpcerr.KindInvalidRequest, ErrRegistryClosed, "cannot register task")
	}
	if existing, ok := r.tasks[spec.ID]; ok && !existing.Status().IsTerminal() {
		return nil, nil, rpcerr.New(rpcerr.KindDuplicateTaskID, "task %q is already active", spec.ID)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	h := newHandle(spec, cancel, r.now)
	r.tasks[spec.ID] = h

	r.log.Debug("task registered", "task_id", spec.ID, "scope_id", spec.ScopeID, "method", spec.Method)
	return h, ContextWithToken(taskCtx, Token{h: h}), nil
}

func (r *Registry) get(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

// RequestCancel flips the cancellation flag of a task. Unknown and terminal
// ids are ignored. It returns as soon as the flag is set.
func (r *Registry) RequestCancel(id string) bool {
	h := r.get(id)
	if h == nil {
		r.log.Debug("cancel for unknown task", "task_id", id)
		return false
	}
	if !h.Cancel() {
		return false
	}
	r.log.Info("task cancelled", "task_id", id)
	return true
}

// RequestCancelByScope cancels every non-terminal task of scopeID and
// returns how many were cancelled.
func (r *Registry) RequestCancelByScope(scopeID string) int {
	r.mu.Lock()
	var matched []*Handle
	for _, h := range r.tasks {
		if h.scopeID == scopeID {
			matched = append(matched, h)
		}
	}
	r.mu.Unlock()

	// Cancel outside the map lock
	n := 0
	for _, h := range matched {
		if h.Cancel() {
			n++
		}
	}
	if n > 0 {
		r.log.Info("scope tasks cancelled", "scope_id", scopeID, "count", n)
	}
	return n
}

// IsCancelled reports whether cancellation was requested for id.
func (r *Registry) IsCancelled(id string) bool {
	h := r.get(id)
	return h != nil && h.IsCancelled()
}

// ReportProgress records progress for id. Reports for unknown or terminal
// tasks are logged and dropped.
func (r *Registry) ReportProgress(id string, percentage *int, message string) bool {
	h := r.get(id)
	if h == nil || !h.ReportProgress(percentage, message) {
		r.log.Debug("late progress report ignored", "task_id", id)
		return false
	}
	return true
}

// Complete records the outcome of id and returns the client-visible final
// state. Unknown ids yield "".
func (r *Registry) Complete(id string, err error) TaskStatus {
	h := r.get(id)
	if h == nil {
		return ""
	}
	return h.Complete(err)
}

// Query returns a snapshot of id.
func (r *Registry) Query(id string) (Snapshot, bool) {
	h := r.get(id)
	if h == nil {
		return Snapshot{}, false
	}
	return h.Snapshot(), true
}

// List returns snapshots matching filter, oldest first.
func (r *Registry) List(filter ListFilter) []Snapshot {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.tasks))
	for _, h := range r.tasks {
		if filter.ScopeID != "" && h.scopeID != filter.ScopeID {
			continue
		}
		handles = append(handles, h)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		s := h.Snapshot()
		if !filter.IncludeTerminal && s.Status.IsTerminal() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of non-terminal tasks.
func (r *Registry) ActiveCount() int {
	return len(r.List(ListFilter{}))
}

// Prune drops terminal tasks whose grace period has elapsed.
func (r *Registry) Prune() int {
	cutoff := r.now().Add(-r.grace)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, h := range r.tasks {
		if h.prunable(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}

// Shutdown cancels every pending task and refuses new registrations.
func (r *Registry) Shutdown() int {
	r.mu.Lock()
	r.closed = true
	handles := make([]*Handle, 0, len(r.tasks))
	for _, h := range r.tasks {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.Cancel() {
			n++
		}
	}
	r.log.Info("task registry shut down", "cancelled", n)
	return n
}
