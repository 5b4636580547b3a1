// Package tasks tracks client-initiated long-running operations and their
// cooperative cancellation.
package tasks

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// IsTerminal reports whether s is one of the final states.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCancelled || s == TaskCompleted || s == TaskFailed
}

// TaskProgress is the last progress reported by a task's handler.
type TaskProgress struct {
	Percentage *int   `json:"percentage,omitempty"`
	Message    string `json:"message,omitempty"`
}

// TaskSpec identifies a task at registration time.
type TaskSpec struct {
	ID      string
	ScopeID string
	Method  string
}

// Snapshot is a point-in-time copy of a task handle.
type Snapshot struct {
	ID          string       `json:"taskId"`
	ScopeID     string       `json:"configScopeId,omitempty"`
	Method      string       `json:"method,omitempty"`
	Status      TaskStatus   `json:"status"`
	Progress    TaskProgress `json:"progress"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Handle is the registry-owned state of one task. All transitions happen
// under the handle's own lock; the cancellation flag is also mirrored in an
// atomic so handlers can poll it without contention.
type Handle struct {
	id      string
	scopeID string
	method  string
	now     func() time.Time

	cancelled atomic.Bool
	cancelCtx context.CancelFunc

	mu        sync.Mutex
	status    TaskStatus
	progress  TaskProgress
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	err       error
}

func newHandle(spec TaskSpec, cancel context.CancelFunc, now func() time.Time) *Handle {
	return &Handle{
		id:        spec.ID,
		scopeID:   spec.ScopeID,
		method:    spec.Method,
		now:       now,
		cancelCtx: cancel,
		status:    TaskPending,
		createdAt: now(),
	}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// ScopeID returns the configuration scope the task belongs to, or "".
func (h *Handle) ScopeID() string { return h.scopeID }

// IsCancelled reports whether cancellation was requested.
func (h *Handle) IsCancelled() bool { return h.cancelled.Load() }

// Status returns the current state.
func (h *Handle) Status() TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Start moves a pending task to RUNNING. It reports false if the task has
// already left PENDING (for example, it was cancelled before the handler ran).
func (h *Handle) Start() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != TaskPending {
		return false
	}
	h.status = TaskRunning
	h.startedAt = h.now()
	return true
}

// Cancel requests cooperative cancellation. It is a no-op on terminal
// tasks and reports whether the flag was flipped by this call.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	if h.status.IsTerminal() {
		h.mu.Unlock()
		return false
	}
	h.status = TaskCancelled
	h.cancelled.Store(true)
	h.endedAt = h.now()
	h.mu.Unlock()

	h.cancelCtx()
	return true
}

// ReportProgress records progress. Reports on terminal tasks are ignored
// and the call reports false.
func (h *Handle) ReportProgress(percentage *int, message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.IsTerminal() {
		return false
	}
	if percentage != nil {
		p := clampPercentage(*percentage)
		h.progress.Percentage = &p
	}
	if message != "" {
		h.progress.Message = message
	}
	return true
}

// Complete records the handler's outcome and returns the client-visible
// final state. An outcome arriving after cancellation is discarded and the
// task stays CANCELLED.
func (h *Handle) Complete(err error) TaskStatus {
	h.mu.Lock()
	if h.status.IsTerminal() {
		status := h.status
		h.mu.Unlock()
		return status
	}
	if err != nil {
		h.status = TaskFailed
		h.err = err
	} else {
		h.status = TaskCompleted
	}
	h.endedAt = h.now()
	status := h.status
	h.mu.Unlock()

	// Releases the context's resources; the cancelled flag stays false.
	h.cancelCtx()
	return status
}

// Snapshot returns a copy of the handle's state.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Snapshot{
		ID:        h.id,
		ScopeID:   h.scopeID,
		Method:    h.method,
		Status:    h.status,
		Progress:  h.progress,
		CreatedAt: h.createdAt,
	}
	if h.progress.Percentage != nil {
		p := *h.progress.Percentage
		s.Progress.Percentage = &p
	}
	if !h.startedAt.IsZero() {
		t := h.startedAt
		s.StartedAt = &t
	}
	if !h.endedAt.IsZero() {
		t := h.endedAt
		s.CompletedAt = &t
	}
	if h.err != nil {
		s.Error, _, _ = strings.Cut(h.err.Error(), "\n")
	}
	return s
}

// prunable reports whether the task ended before cutoff.
func (h *Handle) prunable(cutoff time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.IsTerminal() && h.endedAt.Before(cutoff)
}

func clampPercentage(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// GenerateTaskID creates a task id for requests that did not carry one.
func GenerateTaskID() string {
	return "task-" + uuid.New().String()
}
