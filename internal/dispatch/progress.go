package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/tether/internal/protocol"
	"github.com/dohr-michael/tether/internal/tasks"
)

// DefaultProgressInterval is the minimum gap between two task/progress
// notifications of one task.
const DefaultProgressInterval = 100 * time.Millisecond

type progressReporter struct {
	handle   *tasks.Handle
	session  Session
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu       sync.Mutex
	lastSent time.Time
}

type reporterKey struct{}

// ReportProgress records progress for the task running in ctx and pushes a
// rate limited task/progress notification to its client. Reports after the
// task reached a terminal state are dropped.
func ReportProgress(ctx context.Context, percentage *int, message string) bool {
	r, ok := ctx.Value(reporterKey{}).(*progressReporter)
	if !ok {
		return false
	}
	return r.report(ctx, percentage, message)
}

func (r *progressReporter) report(ctx context.Context, percentage *int, message string) bool {
	if !r.handle.ReportProgress(percentage, message) {
		r.log.Debug("late progress report ignored", "task_id", r.handle.ID())
		return false
	}
	if r.session == nil {
		return true
	}

	final := percentage != nil && *percentage >= 100
	now := r.now()
	r.mu.Lock()
	if !final && now.Sub(r.lastSent) < r.interval {
		r.mu.Unlock()
		return true
	}
	r.lastSent = now
	r.mu.Unlock()

	snap := r.handle.Snapshot()
	msg, err := protocol.NewNotification(protocol.MethodTaskProgress, protocol.ProgressParams{
		TaskID:     snap.ID,
		Percentage: snap.Progress.Percentage,
		Message:    snap.Progress.Message,
	})
	if err != nil {
		r.log.Warn("encode progress", "task_id", snap.ID, "error", err)
		return true
	}
	if err := r.session.Send(ctx, msg); err != nil {
		r.log.Debug("progress notification not delivered", "task_id", snap.ID, "session", r.session.ID(), "error", err)
	}
	return true
}
