package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dohr-michael/tether/internal/tasks"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRecordAndHistory(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	outcomes := []tasks.Outcome{
		{TaskID: "t1", ScopeID: "A", Method: "analysis/run", Status: tasks.TaskCompleted, StartedAt: base, FinishedAt: base.Add(time.Second)},
		{TaskID: "t2", ScopeID: "A", Method: "analysis/run", Status: tasks.TaskFailed, ErrorCode: -9, Error: "task execution timed out", StartedAt: base, FinishedAt: base.Add(2 * time.Second)},
		{TaskID: "t3", ScopeID: "B", Method: "analysis/run", Status: tasks.TaskCancelled, StartedAt: base, FinishedAt: base.Add(3 * time.Second)},
	}
	for _, o := range outcomes {
		require.NoError(t, j.Record(ctx, o))
	}

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := j.History(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].TaskID, "newest first")
	assert.Equal(t, tasks.TaskCancelled, all[0].Status)

	scoped, err := j.History(ctx, HistoryFilter{ScopeID: "A", Limit: 1})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	got := scoped[0]
	assert.Equal(t, "t2", got.TaskID)
	assert.Equal(t, -9, got.ErrorCode)
	assert.Equal(t, "task execution timed out", got.Error)
	assert.Equal(t, 2*time.Second, got.Duration())
	assert.True(t, got.StartedAt.Equal(base))
}

func TestJournalReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := OpenJournal(path)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, j.Record(ctx, tasks.Outcome{TaskID: "t1", Method: "m", Status: tasks.TaskCompleted, StartedAt: now, FinishedAt: now}))
	require.NoError(t, j.Close())

	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()
	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
