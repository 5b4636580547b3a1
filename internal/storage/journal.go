// Package storage persists task outcomes in a sqlite journal.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dohr-michael/tether/internal/tasks"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT    NOT NULL,
	scope_id    TEXT    NOT NULL DEFAULT '',
	method      TEXT    NOT NULL,
	status      TEXT    NOT NULL,
	error_code  INTEGER NOT NULL DEFAULT 0,
	error       TEXT    NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_outcomes_scope ON task_outcomes(scope_id);
CREATE INDEX IF NOT EXISTS idx_task_outcomes_finished ON task_outcomes(finished_at);
`

// Journal is an append-only record of finished long-running tasks.
type Journal struct {
	db   *sql.DB
	path string
}

// HistoryFilter selects journal entries.
type HistoryFilter struct {
	ScopeID string
	Limit   int // 0 = 50
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{db: db, path: path}, nil
}

// Path returns the database file location.
func (j *Journal) Path() string { return j.path }

// Record appends one outcome.
func (j *Journal) Record(ctx context.Context, o tasks.Outcome) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO task_outcomes (task_id, scope_id, method, status, error_code, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TaskID, o.ScopeID, o.Method, string(o.Status), o.ErrorCode, o.Error,
		o.StartedAt.UnixMilli(), o.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.TaskID, err)
	}
	return nil
}

// History returns outcomes newest first.
func (j *Journal) History(ctx context.Context, filter HistoryFilter) ([]tasks.Outcome, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT task_id, scope_id, method, status, error_code, error, started_at, finished_at
		FROM task_outcomes`
	args := []any{}
	if filter.ScopeID != "" {
		query += ` WHERE scope_id = ?`
		args = append(args, filter.ScopeID)
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []tasks.Outcome
	for rows.Next() {
		var (
			o                 tasks.Outcome
			status            string
			started, finished int64
		)
		if err := rows.Scan(&o.TaskID, &o.ScopeID, &o.Method, &status, &o.ErrorCode, &o.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		o.Status = tasks.TaskStatus(status)
		o.StartedAt = time.UnixMilli(started)
		o.FinishedAt = time.UnixMilli(finished)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Count returns the number of journaled outcomes.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_outcomes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
