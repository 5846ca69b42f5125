// Package journal keeps a worker-local record of every task execution
// in SQLite, surviving agent restarts so the telemetry endpoints can
// show run history even when the queue is unreachable.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/convoy-sh/convoy/internal/model"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    task_id     TEXT NOT NULL,
    task_name   TEXT NOT NULL,
    image       TEXT NOT NULL,
    command     TEXT NOT NULL,
    status      TEXT NOT NULL,
    exit_code   INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    log_key     TEXT NOT NULL DEFAULT '',
    worker      TEXT NOT NULL,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at DESC);
CREATE INDEX IF NOT EXISTS runs_task_id ON runs (task_id);
`

// ErrNotFound is returned when no run is recorded for a task.
var ErrNotFound = errors.New("journal: run not found")

// Entry is one recorded execution.
type Entry struct {
	TaskID   string           `json:"task_id"`
	TaskName string           `json:"task_name"`
	Image    string           `json:"image"`
	Command  string           `json:"command"`
	Result   model.TaskResult `json:"result"`
}

// Journal is an append-only run log.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Record appends one execution.
func (j *Journal) Record(ctx context.Context, task model.Task, res model.TaskResult) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (
			task_id, task_name, image, command, status, exit_code,
			error, log_key, worker, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.DisplayName(), task.Image, task.Command,
		string(res.Status), res.ExitCode, res.Error, res.LogKey,
		res.Worker, res.StartedAt.UTC(), res.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

const selectRuns = `
SELECT task_id, task_name, image, command, status, exit_code,
       error, log_key, worker, started_at, finished_at
FROM runs`

func scanEntry(scan func(dest ...any) error) (Entry, error) {
	var e Entry
	var status string
	err := scan(
		&e.TaskID, &e.TaskName, &e.Image, &e.Command, &status,
		&e.Result.ExitCode, &e.Result.Error, &e.Result.LogKey,
		&e.Result.Worker, &e.Result.StartedAt, &e.Result.FinishedAt,
	)
	e.Result.Status = model.Status(status)
	return e, err
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, selectRuns+" ORDER BY started_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Latest returns the most recent run of one task.
func (j *Journal) Latest(ctx context.Context, taskID string) (Entry, error) {
	row := j.db.QueryRowContext(ctx,
		selectRuns+" WHERE task_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1", taskID)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get run: %w", err)
	}
	return e, nil
}

// CountByStatus tallies recorded runs per terminal status.
func (j *Journal) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}
