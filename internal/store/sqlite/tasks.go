package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flashclaw/flashclaw/internal/store"
)

func (s *Store) CreateTask(ctx context.Context, t store.Task) (store.Task, error) {
	if t.ContextMode == "" {
		t.ContextMode = store.ContextModeGroup
	}
	if t.TimeoutMs <= 0 {
		t.TimeoutMs = store.DefaultTaskTimeoutMs
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, chat_id, group_folder, description, schedule, schedule_kind,
			next_run_at, status, context_mode, timeout_ms, retry_count, max_retries, last_error, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChatID, t.GroupFolder, t.Description, t.Schedule, t.ScheduleKind,
		t.NextRunAt, t.Status, t.ContextMode, t.TimeoutMs, t.RetryCount, t.MaxRetries, t.LastError, t.LastRunAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return store.Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *Store) GetTaskByID(ctx context.Context, id string) (store.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, false, nil
	}
	if err != nil {
		return store.Task{}, false, fmt.Errorf("get task: %w", err)
	}
	return t, true, nil
}

func (s *Store) UpdateTask(ctx context.Context, t store.Task) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET chat_id=?, group_folder=?, description=?, schedule=?, schedule_kind=?,
			next_run_at=?, status=?, context_mode=?, timeout_ms=?, retry_count=?, max_retries=?, last_error=?, last_run_at=?, updated_at=?
		WHERE id=?`,
		t.ChatID, t.GroupFolder, t.Description, t.Schedule, t.ScheduleKind,
		t.NextRunAt, t.Status, t.ContextMode, t.TimeoutMs, t.RetryCount, t.MaxRetries, t.LastError, t.LastRunAt, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTaskAfterRun(ctx context.Context, id string, run store.TaskRun, nextRunAt int64, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update task after run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status=?, next_run_at=?, last_run_at=?, retry_count=0, last_error=?, updated_at=?
		WHERE id=?`, status, nextRunAt, run.FinishedAt, run.Error, run.FinishedAt, id); err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, started_at, finished_at, success, error) VALUES (?, ?, ?, ?, ?)`,
		id, run.StartedAt, run.FinishedAt, boolToInt(run.Success), run.Error); err != nil {
		return fmt.Errorf("log task run: %w", err)
	}
	return tx.Commit()
}

func (s *Store) UpdateTaskRetry(ctx context.Context, id string, retryCount int, lastError string, nextRunAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET retry_count=?, last_error=?, next_run_at=?, status=?, updated_at=?
		WHERE id=?`, retryCount, lastError, nextRunAt, store.TaskStatusPending, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("update task retry: %w", err)
	}
	return nil
}

func (s *Store) ResetTaskRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET retry_count=0, last_error='' WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("reset task retry: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *Store) LogTaskRun(ctx context.Context, run store.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, started_at, finished_at, success, error) VALUES (?, ?, ?, ?, ?)`,
		run.TaskID, run.StartedAt, run.FinishedAt, boolToInt(run.Success), run.Error)
	if err != nil {
		return fmt.Errorf("log task run: %w", err)
	}
	return nil
}

func (s *Store) GetAllTasks(ctx context.Context) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` ORDER BY next_run_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("get all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) GetDueTasks(ctx context.Context, asOf int64) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = ? AND next_run_at <= ? ORDER BY next_run_at ASC`, store.TaskStatusPending, asOf)
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) GetNextWakeTime(ctx context.Context) (int64, bool, error) {
	var wake sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_run_at) FROM tasks WHERE status = ?`, store.TaskStatusPending).Scan(&wake)
	if err != nil {
		return 0, false, fmt.Errorf("get next wake time: %w", err)
	}
	if !wake.Valid {
		return 0, false, nil
	}
	return wake.Int64, true, nil
}

const taskSelect = `
	SELECT id, chat_id, group_folder, description, schedule, schedule_kind,
		next_run_at, status, context_mode, timeout_ms, retry_count, max_retries, last_error, last_run_at, created_at, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (store.Task, error) {
	var t store.Task
	err := row.Scan(&t.ID, &t.ChatID, &t.GroupFolder, &t.Description, &t.Schedule, &t.ScheduleKind,
		&t.NextRunAt, &t.Status, &t.ContextMode, &t.TimeoutMs, &t.RetryCount, &t.MaxRetries, &t.LastError, &t.LastRunAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func scanTasks(rows *sql.Rows) ([]store.Task, error) {
	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
