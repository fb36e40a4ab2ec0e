package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vdilab/vdilab/internal/models"
)

const taskColumns = `id, type, payload, idempotency_key, status, attempts, max_attempts, enqueued_at, visible_at, updated_at, last_error`

// ErrTaskExhausted is recorded on tasks whose lease expired on their final attempt.
var ErrTaskExhausted = errors.New("max attempts exceeded without settlement")

// EnqueueTask inserts a pending task that becomes visible at task.VisibleAt
// (or immediately when zero).
//
// When the task carries an idempotency key and a pending task with the same
// key already exists, the existing task is returned with created=false.
func (s *Store) EnqueueTask(ctx context.Context, task models.DirectoryTask) (models.DirectoryTask, bool, error) {
	if s == nil || s.DB == nil {
		return models.DirectoryTask{}, false, errors.New("db store is nil")
	}
	if strings.TrimSpace(string(task.Type)) == "" {
		return models.DirectoryTask{}, false, errors.New("task type is required")
	}
	if task.MaxAttempts <= 0 {
		return models.DirectoryTask{}, false, errors.New("task max attempts must be positive")
	}
	if task.IdempotencyKey != "" {
		existing, err := s.pendingTaskByKey(ctx, task.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return models.DirectoryTask{}, false, err
		}
	}
	if task.ID == "" {
		task.ID = NewID()
	}
	now := time.Now().UTC()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}
	if task.VisibleAt.IsZero() {
		task.VisibleAt = task.EnqueuedAt
	}
	task.UpdatedAt = now
	task.Status = models.TaskPending
	task.Attempts = 0
	payload := string(task.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID,
		string(task.Type),
		payload,
		nullIfEmpty(task.IdempotencyKey),
		string(task.Status),
		task.Attempts,
		task.MaxAttempts,
		formatTime(task.EnqueuedAt),
		formatTime(task.VisibleAt),
		formatTime(task.UpdatedAt),
		nil,
	)
	if err != nil {
		// A concurrent enqueue may have won the unique index on the key.
		if task.IdempotencyKey != "" {
			if existing, getErr := s.pendingTaskByKey(ctx, task.IdempotencyKey); getErr == nil {
				return existing, false, nil
			}
		}
		return models.DirectoryTask{}, false, fmt.Errorf("insert task %s: %w", task.Type, err)
	}
	task.Payload = []byte(payload)
	return task, true, nil
}

// ClaimTasks leases up to limit visible pending tasks until now+visibility.
//
// Each row is claimed with a conditional update so that a task is handed to
// exactly one caller per visibility window even with several pollers.
// Visible tasks that already used every attempt are marked dead instead.
func (s *Store) ClaimTasks(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]models.DirectoryTask, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if visibility <= 0 {
		return nil, errors.New("visibility timeout must be positive")
	}
	nowText := formatTime(now)
	// A lease that expired on its final attempt is never handed out again.
	if _, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
		WHERE status = ? AND visible_at <= ? AND attempts >= max_attempts`),
		string(models.TaskDead), ErrTaskExhausted.Error(), nowText, string(models.TaskPending), nowText); err != nil {
		return nil, fmt.Errorf("dead-letter exhausted tasks: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT id FROM tasks
		WHERE status = ? AND visible_at <= ? AND attempts < max_attempts ORDER BY visible_at ASC, id ASC LIMIT ?`),
		string(models.TaskPending), nowText, limit)
	if err != nil {
		return nil, fmt.Errorf("select visible tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate visible tasks: %w", err)
	}
	rows.Close()

	deadline := formatTime(now.Add(visibility))
	var claimed []models.DirectoryTask
	for _, id := range ids {
		res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE tasks SET attempts = attempts + 1, visible_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND visible_at <= ? AND attempts < max_attempts`),
			deadline, nowText, id, string(models.TaskPending), nowText)
		if err != nil {
			return claimed, fmt.Errorf("claim task %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("rows affected task %s: %w", id, err)
		}
		if affected == 0 {
			continue
		}
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, task)
	}
	return claimed, nil
}

// AckTask marks a pending task done. Acknowledging a task that is already
// done is not an error.
func (s *Store) AckTask(ctx context.Context, id string) error {
	return s.finishTask(ctx, id, models.TaskDone, "")
}

// DeadLetterTask marks a pending task dead with the failure reason.
func (s *Store) DeadLetterTask(ctx context.Context, id, reason string) error {
	return s.finishTask(ctx, id, models.TaskDead, reason)
}

func (s *Store) finishTask(ctx context.Context, id string, status models.TaskStatus, reason string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE tasks SET status = ?, last_error = COALESCE(?, last_error), updated_at = ?
		WHERE id = ? AND status = ?`),
		string(status), nullIfEmpty(reason), formatTime(time.Now()), id, string(models.TaskPending))
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected task %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ExtendTaskVisibility moves a pending task's visibility deadline.
func (s *Store) ExtendTaskVisibility(ctx context.Context, id string, until time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE tasks SET visible_at = ?, updated_at = ? WHERE id = ? AND status = ?`),
		formatTime(until), formatTime(time.Now()), id, string(models.TaskPending))
	if err != nil {
		return fmt.Errorf("extend task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected task %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("pending task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReleaseTask records a failed attempt and makes the task visible again at visibleAt.
func (s *Store) ReleaseTask(ctx context.Context, id string, visibleAt time.Time, lastErr string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, s.rebind(`UPDATE tasks SET visible_at = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`),
		formatTime(visibleAt), nullIfEmpty(lastErr), formatTime(time.Now()), id, string(models.TaskPending))
	if err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected task %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("pending task %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.DirectoryTask, error) {
	if s == nil || s.DB == nil {
		return models.DirectoryTask{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DirectoryTask{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// ListTasks returns tasks in the given status, oldest first. An empty status lists all tasks.
func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]models.DirectoryTask, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.DB.QueryContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks ORDER BY enqueued_at ASC, id ASC LIMIT ?`), limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY enqueued_at ASC, id ASC LIMIT ?`), string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.DirectoryTask
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// CountTasks returns the number of tasks per status.
func (s *Store) CountTasks(ctx context.Context) (map[models.TaskStatus]int, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[models.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}
	return out, nil
}

func (s *Store) pendingTaskByKey(ctx context.Context, key string) (models.DirectoryTask, error) {
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = ? AND status = ?`),
		key, string(models.TaskPending))
	task, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DirectoryTask{}, fmt.Errorf("task key %s: %w", key, ErrNotFound)
	}
	return task, err
}

func scanTaskRow(scanner interface{ Scan(dest ...any) error }) (models.DirectoryTask, error) {
	var task models.DirectoryTask
	var taskType, payload, status string
	var key, lastErr sql.NullString
	var enqueuedAt, visibleAt, updatedAt string
	if err := scanner.Scan(
		&task.ID,
		&taskType,
		&payload,
		&key,
		&status,
		&task.Attempts,
		&task.MaxAttempts,
		&enqueuedAt,
		&visibleAt,
		&updatedAt,
		&lastErr,
	); err != nil {
		return models.DirectoryTask{}, err
	}
	task.Type = models.TaskType(taskType)
	task.Payload = []byte(payload)
	task.IdempotencyKey = key.String
	task.Status = models.TaskStatus(status)
	task.LastError = lastErr.String
	var err error
	if task.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return models.DirectoryTask{}, fmt.Errorf("parse enqueued_at: %w", err)
	}
	if task.VisibleAt, err = parseTime(visibleAt); err != nil {
		return models.DirectoryTask{}, fmt.Errorf("parse visible_at: %w", err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.DirectoryTask{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return task, nil
}
