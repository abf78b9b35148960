// ABOUTME: Background task persistence for SQLiteStore
// ABOUTME: Task rows track lifecycle status plus start/completion timestamps

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateTask inserts a new task record
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (
			id, agent_id, session_id, status, title, model,
			created_at, started_at, completed_at, error, work_dir
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		task.SessionID,
		string(task.Status),
		task.Title,
		task.Model,
		task.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		task.Error,
		task.WorkDir,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "agent_id", task.AgentID)
	return nil
}

const taskColumns = `
	id, agent_id, session_id, status, title, model,
	created_at, started_at, completed_at, error, work_dir
`

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var status, createdAtStr string
	var startedAtStr, completedAtStr sql.NullString

	err := row.Scan(
		&task.ID,
		&task.AgentID,
		&task.SessionID,
		&status,
		&task.Title,
		&task.Model,
		&createdAtStr,
		&startedAtStr,
		&completedAtStr,
		&task.Error,
		&task.WorkDir,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	task.Status = TaskStatus(status)
	if task.CreatedAt, err = parseTime(createdAtStr, "created_at"); err != nil {
		return nil, err
	}
	if startedAtStr.Valid {
		t, err := parseTime(startedAtStr.String, "started_at")
		if err != nil {
			return nil, err
		}
		task.StartedAt = &t
	}
	if completedAtStr.Valid {
		t, err := parseTime(completedAtStr.String, "completed_at")
		if err != nil {
			return nil, err
		}
		task.CompletedAt = &t
	}

	return &task, nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	return scanTask(s.db.QueryRowContext(ctx, query, id))
}

// UpdateTask persists the mutable fields of a task.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	query := `
		UPDATE tasks
		SET session_id = ?, status = ?, title = ?,
		    started_at = ?, completed_at = ?, error = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		task.SessionID,
		string(task.Status),
		task.Title,
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		task.Error,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListTasks returns tasks matching the filter, newest first
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// CountTasksByStatus returns the number of tasks in the given status
func (s *SQLiteStore) CountTasksByStatus(ctx context.Context, status TaskStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = ?`,
		string(status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	return count, nil
}

// DeleteTask removes a task record.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
