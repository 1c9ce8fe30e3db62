package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// unixToTime converts Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0).UTC()
}

// TaskStorage implements SQLite persistence for research tasks
type TaskStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewTaskStorage creates a new task storage instance
func NewTaskStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

// CreateTask inserts a new task row
func (s *TaskStorage) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO tasks (id, query, status, budget_pages, max_seconds, stop_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.db.ExecContext(ctx, query,
		task.ID,
		task.Query,
		string(task.Status),
		task.Budget.Pages,
		task.Budget.MaxSeconds,
		task.StopReason,
		task.CreatedAt.Unix(),
		task.UpdatedAt.Unix(),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to create task")
		return fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Debug().Str("task_id", task.ID).Str("status", string(task.Status)).Msg("Task created")
	return nil
}

// GetTask retrieves a task by ID
func (s *TaskStorage) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	query := `
		SELECT id, query, status, budget_pages, max_seconds, stop_reason, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`

	row := s.db.db.QueryRowContext(ctx, query, taskID)
	return scanTask(row)
}

// ListTasks lists tasks newest first
func (s *TaskStorage) ListTasks(ctx context.Context, limit, offset int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, query, status, budget_pages, max_seconds, stop_reason, created_at, updated_at
		FROM tasks
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus applies a status transition, enforcing the state
// machine against the currently committed row.
func (s *TaskStorage) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to read task status: %w", err)
	}

	if !models.TaskStatus(current).CanTransitionTo(status) {
		return fmt.Errorf("illegal task transition %s -> %s", current, status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), time.Now().Unix(), taskID, current,
	)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task status: %w", err)
	}

	s.logger.Debug().
		Str("task_id", taskID).
		Str("from", current).
		Str("to", string(status)).
		Msg("Task status updated")
	return nil
}

// SetTaskStopped records a terminal status with the stop reason. Already
// terminal tasks are left untouched, which keeps stop_task idempotent.
func (s *TaskStorage) SetTaskStopped(ctx context.Context, taskID string, status models.TaskStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !status.IsTerminal() {
		return fmt.Errorf("stop requires a terminal status, got %s", status)
	}

	res, err := s.db.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, stop_reason = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		string(status), reason, time.Now().Unix(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to stop task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Either missing or already terminal; only the former is an error
		var one int
		err := s.db.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&one)
		if err == sql.ErrNoRows {
			return models.ErrNotFound
		}
		return err
	}

	s.logger.Info().
		Str("task_id", taskID).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("Task stopped")
	return nil
}

// CountTasks returns total task count
func (s *TaskStorage) CountTasks(ctx context.Context) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count)
	return count, err
}

func scanTask(row *sql.Row) (*models.Task, error) {
	var (
		id, query, status    string
		budgetPages, maxSecs int
		stopReason           sql.NullString
		createdAt, updatedAt int64
	)

	err := row.Scan(&id, &query, &status, &budgetPages, &maxSecs, &stopReason, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task := &models.Task{
		ID:     id,
		Query:  query,
		Status: models.TaskStatus(status),
		Budget: models.Budget{
			Pages:      budgetPages,
			MaxSeconds: maxSecs,
		},
		CreatedAt: unixToTime(createdAt),
		UpdatedAt: unixToTime(updatedAt),
	}
	if stopReason.Valid {
		task.StopReason = stopReason.String
	}
	return task, nil
}

func scanTaskRow(rows *sql.Rows) (*models.Task, error) {
	var (
		id, query, status    string
		budgetPages, maxSecs int
		stopReason           sql.NullString
		createdAt, updatedAt int64
	)

	err := rows.Scan(&id, &query, &status, &budgetPages, &maxSecs, &stopReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task := &models.Task{
		ID:     id,
		Query:  query,
		Status: models.TaskStatus(status),
		Budget: models.Budget{
			Pages:      budgetPages,
			MaxSeconds: maxSecs,
		},
		CreatedAt: unixToTime(createdAt),
		UpdatedAt: unixToTime(updatedAt),
	}
	if stopReason.Valid {
		task.StopReason = stopReason.String
	}
	return task, nil
}
