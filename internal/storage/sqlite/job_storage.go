package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// nanoToTime converts a nanosecond Unix timestamp to time.Time
func nanoToTime(nano int64) time.Time {
	return time.Unix(0, nano).UTC()
}

const jobColumns = `id, task_id, kind, priority, slot, state, dedup_key, input_json,
       result_json, error_code, error, cancel_requested, queued_at, started_at, finished_at`

// JobStorage implements the transactional queue over the jobs table
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// EnqueueJobs inserts jobs with per-key dedup in a single transaction.
// When at least one row lands and the task sits in created or paused,
// the same commit moves it to exploring, so a resume is never observable
// without its jobs.
func (s *JobStorage) EnqueueJobs(ctx context.Context, task *models.Task, jobs []*models.Job) (*interfaces.EnqueueOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	outcome := &interfaces.EnqueueOutcome{}

	for _, job := range jobs {
		var active int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE dedup_key = ? AND state IN ('queued', 'running')`,
			job.DedupKey,
		).Scan(&active)
		if err != nil {
			return nil, fmt.Errorf("failed to check duplicate: %w", err)
		}
		if active > 0 {
			outcome.SkippedKeys = append(outcome.SkippedKeys, job.DedupKey)
			continue
		}

		inputJSON, err := json.Marshal(job.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize job input: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, task_id, kind, priority, slot, state, dedup_key, input_json, cancel_requested, queued_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			job.ID,
			job.TaskID,
			job.Kind,
			job.Priority,
			job.Slot,
			string(models.JobStateQueued),
			job.DedupKey,
			string(inputJSON),
			job.QueuedAt.UnixNano(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert job: %w", err)
		}
		outcome.QueuedIDs = append(outcome.QueuedIDs, job.ID)
	}

	if len(outcome.QueuedIDs) > 0 {
		now := time.Now().Unix()

		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(models.TaskStatusExploring), now, task.ID, string(models.TaskStatusPaused),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to resume task: %w", err)
		}
		resumed, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if resumed > 0 {
			outcome.TaskResumed = true
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				string(models.TaskStatusExploring), now, task.ID, string(models.TaskStatusCreated),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to start task: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	s.logger.Debug().
		Str("task_id", task.ID).
		Int("queued", len(outcome.QueuedIDs)).
		Int("skipped", len(outcome.SkippedKeys)).
		Bool("resumed", outcome.TaskResumed).
		Msg("Jobs enqueued")
	return outcome, nil
}

// ClaimNext atomically moves the best queued job for the slot to running.
// Ordering is priority, then queued_at, then insert order.
func (s *JobStorage) ClaimNext(ctx context.Context, slot string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE jobs
		SET state = 'running', started_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE slot = ? AND state = 'queued'
			ORDER BY priority ASC, queued_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING ` + jobColumns

	row := s.db.db.QueryRowContext(ctx, query, time.Now().UnixNano(), slot)
	job, err := scanJob(row)
	if err != nil {
		if err == models.ErrNotFound {
			return nil, models.ErrNoJob
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// CompleteJob finishes a running job with its result payload
func (s *JobStorage) CompleteJob(ctx context.Context, jobID string, resultJSON string) error {
	return s.finishJob(ctx, jobID, models.JobStateCompleted, resultJSON, "", "")
}

// FailJob finishes a running job with an error code and message
func (s *JobStorage) FailJob(ctx context.Context, jobID string, errorCode, errorMsg string) error {
	return s.finishJob(ctx, jobID, models.JobStateFailed, "", errorCode, errorMsg)
}

// CancelRunning transitions one running job to cancelled. Called by the
// worker once it has observed the cancellation signal.
func (s *JobStorage) CancelRunning(ctx context.Context, jobID string) error {
	return s.finishJob(ctx, jobID, models.JobStateCancelled, "", "", "")
}

func (s *JobStorage) finishJob(ctx context.Context, jobID string, state models.JobState, resultJSON, errorCode, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result, code, msg sql.NullString
	if resultJSON != "" {
		result = sql.NullString{String: resultJSON, Valid: true}
	}
	if errorCode != "" {
		code = sql.NullString{String: errorCode, Valid: true}
	}
	if errorMsg != "" {
		msg = sql.NullString{String: errorMsg, Valid: true}
	}

	res, err := s.db.db.ExecContext(ctx,
		`UPDATE jobs
		 SET state = ?, result_json = ?, error_code = ?, error = ?, finished_at = ?
		 WHERE id = ? AND state = 'running'`,
		string(state), result, code, msg, time.Now().UnixNano(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s is not running", jobID)
	}

	s.logger.Debug().Str("job_id", jobID).Str("state", string(state)).Msg("Job finished")
	return nil
}

// CancelQueued cancels every queued job for the task, returning the count
func (s *JobStorage) CancelQueued(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'cancelled', finished_at = ? WHERE task_id = ? AND state = 'queued'`,
		time.Now().UnixNano(), taskID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queued jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// RequestCancelRunning flags running jobs so workers observe the
// cancellation at their next checkpoint
func (s *JobStorage) RequestCancelRunning(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1 WHERE task_id = ? AND state = 'running'`,
		taskID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to request cancellation: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// IsCancelRequested reports whether the job carries the cancel flag
func (s *JobStorage) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flagged int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, jobID,
	).Scan(&flagged)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, models.ErrNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flagged != 0, nil
}

// GetJob retrieves a job by ID
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	row := s.db.db.QueryRowContext(ctx, query, jobID)
	return scanJob(row)
}

// ListJobs lists a task's jobs in dispatch order, optionally filtered by state
func (s *JobStorage) ListJobs(ctx context.Context, taskID string, states ...models.JobState) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE task_id = ?`
	args := []interface{}{taskID}

	if len(states) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
		query += fmt.Sprintf(" AND state IN (%s)", placeholders)
		for _, state := range states {
			args = append(args, string(state))
		}
	}
	query += ` ORDER BY priority ASC, queued_at ASC, rowid ASC`

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobsByState returns per-state counts for a task
func (s *JobStorage) CountJobsByState(ctx context.Context, taskID string) (map[models.JobState]int, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs WHERE task_id = ? GROUP BY state`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[models.JobState(state)] = count
	}
	return counts, rows.Err()
}

// CountRunning returns the number of running jobs for a task
func (s *JobStorage) CountRunning(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE task_id = ? AND state = 'running'`, taskID,
	).Scan(&count)
	return count, err
}

// HasActiveDuplicate reports whether a queued-or-running job holds the key
func (s *JobStorage) HasActiveDuplicate(ctx context.Context, dedupKey string) (bool, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE dedup_key = ? AND state IN ('queued', 'running')`, dedupKey,
	).Scan(&count)
	return count > 0, err
}

// FailStaleRunning fails running jobs whose worker stopped reporting.
// Used by the maintenance scheduler after crashes.
func (s *JobStorage) FailStaleRunning(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE jobs
		 SET state = 'failed', error_code = ?, error = 'worker did not finish the job', finished_at = ?
		 WHERE state = 'running' AND started_at < ?`,
		string(models.ErrTimeout), time.Now().UnixNano(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if affected > 0 {
		s.logger.Warn().Int64("count", affected).Msg("Failed stale running jobs")
	}
	return int(affected), err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row *sql.Row) (*models.Job, error) {
	job, err := scanJobFrom(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return job, err
}

func scanJobRow(rows *sql.Rows) (*models.Job, error) {
	return scanJobFrom(rows)
}

func scanJobFrom(sc rowScanner) (*models.Job, error) {
	var (
		id, taskID, kind, slot, state, dedupKey, inputJSON string
		priority, cancelRequested                          int
		resultJSON, errorCode, errorMsg                    sql.NullString
		queuedAt                                           int64
		startedAt, finishedAt                              sql.NullInt64
	)

	err := sc.Scan(
		&id, &taskID, &kind, &priority, &slot, &state, &dedupKey, &inputJSON,
		&resultJSON, &errorCode, &errorMsg, &cancelRequested, &queuedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	var input models.JobInput
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return nil, fmt.Errorf("failed to deserialize job input: %w", err)
	}

	job := &models.Job{
		ID:              id,
		TaskID:          taskID,
		Kind:            kind,
		Priority:        priority,
		Slot:            slot,
		State:           models.JobState(state),
		DedupKey:        dedupKey,
		Input:           input,
		CancelRequested: cancelRequested != 0,
		QueuedAt:        nanoToTime(queuedAt),
	}
	if resultJSON.Valid {
		job.Result = resultJSON.String
	}
	if errorCode.Valid {
		job.ErrorCode = errorCode.String
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	if startedAt.Valid {
		t := nanoToTime(startedAt.Int64)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := nanoToTime(finishedAt.Int64)
		job.FinishedAt = &t
	}
	return job, nil
}
