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

// InterventionStorage persists the human-in-the-loop authentication queue
type InterventionStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewInterventionStorage creates a new intervention storage instance
func NewInterventionStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.InterventionStorage {
	return &InterventionStorage{
		db:     db,
		logger: logger,
	}
}

// InsertItem adds a pending intervention item
func (s *InterventionStorage) InsertItem(ctx context.Context, item *models.InterventionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO intervention_queue (queue_id, task_id, url, domain, auth_type, priority, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.QueueID,
		nullString(item.TaskID),
		item.URL,
		item.Domain,
		nullString(item.AuthType),
		item.Priority,
		string(item.Status),
		item.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert intervention item: %w", err)
	}

	s.logger.Debug().
		Str("queue_id", item.QueueID).
		Str("domain", item.Domain).
		Msg("Intervention item queued")
	return nil
}

// GetItem retrieves an item by queue ID
func (s *InterventionStorage) GetItem(ctx context.Context, queueID string) (*models.InterventionItem, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT queue_id, task_id, url, domain, auth_type, priority, status, success, created_at, resolved_at
		 FROM intervention_queue WHERE queue_id = ?`, queueID,
	)

	item, err := scanInterventionItem(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return item, err
}

// ListItems lists queue items matching the filter, oldest first
func (s *InterventionStorage) ListItems(ctx context.Context, filter interfaces.InterventionFilter) ([]*models.InterventionItem, error) {
	query := `SELECT queue_id, task_id, url, domain, auth_type, priority, status, success, created_at, resolved_at
	          FROM intervention_queue WHERE 1=1`
	args := []interface{}{}

	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, filter.Priority)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intervention items: %w", err)
	}
	defer rows.Close()

	var items []*models.InterventionItem
	for rows.Next() {
		item, err := scanInterventionItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountPending counts pending items, optionally scoped to one task
func (s *InterventionStorage) CountPending(ctx context.Context, taskID string) (int, error) {
	query := `SELECT COUNT(*) FROM intervention_queue WHERE status = 'pending'`
	args := []interface{}{}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}

	var count int
	err := s.db.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// ResolveItem marks one item resolved or skipped
func (s *InterventionStorage) ResolveItem(ctx context.Context, queueID string, status models.InterventionStatus, success *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.db.ExecContext(ctx,
		`UPDATE intervention_queue SET status = ?, success = ?, resolved_at = ? WHERE queue_id = ?`,
		string(status), nullBool(success), time.Now().Unix(), queueID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve intervention item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ResolveDomain marks every pending item for a domain, returning the count
func (s *InterventionStorage) ResolveDomain(ctx context.Context, domain string, status models.InterventionStatus, success *bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.db.ExecContext(ctx,
		`UPDATE intervention_queue SET status = ?, success = ?, resolved_at = ?
		 WHERE domain = ? AND status = 'pending'`,
		string(status), nullBool(success), time.Now().Unix(), domain,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve domain: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// PruneResolved removes non-pending items older than the cutoff
func (s *InterventionStorage) PruneResolved(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.db.ExecContext(ctx,
		`DELETE FROM intervention_queue
		 WHERE status != 'pending' AND resolved_at IS NOT NULL AND resolved_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune intervention queue: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func nullBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	v := int64(0)
	if *b {
		v = 1
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func scanInterventionItem(sc rowScanner) (*models.InterventionItem, error) {
	var (
		item              models.InterventionItem
		taskID, authType  sql.NullString
		status            string
		success, resolved sql.NullInt64
		createdAt         int64
	)

	err := sc.Scan(&item.QueueID, &taskID, &item.URL, &item.Domain, &authType,
		&item.Priority, &status, &success, &createdAt, &resolved)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan intervention item: %w", err)
	}

	if taskID.Valid {
		item.TaskID = taskID.String
	}
	if authType.Valid {
		item.AuthType = authType.String
	}
	item.Status = models.InterventionStatus(status)
	if success.Valid {
		v := success.Int64 != 0
		item.Success = &v
	}
	item.CreatedAt = unixToTime(createdAt)
	if resolved.Valid {
		t := unixToTime(resolved.Int64)
		item.ResolvedAt = &t
	}
	return &item, nil
}
