package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// SearchStorage persists sub-search progress for state rehydration
type SearchStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewSearchStorage creates a new search storage instance
func NewSearchStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.SearchStorage {
	return &SearchStorage{
		db:     db,
		logger: logger,
	}
}

// SaveSearch inserts or refreshes a sub-search row
func (s *SearchStorage) SaveSearch(ctx context.Context, search *models.Search) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	primarySource := 0
	if search.PrimarySource {
		primarySource = 1
	}

	query := `
		INSERT INTO searches (
			id, task_id, text, status, pages_fetched, fragments_kept,
			independent_sources, primary_source, satisfaction, harvest_rate,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			pages_fetched = excluded.pages_fetched,
			fragments_kept = excluded.fragments_kept,
			independent_sources = excluded.independent_sources,
			primary_source = excluded.primary_source,
			satisfaction = excluded.satisfaction,
			harvest_rate = excluded.harvest_rate,
			updated_at = excluded.updated_at
	`

	_, err := s.db.db.ExecContext(ctx, query,
		search.ID,
		search.TaskID,
		search.Text,
		string(search.Status),
		search.PagesFetched,
		search.FragmentsKept,
		search.IndependentSources,
		primarySource,
		search.Satisfaction,
		search.HarvestRate,
		search.CreatedAt.Unix(),
		search.UpdatedAt.Unix(),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("search_id", search.ID).Msg("Failed to save search")
		return fmt.Errorf("failed to save search: %w", err)
	}
	return nil
}

// GetSearch retrieves a sub-search by ID
func (s *SearchStorage) GetSearch(ctx context.Context, searchID string) (*models.Search, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT id, task_id, text, status, pages_fetched, fragments_kept,
		        independent_sources, primary_source, satisfaction, harvest_rate,
		        created_at, updated_at
		 FROM searches WHERE id = ?`, searchID,
	)

	search, err := scanSearch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return search, nil
}

// ListSearches lists a task's sub-searches in creation order
func (s *SearchStorage) ListSearches(ctx context.Context, taskID string) ([]*models.Search, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT id, task_id, text, status, pages_fetched, fragments_kept,
		        independent_sources, primary_source, satisfaction, harvest_rate,
		        created_at, updated_at
		 FROM searches WHERE task_id = ? ORDER BY created_at ASC, rowid ASC`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list searches: %w", err)
	}
	defer rows.Close()

	var searches []*models.Search
	for rows.Next() {
		search, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		searches = append(searches, search)
	}
	return searches, rows.Err()
}

func scanSearch(sc rowScanner) (*models.Search, error) {
	var (
		srch                 models.Search
		status               string
		primarySource        int
		createdAt, updatedAt int64
	)

	err := sc.Scan(
		&srch.ID, &srch.TaskID, &srch.Text, &status, &srch.PagesFetched, &srch.FragmentsKept,
		&srch.IndependentSources, &primarySource, &srch.Satisfaction, &srch.HarvestRate,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan search: %w", err)
	}

	srch.Status = models.SearchStatus(status)
	srch.PrimarySource = primarySource != 0
	srch.CreatedAt = unixToTime(createdAt)
	srch.UpdatedAt = unixToTime(updatedAt)
	return &srch, nil
}
