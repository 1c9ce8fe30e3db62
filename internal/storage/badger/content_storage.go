package badger

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ContentStorage keeps fetched page bodies in Badger. Bodies run to
// hundreds of kilobytes each, so they live outside the relational store
// and are looked up by page ID only.
type ContentStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewContentStorage creates a new ContentStorage instance
func NewContentStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ContentStorage {
	return &ContentStorage{
		db:     db,
		logger: logger,
	}
}

// SaveContent upserts a page body keyed by page ID
func (s *ContentStorage) SaveContent(content *models.PageContent) error {
	if content.PageID == "" {
		return fmt.Errorf("page ID is required")
	}
	if content.FetchedAt.IsZero() {
		content.FetchedAt = time.Now().UTC()
	}

	if err := s.db.Store().Upsert(content.PageID, content); err != nil {
		return fmt.Errorf("failed to save page content: %w", err)
	}
	return nil
}

// GetContent returns the stored body for a page
func (s *ContentStorage) GetContent(pageID string) (*models.PageContent, error) {
	var content models.PageContent
	if err := s.db.Store().Get(pageID, &content); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}
	return &content, nil
}

// DeleteContentForTask removes every stored body belonging to a task
func (s *ContentStorage) DeleteContentForTask(taskID string) error {
	err := s.db.Store().DeleteMatching(&models.PageContent{},
		badgerhold.Where("TaskID").Eq(taskID))
	if err != nil {
		return fmt.Errorf("failed to delete page content for task: %w", err)
	}

	s.logger.Debug().Str("task_id", taskID).Msg("Page content deleted for task")
	return nil
}
