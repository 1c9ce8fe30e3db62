package storage

import (
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/storage/badger"
	"github.com/ternarybob/indago/internal/storage/sqlite"
)

// Manager composes the relational stores with the page-content store.
// SQLite holds everything queryable; Badger holds the large page bodies.
type Manager struct {
	relational *sqlite.Manager
	contentDB  *badger.BadgerDB
	content    interfaces.ContentStorage
	logger     arbor.ILogger
}

// NewStorageManager opens both databases and wires every store
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	relational, err := sqlite.NewManager(logger, &config.Storage.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to open relational store: %w", err)
	}

	contentDB, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		relational.Close()
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	return &Manager{
		relational: relational,
		contentDB:  contentDB,
		content:    badger.NewContentStorage(contentDB, logger),
		logger:     logger,
	}, nil
}

// TaskStorage returns the task store
func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.relational.TaskStorage()
}

// JobStorage returns the job queue store
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.relational.JobStorage()
}

// EvidenceStorage returns the evidence store
func (m *Manager) EvidenceStorage() interfaces.EvidenceStorage {
	return m.relational.EvidenceStorage()
}

// SearchStorage returns the search store
func (m *Manager) SearchStorage() interfaces.SearchStorage {
	return m.relational.SearchStorage()
}

// CalibrationStorage returns the calibration store
func (m *Manager) CalibrationStorage() interfaces.CalibrationStorage {
	return m.relational.CalibrationStorage()
}

// InterventionStorage returns the intervention queue store
func (m *Manager) InterventionStorage() interfaces.InterventionStorage {
	return m.relational.InterventionStorage()
}

// RuleStorage returns the domain rule store
func (m *Manager) RuleStorage() interfaces.RuleStorage {
	return m.relational.RuleStorage()
}

// ContentStorage returns the page-content store
func (m *Manager) ContentStorage() interfaces.ContentStorage {
	return m.content
}

// DB returns the relational database handle
func (m *Manager) DB() *sql.DB {
	return m.relational.DB()
}

// Close closes both databases
func (m *Manager) Close() error {
	var firstErr error
	if err := m.relational.Close(); err != nil {
		firstErr = err
	}
	if err := m.contentDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
