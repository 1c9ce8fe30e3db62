package sqlite

import (
	"database/sql"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
)

// Manager wires every relational store over one SQLite connection
type Manager struct {
	db           *SQLiteDB
	task         interfaces.TaskStorage
	job          interfaces.JobStorage
	evidence     interfaces.EvidenceStorage
	search       interfaces.SearchStorage
	calibration  interfaces.CalibrationStorage
	intervention interfaces.InterventionStorage
	rule         interfaces.RuleStorage
	logger       arbor.ILogger
}

// NewManager opens the database and builds the SQLite-backed stores
func NewManager(logger arbor.ILogger, config *common.SQLiteConfig) (*Manager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:           db,
		task:         NewTaskStorage(db, logger),
		job:          NewJobStorage(db, logger),
		evidence:     NewEvidenceStorage(db, logger),
		search:       NewSearchStorage(db, logger),
		calibration:  NewCalibrationStorage(db, logger),
		intervention: NewInterventionStorage(db, logger),
		rule:         NewRuleStorage(db, logger),
		logger:       logger,
	}, nil
}

// TaskStorage returns the task store
func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.task
}

// JobStorage returns the job queue store
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// EvidenceStorage returns the evidence store
func (m *Manager) EvidenceStorage() interfaces.EvidenceStorage {
	return m.evidence
}

// SearchStorage returns the search store
func (m *Manager) SearchStorage() interfaces.SearchStorage {
	return m.search
}

// CalibrationStorage returns the calibration store
func (m *Manager) CalibrationStorage() interfaces.CalibrationStorage {
	return m.calibration
}

// InterventionStorage returns the intervention queue store
func (m *Manager) InterventionStorage() interfaces.InterventionStorage {
	return m.intervention
}

// RuleStorage returns the domain rule store
func (m *Manager) RuleStorage() interfaces.RuleStorage {
	return m.rule
}

// DB returns the underlying database connection
func (m *Manager) DB() *sql.DB {
	if m.db != nil {
		return m.db.DB()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
