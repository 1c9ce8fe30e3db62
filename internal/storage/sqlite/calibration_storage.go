package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// CalibrationStorage persists per-source calibration versions and the
// evaluation samples behind their Brier scores
type CalibrationStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewCalibrationStorage creates a new calibration storage instance
func NewCalibrationStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.CalibrationStorage {
	return &CalibrationStorage{
		db:     db,
		logger: logger,
	}
}

// InsertVersion appends a version and moves the current pointer to it in
// one transaction
func (s *CalibrationStorage) InsertVersion(ctx context.Context, version *models.CalibrationVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE calibration_versions SET is_current = 0 WHERE source = ?`, version.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to clear current pointer: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO calibration_versions (source, version, brier_after, method, is_current, reason, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		version.Source,
		version.Version,
		version.BrierAfter,
		version.Method,
		nullString(version.Reason),
		version.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert calibration version: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		version.ID = id
	}
	version.IsCurrent = true

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit calibration version: %w", err)
	}

	s.logger.Debug().
		Str("source", version.Source).
		Int("version", version.Version).
		Msg("Calibration version inserted")
	return nil
}

// SetCurrentVersion swaps the current pointer to an existing version
func (s *CalibrationStorage) SetCurrentVersion(ctx context.Context, source string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE calibration_versions SET is_current = 1 WHERE source = ? AND version = ?`,
		source, version,
	)
	if err != nil {
		return fmt.Errorf("failed to set current version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE calibration_versions SET is_current = 0 WHERE source = ? AND version != ?`,
		source, version,
	)
	if err != nil {
		return fmt.Errorf("failed to clear previous pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pointer swap: %w", err)
	}

	s.logger.Info().
		Str("source", source).
		Int("version", version).
		Msg("Calibration pointer moved")
	return nil
}

// CurrentVersion returns the version the pointer sits on
func (s *CalibrationStorage) CurrentVersion(ctx context.Context, source string) (*models.CalibrationVersion, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT id, source, version, brier_after, method, is_current, reason, created_at
		 FROM calibration_versions WHERE source = ? AND is_current = 1`, source,
	)
	return scanCalibrationVersion(row)
}

// GetVersion returns one specific version from a source's history
func (s *CalibrationStorage) GetVersion(ctx context.Context, source string, version int) (*models.CalibrationVersion, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT id, source, version, brier_after, method, is_current, reason, created_at
		 FROM calibration_versions WHERE source = ? AND version = ?`, source, version,
	)
	return scanCalibrationVersion(row)
}

// ListVersions returns a source's history, newest version first
func (s *CalibrationStorage) ListVersions(ctx context.Context, source string) ([]*models.CalibrationVersion, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT id, source, version, brier_after, method, is_current, reason, created_at
		 FROM calibration_versions WHERE source = ? ORDER BY version DESC`, source,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibration versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.CalibrationVersion
	for rows.Next() {
		v, err := scanCalibrationVersionRow(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListSourceStats summarises every source's calibration state
func (s *CalibrationStorage) ListSourceStats(ctx context.Context) ([]*interfaces.CalibrationSourceStats, error) {
	query := `
		SELECT v.source, v.version, v.brier_after, COALESCE(v.method, ''),
		       (SELECT COUNT(*) FROM calibration_versions h WHERE h.source = v.source),
		       (SELECT COUNT(*) FROM calibration_evaluations e WHERE e.source = v.source),
		       (SELECT COALESCE(AVG((e.predicted - e.outcome) * (e.predicted - e.outcome)), 0)
		        FROM calibration_evaluations e WHERE e.source = v.source)
		FROM calibration_versions v
		WHERE v.is_current = 1
		ORDER BY v.source ASC
	`

	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list source stats: %w", err)
	}
	defer rows.Close()

	var stats []*interfaces.CalibrationSourceStats
	for rows.Next() {
		var st interfaces.CalibrationSourceStats
		if err := rows.Scan(&st.Source, &st.CurrentVersion, &st.BrierAfter, &st.Method,
			&st.VersionCount, &st.EvaluationCount, &st.MeanBrier); err != nil {
			return nil, fmt.Errorf("failed to scan source stats: %w", err)
		}
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}

// InsertEvaluation appends a predicted-vs-observed sample
func (s *CalibrationStorage) InsertEvaluation(ctx context.Context, eval *models.CalibrationEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := 0
	if eval.Outcome {
		outcome = 1
	}

	res, err := s.db.db.ExecContext(ctx,
		`INSERT INTO calibration_evaluations (source, task_id, claim_id, predicted, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		eval.Source,
		nullString(eval.TaskID),
		nullString(eval.ClaimID),
		eval.Predicted,
		outcome,
		eval.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		eval.ID = id
	}
	return nil
}

// ListEvaluations lists samples newest first, optionally narrowed to one
// source and one task. Both filters apply before the limit, so the limit
// always bounds the filtered result.
func (s *CalibrationStorage) ListEvaluations(ctx context.Context, source, taskID string, limit int) ([]*models.CalibrationEvaluation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, source, task_id, claim_id, predicted, outcome, created_at
	          FROM calibration_evaluations`
	var where []string
	args := []interface{}{}
	if source != "" {
		where = append(where, `source = ?`)
		args = append(args, source)
	}
	if taskID != "" {
		where = append(where, `task_id = ?`)
		args = append(args, taskID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []*models.CalibrationEvaluation
	for rows.Next() {
		var e models.CalibrationEvaluation
		var taskID, claimID sql.NullString
		var outcome int
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Source, &taskID, &claimID, &e.Predicted, &outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		if taskID.Valid {
			e.TaskID = taskID.String
		}
		if claimID.Valid {
			e.ClaimID = claimID.String
		}
		e.Outcome = outcome != 0
		e.CreatedAt = unixToTime(createdAt)
		evals = append(evals, &e)
	}
	return evals, rows.Err()
}

// PruneEvaluations removes samples older than the cutoff
func (s *CalibrationStorage) PruneEvaluations(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.db.ExecContext(ctx,
		`DELETE FROM calibration_evaluations WHERE created_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune evaluations: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func scanCalibrationVersion(row *sql.Row) (*models.CalibrationVersion, error) {
	v, err := scanCalibrationVersionFrom(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return v, err
}

func scanCalibrationVersionRow(rows *sql.Rows) (*models.CalibrationVersion, error) {
	return scanCalibrationVersionFrom(rows)
}

func scanCalibrationVersionFrom(sc rowScanner) (*models.CalibrationVersion, error) {
	var v models.CalibrationVersion
	var method, reason sql.NullString
	var isCurrent int
	var createdAt int64

	err := sc.Scan(&v.ID, &v.Source, &v.Version, &v.BrierAfter, &method, &isCurrent, &reason, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan calibration version: %w", err)
	}
	if method.Valid {
		v.Method = method.String
	}
	v.IsCurrent = isCurrent != 0
	if reason.Valid {
		v.Reason = reason.String
	}
	v.CreatedAt = unixToTime(createdAt)
	return &v, nil
}
