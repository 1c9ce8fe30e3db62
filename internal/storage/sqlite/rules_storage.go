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

// RuleStorage persists domain rules to SQLite
type RuleStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewRuleStorage creates a new SQLite rule storage
func NewRuleStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.RuleStorage {
	return &RuleStorage{
		db:     db,
		logger: logger,
	}
}

// UpsertRule inserts a rule or refreshes an existing pattern's type,
// source and reason. The pattern is the identity; inserted reports
// whether a new row was created.
func (s *RuleStorage) UpsertRule(ctx context.Context, rule *models.DomainRule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := false
	var id int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM domain_rules WHERE pattern = ?", rule.Pattern).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		result, insertErr := tx.ExecContext(ctx, `
			INSERT INTO domain_rules (pattern, rule_type, source, reason, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, rule.Pattern, string(rule.RuleType), nullString(rule.Source),
			nullString(rule.Reason), rule.CreatedAt.Unix())
		if insertErr != nil {
			return false, fmt.Errorf("failed to insert domain rule: %w", insertErr)
		}
		id, insertErr = result.LastInsertId()
		if insertErr != nil {
			return false, fmt.Errorf("failed to read inserted rule id: %w", insertErr)
		}
		inserted = true
	case err != nil:
		return false, fmt.Errorf("failed to look up domain rule: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE domain_rules SET rule_type = ?, source = ?, reason = ?
			WHERE id = ?
		`, string(rule.RuleType), nullString(rule.Source), nullString(rule.Reason), id)
		if err != nil {
			return false, fmt.Errorf("failed to update domain rule: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit rule upsert: %w", err)
	}
	rule.ID = id

	s.logger.Debug().
		Str("pattern", rule.Pattern).
		Bool("inserted", inserted).
		Msg("Domain rule upserted")

	return inserted, nil
}

// DeleteRule removes a rule by pattern, reporting whether a row went away
func (s *RuleStorage) DeleteRule(ctx context.Context, pattern string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.DB().ExecContext(ctx,
		"DELETE FROM domain_rules WHERE pattern = ?", pattern)
	if err != nil {
		return false, fmt.Errorf("failed to delete domain rule: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count deleted rules: %w", err)
	}
	return rows > 0, nil
}

// ListRules returns every rule ordered by pattern
func (s *RuleStorage) ListRules(ctx context.Context) ([]*models.DomainRule, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, pattern, rule_type, source, reason, created_at
		FROM domain_rules
		ORDER BY pattern ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domain rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.DomainRule
	for rows.Next() {
		rule, err := scanDomainRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListBlockedPatterns returns the patterns of every block rule
func (s *RuleStorage) ListBlockedPatterns(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT pattern FROM domain_rules
		WHERE rule_type = ?
		ORDER BY pattern ASC
	`, string(models.RuleTypeBlock))
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked patterns: %w", err)
	}
	defer rows.Close()

	var patterns []string
	for rows.Next() {
		var pattern string
		if err := rows.Scan(&pattern); err != nil {
			return nil, fmt.Errorf("failed to scan blocked pattern: %w", err)
		}
		patterns = append(patterns, pattern)
	}
	return patterns, rows.Err()
}

func scanDomainRule(sc rowScanner) (*models.DomainRule, error) {
	var (
		rule           models.DomainRule
		ruleType       string
		source, reason sql.NullString
		createdAt      int64
	)

	err := sc.Scan(&rule.ID, &rule.Pattern, &ruleType, &source, &reason, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan domain rule: %w", err)
	}

	rule.RuleType = models.DomainRuleType(ruleType)
	if source.Valid {
		rule.Source = source.String
	}
	if reason.Valid {
		rule.Reason = reason.String
	}
	rule.CreatedAt = unixToTime(createdAt)
	return &rule, nil
}
