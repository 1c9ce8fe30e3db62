package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// SeedFile is the on-disk format of one rule seed file
type SeedFile struct {
	Rules []SeedRule `yaml:"rules"`
}

// SeedRule is a single seed entry. Type defaults to "block", the only
// rule type persisted today.
type SeedRule struct {
	Pattern string `yaml:"pattern"`
	Type    string `yaml:"type"`
	Reason  string `yaml:"reason"`
}

// Loader merges YAML seed files into the persisted domain-rule set at
// startup
type Loader struct {
	rules  interfaces.RuleStorage
	config *common.RulesConfig
	logger arbor.ILogger
}

// NewLoader creates a seed loader over the rule storage
func NewLoader(rules interfaces.RuleStorage, config *common.RulesConfig, logger arbor.ILogger) *Loader {
	return &Loader{
		rules:  rules,
		config: config,
		logger: logger,
	}
}

// LoadSeedRules reads every .yaml/.yml file under the configured
// directory and upserts its block rules with source "seed". A pattern
// the user already blocked keeps its user rule untouched. The directory
// is optional; a missing or unset one is not an error.
func (l *Loader) LoadSeedRules(ctx context.Context) error {
	dir := l.config.Dir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		l.logger.Debug().Str("path", dir).Msg("Rules directory not found, skipping seed loading")
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read rules directory: %w", err)
	}

	userPatterns, err := l.userPatterns(ctx)
	if err != nil {
		return err
	}

	loaded := 0
	skipped := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		seed, err := l.loadSeedFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			l.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to load rule seed file")
			skipped++
			continue
		}

		for _, raw := range seed.Rules {
			rule, ok := l.screen(entry.Name(), raw)
			if !ok {
				skipped++
				continue
			}
			if userPatterns[rule.Pattern] {
				l.logger.Debug().
					Str("pattern", rule.Pattern).
					Msg("User rule takes precedence over seed")
				skipped++
				continue
			}
			if _, err := l.rules.UpsertRule(ctx, rule); err != nil {
				l.logger.Warn().Err(err).Str("pattern", rule.Pattern).Msg("Failed to save seed rule")
				skipped++
				continue
			}
			loaded++
		}
	}

	l.logger.Info().
		Str("path", dir).
		Int("loaded", loaded).
		Int("skipped", skipped).
		Msg("Finished loading rule seeds")
	return nil
}

// screen validates one seed entry; offenders are logged and dropped
func (l *Loader) screen(file string, raw SeedRule) (*models.DomainRule, bool) {
	pattern := strings.TrimSpace(raw.Pattern)
	if pattern == "" {
		l.logger.Warn().Str("file", file).Msg("Seed rule has no pattern")
		return nil, false
	}
	if models.IsForbiddenPattern(pattern) {
		l.logger.Warn().
			Str("file", file).
			Str("pattern", pattern).
			Msg("Seed rule pattern is too broad to block")
		return nil, false
	}
	rest := strings.TrimPrefix(pattern, "*.")
	if rest == "" || strings.Contains(rest, "*") {
		l.logger.Warn().
			Str("file", file).
			Str("pattern", pattern).
			Msg("Seed rule wildcards must be a leading *. prefix")
		return nil, false
	}

	ruleType := strings.TrimSpace(raw.Type)
	if ruleType == "" {
		ruleType = string(models.RuleTypeBlock)
	}
	if ruleType != string(models.RuleTypeBlock) {
		l.logger.Warn().
			Str("file", file).
			Str("pattern", pattern).
			Str("rule_type", ruleType).
			Msg("Unsupported seed rule type")
		return nil, false
	}

	return &models.DomainRule{
		Pattern:  pattern,
		RuleType: models.RuleTypeBlock,
		Source:   models.RuleSourceSeed,
		Reason:   strings.TrimSpace(raw.Reason),
	}, true
}

func (l *Loader) loadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &seed, nil
}

// userPatterns returns the patterns the user created directly, which
// seed files must never overwrite
func (l *Loader) userPatterns(ctx context.Context) (map[string]bool, error) {
	existing, err := l.rules.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing rules: %w", err)
	}

	patterns := make(map[string]bool, len(existing))
	for _, rule := range existing {
		if rule.Source == models.RuleSourceUser {
			patterns[rule.Pattern] = true
		}
	}
	return patterns, nil
}
