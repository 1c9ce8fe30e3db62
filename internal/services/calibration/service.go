package calibration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// SourceClaimConfidence is the calibration source fed by claim adoption
// feedback
const SourceClaimConfidence = "claim_confidence"

// Service owns the calibration surface: per-source metrics, evaluation
// samples, version history and the rollback operation. History is
// append-only; rollback only moves the current pointer.
type Service struct {
	calibration interfaces.CalibrationStorage
	logger      arbor.ILogger
}

func NewService(calibration interfaces.CalibrationStorage, logger arbor.ILogger) *Service {
	return &Service{
		calibration: calibration,
		logger:      logger,
	}
}

// RollbackResult is the calibration_rollback response payload
type RollbackResult struct {
	Source          string  `json:"source"`
	RolledBackTo    int     `json:"rolled_back_to"`
	PreviousVersion int     `json:"previous_version"`
	BrierAfter      float64 `json:"brier_after"`
	Method          string  `json:"method"`
	Reason          string  `json:"reason,omitempty"`
}

// Metrics returns the per-source calibration summary
func (s *Service) Metrics(ctx context.Context) ([]*interfaces.CalibrationSourceStats, error) {
	stats, err := s.calibration.ListSourceStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration stats: %w", err)
	}
	return stats, nil
}

// Evaluations returns recent predicted-vs-observed samples, newest first.
// An empty source spans all sources, an empty taskID all tasks.
func (s *Service) Evaluations(ctx context.Context, source, taskID string, limit int) ([]*models.CalibrationEvaluation, error) {
	evals, err := s.calibration.ListEvaluations(ctx, source, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	return evals, nil
}

// History returns a source's version history, newest first
func (s *Service) History(ctx context.Context, source string) ([]*models.CalibrationVersion, error) {
	versions, err := s.calibration.ListVersions(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibration versions: %w", err)
	}
	return versions, nil
}

// Rollback moves the source's current pointer to an earlier version. With
// no explicit version it steps back exactly one. The target must exist in
// history; every failure mode is CALIBRATION_ERROR so callers can surface
// it directly.
func (s *Service) Rollback(ctx context.Context, source string, version *int, reason string) (*RollbackResult, error) {
	if strings.TrimSpace(source) == "" {
		return nil, models.InvalidParams("source is required")
	}

	current, err := s.calibration.CurrentVersion(ctx, source)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.CalibrationError("no calibration recorded for source %q", source)
		}
		return nil, fmt.Errorf("failed to load current version: %w", err)
	}

	var target int
	if version != nil {
		if *version < 1 {
			return nil, models.InvalidParams("version must be >= 1, got %d", *version)
		}
		target = *version
	} else {
		if current.Version <= 1 {
			return nil, models.CalibrationError("source %q is at version %d and has no earlier version to roll back to", source, current.Version)
		}
		target = current.Version - 1
	}

	targetVersion, err := s.calibration.GetVersion(ctx, source, target)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.CalibrationError("version %d is not in the calibration history of %q", target, source)
		}
		return nil, fmt.Errorf("failed to load version %d: %w", target, err)
	}

	if err := s.calibration.SetCurrentVersion(ctx, source, target); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.CalibrationError("version %d is not in the calibration history of %q", target, source)
		}
		return nil, fmt.Errorf("failed to move calibration pointer: %w", err)
	}

	s.logger.Info().
		Str("source", source).
		Int("rolled_back_to", target).
		Int("previous_version", current.Version).
		Str("reason", reason).
		Msg("Calibration rolled back")

	return &RollbackResult{
		Source:          source,
		RolledBackTo:    target,
		PreviousVersion: current.Version,
		BrierAfter:      targetVersion.BrierAfter,
		Method:          targetVersion.Method,
		Reason:          reason,
	}, nil
}

// RecordVersion appends the next version for a source and makes it current.
// Numbering continues from the top of history even when the pointer sits on
// an earlier version after a rollback.
func (s *Service) RecordVersion(ctx context.Context, source string, brierAfter float64, method, reason string) (*models.CalibrationVersion, error) {
	if strings.TrimSpace(source) == "" {
		return nil, models.InvalidParams("source is required")
	}

	next := 1
	versions, err := s.calibration.ListVersions(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibration versions: %w", err)
	}
	if len(versions) > 0 {
		next = versions[0].Version + 1
	}

	version := &models.CalibrationVersion{
		Source:     source,
		Version:    next,
		BrierAfter: brierAfter,
		Method:     method,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.calibration.InsertVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to insert calibration version: %w", err)
	}

	s.logger.Info().
		Str("source", source).
		Int("version", next).
		Str("method", method).
		Msg("Calibration version recorded")

	return version, nil
}

// RecordClaimOutcome ties a claim's predicted confidence to its observed
// adoption outcome. Samples feed future recalibration; duplicates from a
// flip-flopping claim are acceptable ground truth.
func (s *Service) RecordClaimOutcome(ctx context.Context, claim *models.Claim, outcome bool) error {
	eval := &models.CalibrationEvaluation{
		Source:    SourceClaimConfidence,
		TaskID:    claim.TaskID,
		ClaimID:   claim.ID,
		Predicted: claim.Confidence,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.calibration.InsertEvaluation(ctx, eval); err != nil {
		return fmt.Errorf("failed to record claim outcome: %w", err)
	}
	return nil
}
