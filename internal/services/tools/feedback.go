package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/services/calibration"
)

// FeedbackHandler applies user corrections: domain blocks, claim
// adoption flips and edge relabels. Corrections that carry training
// signal are forwarded to the calibration service.
type FeedbackHandler struct {
	rules       interfaces.RuleStorage
	evidence    interfaces.EvidenceStorage
	calibration *calibration.Service
	events      interfaces.EventService
	notifier    interfaces.ChangeNotifier
	logger      arbor.ILogger
}

func NewFeedbackHandler(rules interfaces.RuleStorage, evidence interfaces.EvidenceStorage, calibrationSvc *calibration.Service, events interfaces.EventService, notifier interfaces.ChangeNotifier, logger arbor.ILogger) *FeedbackHandler {
	return &FeedbackHandler{
		rules:       rules,
		evidence:    evidence,
		calibration: calibrationSvc,
		events:      events,
		notifier:    notifier,
		logger:      logger,
	}
}

type feedbackRequest struct {
	Action   string `json:"action"`
	Pattern  string `json:"pattern"`
	ClaimID  string `json:"claim_id"`
	EdgeID   string `json:"edge_id"`
	Relation string `json:"relation"`
	TaskID   string `json:"task_id"`
	Reason   string `json:"reason"`
}

func (h *FeedbackHandler) Handle(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req feedbackRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	switch req.Action {
	case "domain_block":
		return h.domainBlock(ctx, &req)
	case "domain_unblock", "domain_clear_override":
		return h.domainUnblock(ctx, &req)
	case "claim_reject":
		return h.setClaimAdoption(ctx, &req, models.AdoptionNotAdopted)
	case "claim_restore":
		return h.setClaimAdoption(ctx, &req, models.AdoptionAdopted)
	case "edge_correct":
		return h.edgeCorrect(ctx, &req)
	default:
		return nil, models.InvalidParams("unknown feedback action %q", req.Action).
			WithDetails(map[string]interface{}{
				"valid_actions": []string{
					"domain_block", "domain_unblock", "domain_clear_override",
					"claim_reject", "claim_restore", "edge_correct",
				},
			})
	}
}

func (h *FeedbackHandler) domainBlock(ctx context.Context, req *feedbackRequest) (map[string]interface{}, error) {
	pattern, err := validatePattern(req.Pattern)
	if err != nil {
		return nil, err
	}

	inserted, err := h.rules.UpsertRule(ctx, &models.DomainRule{
		Pattern:  pattern,
		RuleType: models.RuleTypeBlock,
		Source:   models.RuleSourceUser,
		Reason:   req.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store domain rule: %w", err)
	}

	h.logger.Info().Str("pattern", pattern).Bool("inserted", inserted).Msg("Domain blocked")
	h.publish(ctx, interfaces.EventDomainBlocked, req.TaskID, map[string]interface{}{
		"pattern": pattern,
		"reason":  req.Reason,
	})
	if inserted {
		// blocked_domains is visible to every task's status
		h.notifier.NotifyAll()
	}

	return map[string]interface{}{
		"action":  req.Action,
		"pattern": pattern,
		"changed": inserted,
	}, nil
}

func (h *FeedbackHandler) domainUnblock(ctx context.Context, req *feedbackRequest) (map[string]interface{}, error) {
	pattern := strings.TrimSpace(req.Pattern)
	if pattern == "" {
		return nil, models.InvalidParams("pattern is required for %s", req.Action)
	}

	deleted, err := h.rules.DeleteRule(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to delete domain rule: %w", err)
	}

	if deleted {
		h.logger.Info().Str("pattern", pattern).Str("action", req.Action).Msg("Domain rule removed")
		h.notifier.NotifyAll()
	}

	return map[string]interface{}{
		"action":  req.Action,
		"pattern": pattern,
		"changed": deleted,
	}, nil
}

func (h *FeedbackHandler) setClaimAdoption(ctx context.Context, req *feedbackRequest, adoption models.ClaimAdoption) (map[string]interface{}, error) {
	if req.ClaimID == "" {
		return nil, models.InvalidParams("claim_id is required for %s", req.Action)
	}

	claim, err := h.evidence.GetClaim(ctx, req.ClaimID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.TaskNotFound("claim %s not found", req.ClaimID)
		}
		return nil, fmt.Errorf("failed to load claim: %w", err)
	}

	changed := claim.Adoption != adoption
	if changed {
		if err := h.evidence.SetClaimAdoption(ctx, req.ClaimID, adoption); err != nil {
			return nil, fmt.Errorf("failed to update claim adoption: %w", err)
		}
		// A human verdict on an extracted claim is ground truth for the
		// confidence calibrator
		if err := h.calibration.RecordClaimOutcome(ctx, claim, adoption == models.AdoptionAdopted); err != nil {
			h.logger.Warn().Err(err).Str("claim_id", req.ClaimID).Msg("Failed to record claim outcome")
		}
		h.logger.Info().
			Str("claim_id", req.ClaimID).
			Str("adoption", string(adoption)).
			Msg("Claim adoption updated")
	}

	return map[string]interface{}{
		"action":   req.Action,
		"claim_id": req.ClaimID,
		"adoption": string(adoption),
		"changed":  changed,
	}, nil
}

func (h *FeedbackHandler) edgeCorrect(ctx context.Context, req *feedbackRequest) (map[string]interface{}, error) {
	if req.EdgeID == "" {
		return nil, models.InvalidParams("edge_id is required for edge_correct")
	}
	relation := models.EdgeRelation(req.Relation)
	switch relation {
	case models.RelationSupports, models.RelationRefutes, models.RelationNeutral:
	default:
		return nil, models.InvalidParams("relation must be supports, refutes or neutral, got %q", req.Relation)
	}

	edge, err := h.evidence.GetEdge(ctx, req.EdgeID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.TaskNotFound("edge %s not found", req.EdgeID)
		}
		return nil, fmt.Errorf("failed to load edge: %w", err)
	}

	changed := edge.Relation != relation
	if changed {
		if err := h.evidence.UpdateEdgeRelation(ctx, req.EdgeID, relation); err != nil {
			return nil, fmt.Errorf("failed to update edge relation: %w", err)
		}
	}

	// Confirming the existing label is a sample too
	if err := h.evidence.AppendCorrection(ctx, &models.CorrectionSample{
		TaskID:      edge.TaskID,
		EdgeID:      edge.ID,
		OldRelation: edge.Relation,
		NewRelation: relation,
	}); err != nil {
		return nil, fmt.Errorf("failed to record correction sample: %w", err)
	}

	h.logger.Info().
		Str("edge_id", edge.ID).
		Str("relation", string(relation)).
		Bool("changed", changed).
		Msg("Edge relation corrected")

	return map[string]interface{}{
		"action":            req.Action,
		"edge_id":           edge.ID,
		"relation":          string(relation),
		"previous_relation": string(edge.Relation),
		"sample_recorded":   true,
		"changed":           changed,
	}, nil
}

// validatePattern accepts a bare domain or a scoped glob with a single
// leading "*." wildcard and rejects patterns broad enough to black-hole
// the crawl.
func validatePattern(raw string) (string, error) {
	pattern := strings.TrimSpace(raw)
	if pattern == "" {
		return "", models.InvalidParams("pattern is required for domain_block")
	}
	if models.IsForbiddenPattern(pattern) {
		return "", models.InvalidParams("pattern %q is too broad to block", pattern).
			WithDetails(map[string]interface{}{"forbidden_patterns": models.ForbiddenPatterns()})
	}
	rest := strings.TrimPrefix(pattern, "*.")
	if rest == "" || strings.Contains(rest, "*") {
		return "", models.InvalidParams("wildcards are only allowed as a leading *. prefix, got %q", pattern)
	}
	return pattern, nil
}

func (h *FeedbackHandler) publish(ctx context.Context, eventType interfaces.EventType, taskID string, payload map[string]interface{}) {
	if h.events == nil {
		return
	}
	if err := h.events.Publish(ctx, interfaces.Event{
		Type:    eventType,
		TaskID:  taskID,
		Payload: payload,
	}); err != nil {
		h.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Event publish failed")
	}
}
