package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/queue"
)

// AuthTools manages the human-intervention queue: listing blocked
// fetches and feeding resolved ones back into the crawl.
type AuthTools struct {
	interventions interfaces.InterventionStorage
	queue         *queue.Service
	notifier      interfaces.ChangeNotifier
	logger        arbor.ILogger
}

func NewAuthTools(interventions interfaces.InterventionStorage, queueSvc *queue.Service, notifier interfaces.ChangeNotifier, logger arbor.ILogger) *AuthTools {
	return &AuthTools{
		interventions: interventions,
		queue:         queueSvc,
		notifier:      notifier,
		logger:        logger,
	}
}

type getAuthQueueRequest struct {
	TaskID         string `json:"task_id"`
	PriorityFilter string `json:"priority_filter"`
	GroupBy        string `json:"group_by"`
}

func (t *AuthTools) GetAuthQueue(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req getAuthQueueRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	items, err := t.interventions.ListItems(ctx, interfaces.InterventionFilter{
		TaskID:   req.TaskID,
		Priority: req.PriorityFilter,
		Status:   models.InterventionPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list intervention queue: %w", err)
	}

	result := map[string]interface{}{"total_count": len(items)}

	switch req.GroupBy {
	case "", "none":
		views := make([]interface{}, 0, len(items))
		for _, item := range items {
			view, err := asMap(item)
			if err != nil {
				return nil, err
			}
			views = append(views, view)
		}
		result["items"] = views

	case "domain", "type":
		groups := make(map[string]interface{})
		for _, item := range items {
			key := item.Domain
			if req.GroupBy == "type" {
				key = item.AuthType
			}
			if key == "" {
				key = "unknown"
			}
			view, err := asMap(item)
			if err != nil {
				return nil, err
			}
			existing, _ := groups[key].([]interface{})
			groups[key] = append(existing, view)
		}
		result["groups"] = groups

	default:
		return nil, models.InvalidParams("group_by must be one of none, domain or type, got %q", req.GroupBy)
	}

	return result, nil
}

type resolveAuthRequest struct {
	Target  string `json:"target"`
	QueueID string `json:"queue_id"`
	Domain  string `json:"domain"`
	Action  string `json:"action"`
	Success *bool  `json:"success"`
}

func (t *AuthTools) ResolveAuth(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req resolveAuthRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	status := models.InterventionResolved
	switch req.Action {
	case "complete":
	case "skip":
		status = models.InterventionSkipped
	default:
		return nil, models.InvalidParams("action must be complete or skip, got %q", req.Action)
	}

	var resolvedCount int
	var unblocked []*models.InterventionItem

	switch req.Target {
	case "item":
		if req.QueueID == "" {
			return nil, models.InvalidParams("queue_id is required when target is item")
		}
		item, err := t.interventions.GetItem(ctx, req.QueueID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, models.TaskNotFound("intervention item %s not found", req.QueueID)
			}
			return nil, fmt.Errorf("failed to load intervention item: %w", err)
		}
		if err := t.interventions.ResolveItem(ctx, req.QueueID, status, req.Success); err != nil {
			return nil, fmt.Errorf("failed to resolve intervention item: %w", err)
		}
		resolvedCount = 1
		unblocked = append(unblocked, item)

	case "domain":
		if req.Domain == "" {
			return nil, models.InvalidParams("domain is required when target is domain")
		}
		pending, err := t.interventions.ListItems(ctx, interfaces.InterventionFilter{Status: models.InterventionPending})
		if err != nil {
			return nil, fmt.Errorf("failed to list intervention queue: %w", err)
		}
		for _, item := range pending {
			if item.Domain == req.Domain {
				unblocked = append(unblocked, item)
			}
		}
		resolvedCount, err = t.interventions.ResolveDomain(ctx, req.Domain, status, req.Success)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve domain %s: %w", req.Domain, err)
		}

	default:
		return nil, models.InvalidParams("target must be item or domain, got %q", req.Target)
	}

	requeued := 0
	if req.Action == "complete" && req.Success != nil && *req.Success {
		requeued = t.requeue(ctx, unblocked)
	}

	// Queue depth changed for the owning tasks even when nothing was
	// requeued; wake their long-poll waiters
	for _, taskID := range taskIDsOf(unblocked) {
		t.notifier.Notify(taskID)
	}

	t.logger.Info().
		Str("target", req.Target).
		Str("action", req.Action).
		Int("resolved", resolvedCount).
		Int("requeued", requeued).
		Msg("Intervention resolved")

	return map[string]interface{}{
		"target":         req.Target,
		"action":         req.Action,
		"resolved_count": resolvedCount,
		"requeued_count": requeued,
	}, nil
}

// taskIDsOf collects the distinct task IDs across intervention items
func taskIDsOf(items []*models.InterventionItem) []string {
	seen := make(map[string]bool, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.TaskID == "" || seen[item.TaskID] {
			continue
		}
		seen[item.TaskID] = true
		ids = append(ids, item.TaskID)
	}
	return ids
}

// requeue puts the unblocked URLs back on their tasks' queues at high
// priority so the freed pages are fetched before new exploration.
func (t *AuthTools) requeue(ctx context.Context, items []*models.InterventionItem) int {
	byTask := make(map[string][]models.Target)
	for _, item := range items {
		if item.TaskID == "" || item.URL == "" {
			continue
		}
		byTask[item.TaskID] = append(byTask[item.TaskID], models.Target{
			Kind:   models.TargetKindURL,
			URL:    item.URL,
			Reason: models.URLReasonManual,
		})
	}

	requeued := 0
	for taskID, targets := range byTask {
		outcome, err := t.queue.EnqueueTargets(ctx, taskID, targets, "high")
		if err != nil {
			t.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to requeue unblocked targets")
			continue
		}
		requeued += len(outcome.QueuedIDs)
	}
	return requeued
}
