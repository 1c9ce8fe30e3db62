package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/queue"
	"github.com/ternarybob/indago/internal/state"
)

// TaskTools implements create_task and stop_task
type TaskTools struct {
	tasks    interfaces.TaskStorage
	queue    *queue.Service
	state    *state.Manager
	notifier interfaces.ChangeNotifier
	events   interfaces.EventService
	budget   common.BudgetConfig
	logger   arbor.ILogger
}

func NewTaskTools(tasks interfaces.TaskStorage, queueSvc *queue.Service, stateManager *state.Manager, notifier interfaces.ChangeNotifier, events interfaces.EventService, budget common.BudgetConfig, logger arbor.ILogger) *TaskTools {
	if budget.Pages <= 0 {
		budget.Pages = 120
	}
	if budget.MaxSeconds <= 0 {
		budget.MaxSeconds = 1200
	}
	return &TaskTools{
		tasks:    tasks,
		queue:    queueSvc,
		state:    stateManager,
		notifier: notifier,
		events:   events,
		budget:   budget,
		logger:   logger,
	}
}

type createTaskRequest struct {
	Query  string `json:"query"`
	Config struct {
		Budget map[string]interface{} `json:"budget"`
	} `json:"config"`
}

// CreateTask creates a task in the created state. Nothing is enqueued;
// the first queue_targets call moves the task to exploring.
func (t *TaskTools) CreateTask(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req createTaskRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, models.InvalidParams("query cannot be blank")
	}

	budget, err := t.resolveBudget(req.Config.Budget)
	if err != nil {
		return nil, err
	}

	task := models.NewTask(common.NewTaskID(), query, budget)
	if err := t.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	t.logger.Info().
		Str("task_id", task.ID).
		Int("budget_pages", budget.Pages).
		Int("max_seconds", budget.MaxSeconds).
		Msg("Task created")

	t.publish(ctx, interfaces.EventTaskCreated, task.ID, map[string]interface{}{
		"query": task.Query,
	})

	return map[string]interface{}{
		"task_id": task.ID,
		"status":  string(task.Status),
		"query":   task.Query,
		"budget": map[string]interface{}{
			"budget_pages": task.Budget.Pages,
			"max_seconds":  task.Budget.MaxSeconds,
		},
		"created_at": task.CreatedAt.Format(time.RFC3339),
	}, nil
}

// resolveBudget overlays the request budget on the configured defaults.
// The pre-rename key is called out by name so old clients learn the new
// one from the error itself.
func (t *TaskTools) resolveBudget(raw map[string]interface{}) (models.Budget, error) {
	budget := models.Budget{
		Pages:      t.budget.Pages,
		MaxSeconds: t.budget.MaxSeconds,
	}
	if raw == nil {
		return budget, nil
	}

	if _, ok := raw["max_pages"]; ok {
		return models.Budget{}, models.InvalidParams("budget.max_pages is no longer supported; set budget.budget_pages instead").
			WithDetails(map[string]interface{}{
				"param_name": "config.budget.max_pages",
				"expected":   "config.budget.budget_pages",
			})
	}

	if pages, ok := intField(raw, "budget_pages"); ok {
		budget.Pages = pages
	}
	if seconds, ok := intField(raw, "max_seconds"); ok {
		budget.MaxSeconds = seconds
	}
	return budget, nil
}

type stopTaskRequest struct {
	TaskID string `json:"task_id"`
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

// StopTask moves the task to a terminal state and reports the exploration
// summary. graceful cancels queued jobs only; immediate additionally
// interrupts running jobs and returns only after none remain running.
// Stopping an already-terminal task is a no-op that still returns the
// summary.
func (t *TaskTools) StopTask(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req stopTaskRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = "graceful"
	}

	task, err := t.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.TaskNotFound("task %s not found", req.TaskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	cancelled := 0
	if !task.Status.IsTerminal() {
		scope := queue.CancelQueuedOnly
		if req.Mode == "immediate" {
			scope = queue.CancelAll
		}

		outcome, err := t.queue.Cancel(ctx, req.TaskID, scope)
		if err != nil {
			return nil, err
		}
		cancelled = outcome.QueuedCancelled + outcome.RunningSignalled

		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "stopped by user"
		}
		if err := t.tasks.SetTaskStopped(ctx, req.TaskID, models.TaskStatusCompleted, reason); err != nil {
			return nil, fmt.Errorf("failed to stop task: %w", err)
		}
		task.Status = models.TaskStatusCompleted

		t.logger.Info().
			Str("task_id", req.TaskID).
			Str("mode", req.Mode).
			Int("cancelled_jobs", cancelled).
			Msg("Task stopped")

		t.publish(ctx, interfaces.EventTaskStatusChanged, req.TaskID, map[string]interface{}{
			"status": string(task.Status),
			"reason": reason,
		})
		t.notifier.Notify(req.TaskID)
	}

	summary, err := t.buildSummary(ctx, req.TaskID, req.Mode)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"task_id":        task.ID,
		"status":         string(task.Status),
		"mode":           req.Mode,
		"cancelled_jobs": cancelled,
		"summary":        summary,
	}, nil
}

// buildSummary condenses the exploration state into the stop report
func (t *TaskTools) buildSummary(ctx context.Context, taskID, mode string) (map[string]interface{}, error) {
	snapshot, err := t.state.Snapshot(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exploration state: %w", err)
	}

	satisfied := 0
	primary := 0
	for _, search := range snapshot.Searches {
		if search.Status == models.SearchStatusSatisfied {
			satisfied++
		}
		if search.PrimarySource {
			primary++
		}
	}

	ratio := 0.0
	if len(snapshot.Searches) > 0 {
		ratio = float64(primary) / float64(len(snapshot.Searches))
	}

	return map[string]interface{}{
		"total_searches":       len(snapshot.Searches),
		"satisfied_searches":   satisfied,
		"total_claims":         snapshot.TotalClaims,
		"primary_source_ratio": ratio,
		"mode":                 mode,
	}, nil
}

func (t *TaskTools) publish(ctx context.Context, eventType interfaces.EventType, taskID string, payload map[string]interface{}) {
	if t.events == nil {
		return
	}
	if err := t.events.Publish(ctx, interfaces.Event{
		Type:    eventType,
		TaskID:  taskID,
		Payload: payload,
	}); err != nil {
		t.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Event publish failed")
	}
}

// intField reads a numeric JSON field as an int
func intField(m map[string]interface{}, key string) (int, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := value.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
