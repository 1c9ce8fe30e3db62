package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// CancelScope selects how much of a task's work a cancellation sweeps
type CancelScope string

const (
	// CancelQueuedOnly cancels queued jobs and lets running work finish
	CancelQueuedOnly CancelScope = "queued_only"
	// CancelAll additionally interrupts running jobs and waits for them
	CancelAll CancelScope = "all"
)

// drainWakeInterval bounds the wait between drain re-checks when no change
// notification arrives
const drainWakeInterval = 100 * time.Millisecond

// CancelOutcome reports how many jobs a cancellation touched
type CancelOutcome struct {
	QueuedCancelled  int `json:"queued_cancelled"`
	RunningSignalled int `json:"running_signalled"`
}

// Service is the enqueue and cancellation surface of the job queue. It
// validates targets, persists jobs with deduplication, resumes paused tasks,
// and drives task-level cancellation through the dispatcher's run table.
type Service struct {
	tasks      interfaces.TaskStorage
	jobs       interfaces.JobStorage
	registry   *ActionRegistry
	dispatcher *Dispatcher
	events     interfaces.EventService
	notifier   interfaces.ChangeNotifier
	logger     arbor.ILogger
}

// NewService creates the job queue service. The dispatcher may be nil for
// enqueue-only callers; immediate cancellation then relies on the durable
// cancel flag alone.
func NewService(tasks interfaces.TaskStorage, jobs interfaces.JobStorage, registry *ActionRegistry, dispatcher *Dispatcher, events interfaces.EventService, notifier interfaces.ChangeNotifier, logger arbor.ILogger) *Service {
	return &Service{
		tasks:      tasks,
		jobs:       jobs,
		registry:   registry,
		dispatcher: dispatcher,
		events:     events,
		notifier:   notifier,
		logger:     logger,
	}
}

// EnqueueTargets validates and enqueues one job per target for the task.
// Duplicate targets already queued or running are skipped, a paused task is
// resumed, and a created task moves to exploring.
func (s *Service) EnqueueTargets(ctx context.Context, taskID string, targets []models.Target, priority string) (*interfaces.EnqueueOutcome, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.TaskNotFound("task %s not found", taskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if task.Status.IsTerminal() {
		return nil, models.InvalidParams("task %s is %s and cannot accept new targets", taskID, task.Status)
	}
	if len(targets) == 0 {
		return nil, models.InvalidParams("targets cannot be empty")
	}

	prio, err := models.ParsePriority(priority)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(targets))
	for i := range targets {
		target := targets[i]
		if err := target.Validate(); err != nil {
			return nil, models.InvalidParams("target %d: %s", i, err.Error())
		}
		slot := s.registry.SlotFor(models.KindTargetQueue)
		job := models.NewJob(common.NewJobID(), taskID, models.KindTargetQueue, prio, slot, models.JobInput{Target: target})
		jobs = append(jobs, job)
	}

	outcome, err := s.jobs.EnqueueJobs(ctx, task, jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue jobs: %w", err)
	}

	s.logger.Info().
		Str("task_id", taskID).
		Int("queued", len(outcome.QueuedIDs)).
		Int("skipped", len(outcome.SkippedKeys)).
		Bool("task_resumed", outcome.TaskResumed).
		Msg("Targets enqueued")

	for _, jobID := range outcome.QueuedIDs {
		s.publish(ctx, interfaces.EventJobEnqueued, taskID, map[string]interface{}{
			"job_id": jobID,
		})
	}
	if outcome.TaskResumed {
		s.publish(ctx, interfaces.EventTaskStatusChanged, taskID, map[string]interface{}{
			"status": string(models.TaskStatusExploring),
		})
	}
	s.notifier.Notify(taskID)

	return outcome, nil
}

// Cancel sweeps the task's jobs. With CancelQueuedOnly, queued jobs move to
// cancelled and running jobs finish naturally. With CancelAll, running jobs
// are flagged and interrupted, and Cancel returns only once none remain
// running. Idempotent; a sweep with nothing to do reports zero counts.
func (s *Service) Cancel(ctx context.Context, taskID string, scope CancelScope) (*CancelOutcome, error) {
	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.TaskNotFound("task %s not found", taskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	outcome := &CancelOutcome{}

	cancelled, err := s.jobs.CancelQueued(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel queued jobs: %w", err)
	}
	outcome.QueuedCancelled = cancelled

	if scope == CancelAll {
		signalled, err := s.jobs.RequestCancelRunning(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to flag running jobs: %w", err)
		}
		outcome.RunningSignalled = signalled

		if s.dispatcher != nil {
			s.dispatcher.AbortTask(taskID)
		}
		if err := s.waitForDrain(ctx, taskID); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("task_id", taskID).
		Str("scope", string(scope)).
		Int("queued_cancelled", outcome.QueuedCancelled).
		Int("running_signalled", outcome.RunningSignalled).
		Msg("Task jobs cancelled")

	if outcome.QueuedCancelled > 0 || outcome.RunningSignalled > 0 {
		s.publish(ctx, interfaces.EventJobCancelled, taskID, map[string]interface{}{
			"queued_cancelled":  outcome.QueuedCancelled,
			"running_signalled": outcome.RunningSignalled,
		})
	}
	s.notifier.Notify(taskID)

	return outcome, nil
}

// waitForDrain blocks until no job of the task is in the running state. The
// dispatcher notifies on every terminal transition, so the wait is
// change-driven with a short fallback tick.
func (s *Service) waitForDrain(ctx context.Context, taskID string) error {
	for {
		counts, err := s.jobs.CountJobsByState(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to count running jobs: %w", err)
		}
		if counts[models.JobStateRunning] == 0 {
			return nil
		}

		wake := s.notifier.Wait(taskID)
		timer := time.NewTimer(drainWakeInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Depth reports queued and running counts for the task's status envelope
func (s *Service) Depth(ctx context.Context, taskID string) (queued, running int, err error) {
	counts, err := s.jobs.CountJobsByState(ctx, taskID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return counts[models.JobStateQueued], counts[models.JobStateRunning], nil
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, taskID string, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, interfaces.Event{
		Type:    eventType,
		TaskID:  taskID,
		Payload: payload,
	}); err != nil {
		s.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Event publish failed")
	}
}
