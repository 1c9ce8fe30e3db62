package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/state"
)

const (
	// DetailSummary is the default envelope shape
	DetailSummary = "summary"
	// DetailFull additionally lists the live queue entries
	DetailFull = "full"
)

// budgetWarnPercent is the consumption level that starts budget warnings
const budgetWarnPercent = 80.0

// diminishingHarvestRate flags sub-searches still fetching but no longer
// keeping fragments
const diminishingHarvestRate = 0.1

// Service composes the store, exploration state and queue counters into the
// public status envelope, and serves long-poll waits off the per-task change
// channel instead of polling the store.
type Service struct {
	tasks        interfaces.TaskStorage
	jobs         interfaces.JobStorage
	intervention interfaces.InterventionStorage
	rules        interfaces.RuleStorage
	state        *state.Manager
	notifier     interfaces.ChangeNotifier
	config       *common.StatusConfig
	logger       arbor.ILogger
}

// NewService creates the status service
func NewService(tasks interfaces.TaskStorage, jobs interfaces.JobStorage, intervention interfaces.InterventionStorage, rules interfaces.RuleStorage, stateManager *state.Manager, notifier interfaces.ChangeNotifier, config *common.StatusConfig, logger arbor.ILogger) *Service {
	return &Service{
		tasks:        tasks,
		jobs:         jobs,
		intervention: intervention,
		rules:        rules,
		state:        stateManager,
		notifier:     notifier,
		config:       config,
		logger:       logger,
	}
}

// GetStatus builds the status envelope. With wait=0 it returns immediately;
// with wait>0 it subscribes to the task's change channel before reading, so
// a change during the build is never missed, then blocks until a change
// arrives or the wait expires.
func (s *Service) GetStatus(ctx context.Context, taskID string, waitSeconds int, detail string) (*models.StatusEnvelope, error) {
	switch detail {
	case "":
		detail = DetailSummary
	case DetailSummary, DetailFull:
	default:
		return nil, models.InvalidParams("detail must be %q or %q", DetailSummary, DetailFull)
	}

	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if max := s.maxWaitSeconds(); waitSeconds > max {
		waitSeconds = max
	}

	// Subscribe before the first read
	wake := s.notifier.Wait(taskID)

	envelope, err := s.buildEnvelope(ctx, taskID, detail)
	if err != nil {
		return nil, err
	}
	if waitSeconds == 0 {
		return envelope, nil
	}

	timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		// Nothing changed within the window
		return envelope, nil
	case <-wake:
		return s.buildEnvelope(ctx, taskID, detail)
	}
}

// buildEnvelope assembles the full status view from store and state
func (s *Service) buildEnvelope(ctx context.Context, taskID, detail string) (*models.StatusEnvelope, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.TaskNotFound("task %s not found", taskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	snapshot, err := s.state.Snapshot(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exploration state: %w", err)
	}

	counts, err := s.jobs.CountJobsByState(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	pending, err := s.intervention.CountPending(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count interventions: %w", err)
	}

	blocked, err := s.rules.ListBlockedPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked domains: %w", err)
	}

	metrics := buildMetrics(task, snapshot)
	budget := buildBudget(task, snapshot, metrics.ElapsedSeconds)
	idleSeconds := snapshot.IdleSeconds()

	envelope := &models.StatusEnvelope{
		OK:             true,
		TaskID:         task.ID,
		Status:         string(task.Status),
		Query:          task.Query,
		Searches:       buildSearchViews(snapshot),
		Metrics:        metrics,
		Budget:         budget,
		Warnings:       s.buildWarnings(snapshot, budget, idleSeconds),
		BlockedDomains: blocked,
		IdleSeconds:    idleSeconds,
		Progress: models.ProgressStatus{
			Queue: models.QueueProgress{
				Depth:   counts[models.JobStateQueued],
				Running: counts[models.JobStateRunning],
			},
		},
	}

	if pending > 0 {
		envelope.AuthQueue = &models.AuthQueueStatus{Pending: pending}
	}

	if detail == DetailFull {
		items, err := s.buildQueueItems(ctx, taskID)
		if err != nil {
			return nil, err
		}
		envelope.QueueItems = items
	}

	return envelope, nil
}

// buildSearchViews projects sub-searches into their public shape. The
// internal text field surfaces as "query" here.
func buildSearchViews(snapshot *state.Snapshot) []models.SearchView {
	views := make([]models.SearchView, 0, len(snapshot.Searches))
	for _, search := range snapshot.Searches {
		views = append(views, models.SearchView{
			SearchID:           search.ID,
			Query:              search.Text,
			Status:             string(search.Status),
			PagesFetched:       search.PagesFetched,
			FragmentsKept:      search.FragmentsKept,
			IndependentSources: search.IndependentSources,
			PrimarySource:      search.PrimarySource,
			Satisfaction:       search.Satisfaction,
			HarvestRate:        search.HarvestRate,
		})
	}
	return views
}

// buildMetrics aggregates the counters. TotalSearches is the sum of the
// four per-status counts by definition.
func buildMetrics(task *models.Task, snapshot *state.Snapshot) models.StatusMetrics {
	metrics := models.StatusMetrics{
		TotalPages:     snapshot.TotalPages,
		TotalFragments: snapshot.TotalFragments,
		TotalClaims:    snapshot.TotalClaims,
	}

	for _, search := range snapshot.Searches {
		switch search.Status {
		case models.SearchStatusSatisfied:
			metrics.SatisfiedCount++
		case models.SearchStatusPartial:
			metrics.PartialCount++
		case models.SearchStatusPending:
			metrics.PendingCount++
		case models.SearchStatusExhausted:
			metrics.ExhaustedCount++
		}
	}
	metrics.TotalSearches = metrics.SatisfiedCount + metrics.PartialCount + metrics.PendingCount + metrics.ExhaustedCount

	// Terminal tasks freeze the clock at their last transition
	if task.Status.IsTerminal() {
		metrics.ElapsedSeconds = task.UpdatedAt.Sub(task.CreatedAt).Seconds()
	} else {
		metrics.ElapsedSeconds = time.Since(task.CreatedAt).Seconds()
	}
	if metrics.ElapsedSeconds < 0 {
		metrics.ElapsedSeconds = 0
	}

	return metrics
}

// buildBudget reports consumption against both budget dimensions. The
// remaining percentage is the tighter of the two.
func buildBudget(task *models.Task, snapshot *state.Snapshot, elapsedSeconds float64) models.BudgetStatus {
	budget := models.BudgetStatus{
		PagesUsed:        snapshot.TotalPages,
		PagesLimit:       task.Budget.Pages,
		TimeUsedSeconds:  elapsedSeconds,
		TimeLimitSeconds: task.Budget.MaxSeconds,
	}

	budget.RemainingPercent = 100.0
	if task.Budget.Pages > 0 {
		pagesRemaining := 100.0 * (1.0 - float64(snapshot.TotalPages)/float64(task.Budget.Pages))
		if pagesRemaining < budget.RemainingPercent {
			budget.RemainingPercent = pagesRemaining
		}
	}
	if task.Budget.MaxSeconds > 0 {
		timeRemaining := 100.0 * (1.0 - elapsedSeconds/float64(task.Budget.MaxSeconds))
		if timeRemaining < budget.RemainingPercent {
			budget.RemainingPercent = timeRemaining
		}
	}
	if budget.RemainingPercent < 0 {
		budget.RemainingPercent = 0
	}

	return budget
}

// buildWarnings derives the advisory warning list for this call
func (s *Service) buildWarnings(snapshot *state.Snapshot, budget models.BudgetStatus, idleSeconds float64) []string {
	warnings := make([]string, 0)

	if budget.PagesLimit > 0 {
		usedPercent := 100.0 * float64(budget.PagesUsed) / float64(budget.PagesLimit)
		if usedPercent >= budgetWarnPercent {
			warnings = append(warnings, fmt.Sprintf("page budget %.0f%% consumed (%d of %d)", usedPercent, budget.PagesUsed, budget.PagesLimit))
		}
	}
	if budget.TimeLimitSeconds > 0 {
		usedPercent := 100.0 * budget.TimeUsedSeconds / float64(budget.TimeLimitSeconds)
		if usedPercent >= budgetWarnPercent {
			warnings = append(warnings, fmt.Sprintf("time budget %.0f%% consumed (%.0fs of %ds)", usedPercent, budget.TimeUsedSeconds, budget.TimeLimitSeconds))
		}
	}

	if threshold := s.idleWarningSeconds(); threshold > 0 && idleSeconds >= float64(threshold) {
		warnings = append(warnings, fmt.Sprintf("no exploration activity for %.0fs", idleSeconds))
	}

	for _, search := range snapshot.Searches {
		if search.Status == models.SearchStatusPartial && search.PagesFetched >= 5 && search.HarvestRate < diminishingHarvestRate {
			warnings = append(warnings, fmt.Sprintf("diminishing returns on %q", search.Text))
		}
	}

	return warnings
}

// buildQueueItems lists live queue entries for detail=full
func (s *Service) buildQueueItems(ctx context.Context, taskID string) ([]models.QueueItemView, error) {
	jobs, err := s.jobs.ListJobs(ctx, taskID, models.JobStateQueued, models.JobStateRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}

	items := make([]models.QueueItemView, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, models.QueueItemView{
			JobID:    job.ID,
			Kind:     job.Kind,
			Target:   job.Input.Target.Describe(),
			Priority: job.Priority,
			State:    string(job.State),
			QueuedAt: job.QueuedAt,
		})
	}
	return items, nil
}

func (s *Service) maxWaitSeconds() int {
	if s.config != nil && s.config.MaxWaitSeconds > 0 {
		return s.config.MaxWaitSeconds
	}
	return 60
}

func (s *Service) idleWarningSeconds() int {
	if s.config != nil && s.config.IdleWarningSeconds > 0 {
		return s.config.IdleWarningSeconds
	}
	return 300
}
