package status

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/queue"
	"github.com/ternarybob/indago/internal/state"
	"github.com/ternarybob/indago/internal/storage/sqlite"
)

// statusFixture bundles the service with direct storage access for arranging
type statusFixture struct {
	svc          *Service
	tasks        interfaces.TaskStorage
	jobs         interfaces.JobStorage
	searches     interfaces.SearchStorage
	evidence     interfaces.EvidenceStorage
	intervention interfaces.InterventionStorage
	rules        interfaces.RuleStorage
	state        *state.Manager
	notifier     *queue.Notifier
}

func setupStatusTest(t *testing.T, config *common.StatusConfig) (*statusFixture, func()) {
	tempDir := t.TempDir()

	sqliteConfig := &common.SQLiteConfig{
		Path:          tempDir + "/test.db",
		CacheSizeMB:   10,
		WALMode:       false,
		BusyTimeoutMS: 5000,
	}

	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, sqliteConfig)
	require.NoError(t, err)

	f := &statusFixture{
		tasks:        sqlite.NewTaskStorage(db, logger),
		jobs:         sqlite.NewJobStorage(db, logger),
		searches:     sqlite.NewSearchStorage(db, logger),
		evidence:     sqlite.NewEvidenceStorage(db, logger),
		intervention: sqlite.NewInterventionStorage(db, logger),
		rules:        sqlite.NewRuleStorage(db, logger),
		notifier:     queue.NewNotifier(),
	}

	f.state, err = state.NewManager(f.searches, f.evidence, f.notifier, &common.StateConfig{CacheSize: 16}, logger)
	require.NoError(t, err)

	if config == nil {
		config = &common.StatusConfig{MaxWaitSeconds: 60, IdleWarningSeconds: 300}
	}
	f.svc = NewService(f.tasks, f.jobs, f.intervention, f.rules, f.state, f.notifier, config, logger)

	cleanup := func() {
		db.Close()
	}
	return f, cleanup
}

func (f *statusFixture) createTask(t *testing.T, taskID string, budget models.Budget) *models.Task {
	t.Helper()

	task := models.NewTask(taskID, "research question", budget)
	require.NoError(t, f.tasks.CreateTask(context.Background(), task))
	return task
}

func defaultBudget() models.Budget {
	return models.Budget{Pages: 120, MaxSeconds: 1200}
}

func TestGetStatus_UnknownTask(t *testing.T) {
	f, cleanup := setupStatusTest(t, nil)
	defer cleanup()

	_, err := f.svc.GetStatus(context.Background(), "task-missing", 0, "")
	require.Error(t, err)

	taskErr, ok := models.AsTaskError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrTaskNotFound, taskErr.Code)
}

func TestGetStatus_InvalidDetail(t *testing.T) {
	f, cleanup := setupStatusTest(t, nil)
	defer cleanup()
	f.createTask(t, "task-1", defaultBudget())

	_, err := f.svc.GetStatus(context.Background(), "task-1", 0, "verbose")
	require.Error(t, err)

	taskErr, ok := models.AsTaskError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrInvalidParams, taskErr.Code)
}

func TestGetStatus_EnvelopeShape(t *testing.T) {
	f, cleanup := setupStatusTest(t, nil)
	defer cleanup()
	ctx := context.Background()
	f.createTask(t, "task-1", defaultBudget())

	// Two sub-searches in different states
	satisfied := models.NewSearch("search-1", "task-1", "solar capacity growth")
	satisfied.Status = models.SearchStatusSatisfied
	satisfied.PagesFetched = 5
	require.NoError(t, f.state.RecordSearch(ctx, satisfied))
	require.NoError(t, f.state.RecordSearch(ctx, models.NewSearch("search-2", "task-1", "grid storage")))

	require.NoError(t, f.state.RecordPageFetched(ctx, "task-1", "search-2"))
	require.NoError(t, f.state.RecordFragments(ctx, "task-1", "search-2", 2))
	require.NoError(t, f.state.RecordClaims(ctx, "task-1", 1))

	envelope, err := f.svc.GetStatus(ctx, "task-1", 0, "")
	require.NoError(t, err)

	assert.True(t, envelope.OK)
	assert.Equal(t, "task-1", envelope.TaskID)
	assert.Equal(t, "created", envelope.Status)
	assert.Equal(t, "research question", envelope.Query)

	// Internal text surfaces as the public query field
	require.Len(t, envelope.Searches, 2)
	assert.Equal(t, "solar capacity growth", envelope.Searches[0].Query)
	assert.Equal(t, "satisfied", envelope.Searches[0].Status)

	// The four counters sum to total_searches
	assert.Equal(t, 1, envelope.Metrics.SatisfiedCount)
	assert.Equal(t, 1, envelope.Metrics.PendingCount)
	assert.Equal(t, 2, envelope.Metrics.TotalSearches)
	assert.Equal(t, envelope.Metrics.SatisfiedCount+envelope.Metrics.PartialCount+
		envelope.Metrics.PendingCount+envelope.Metrics.ExhaustedCount, envelope.Metrics.TotalSearches)

	assert.Equal(t, 1, envelope.Metrics.TotalPages)
	assert.Equal(t, 2, envelope.Metrics.TotalFragments)
	assert.Equal(t, 1, envelope.Metrics.TotalClaims)
	assert.GreaterOrEqual(t, envelope.Metrics.ElapsedSeconds, 0.0)

	assert.Equal(t, 1, envelope.Budget.PagesUsed)
	assert.Equal(t, 120, envelope.Budget.PagesLimit)
	assert.Equal(t, 1200, envelope.Budget.TimeLimitSeconds)
	assert.Greater(t, envelope.Budget.RemainingPercent, 90.0)

	assert.Nil(t, envelope.AuthQueue)
	assert.Empty(t, envelope.Warnings)
	assert.Empty(t, envelope.BlockedDomains)
	assert.Nil(t, envelope.QueueItems)
}

func TestGetStatus_QueueProgressAndFullDetail(t *testing.T) {
	f, cleanup := setupStatusTest(t, nil)
	defer cleanup()
	ctx := context.Background()
	task := f.createTask(t, "task-1", defaultBudget())

	jobs := []*models.Job{
		models.NewJob("job-1", "task-1", models.KindTargetQueue, models.PriorityHigh,
			models.SlotNetworkClient, models.JobInput{Target: models.Target{Kind: models.TargetKindQuery, Query: "a"}}),
		models.NewJob("job-2", "task-1", models.KindTargetQueue, models.PriorityMedium,
			models.SlotNetworkClient, models.JobInput{Target: models.Target{Kind: models.TargetKindQuery, Query: "b"}}),
	}
	_, err := f.jobs.EnqueueJobs(ctx, task, jobs)
	require.NoError(t, err)

	_, err = f.jobs.ClaimNext(ctx, models.SlotNetworkClient)
	require.NoError(t, err)

	summary, err := f.svc.GetStatus(ctx, "task-1", 0, DetailSummary)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Progress.Queue.Depth)
	assert.Equal(t, 1, summary.Progress.Queue.Running)
	assert.Nil(t, summary.QueueItems)

	full, err := f.svc.GetStatus(ctx, "task-1", 0, DetailFull)
	require.NoError(t, err)
	require.Len(t, full.QueueItems, 2)
	for _, item := range full.QueueItems {
		assert.Equal(t, models.KindTargetQueue, item.Kind)
		assert.NotEmpty(t, item.Target)
		assert.NotEmpty(t, item.State)
	}
}

func TestGetStatus_AuthQueueAndBlockedDomains(t *testing.T) {
	f, cleanup := setupStatusTest(t, nil)
	defer cleanup()
	ctx := context.Background()
	f.createTask(t, "task-1", defaultBudget())

	item := models.NewInterventionItem("auth-1", "task-1", "https://portal.example.com/report", "portal.example.com", "login", "high")
	require.NoError(t, f.intervention.InsertItem(ctx, item))

	_, err := f.rules.UpsertRule(ctx, &models.DomainRule{
		Pattern:  "*.tracking.example.net",
		RuleType: models.RuleTypeBlock,
		Source:   "feedback",
	})
	require.NoError(t, err)

	envelope, err := f.svc.GetStatus(ctx, "task-1", 0, "")
	require.NoError(t, err)

	require.NotNil(t, envelope.AuthQueue)
	assert.Equal(t, 1, envelope.AuthQueue.Pending)
	assert.Equal(t, []string{"*.tracking.example.net"}, envelope.BlockedDomains)
}

func TestGetStatus_Warnings(t *testing.T) {
	f, cleanup := setupStatusTest(t, &common.StatusConfig{MaxWaitSeconds: 60, IdleWarningSeconds: 300})
	defer cleanup()
	ctx := context.Background()
	f.createTask(t, "task-1", models.Budget{Pages: 10, MaxSeconds: 1200})

	// Old persisted progress: activity clock rehydrates far in the past
	idle := models.NewSearch("search-1", "task-1", "stale lead")
	idle.Status = models.SearchStatusPartial
	idle.PagesFetched = 8
	idle.HarvestRate = 0.02
	idle.CreatedAt = time.Now().UTC().Add(-20 * time.Minute)
	idle.UpdatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, f.searches.SaveSearch(ctx, idle))

	// Eight pages against a ten page budget
	for i := 0; i < 8; i++ {
		page := &models.Page{
			ID: common.NewPageID(), TaskID: "task-1", SearchID: "search-1",
			URL: "https://example.org/p" + string(rune('a'+i)), FetchedAt: time.Now().UTC(),
		}
		require.NoError(t, f.evidence.SavePage(ctx, page))
	}

	envelope, err := f.svc.GetStatus(ctx, "task-1", 0, "")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, envelope.IdleSeconds, 300.0)

	var budgetWarn, idleWarn, diminishingWarn bool
	for _, warning := range envelope.Warnings {
		switch {
		case strings.Contains(warning, "page budget"):
			budgetWarn = true
		case strings.Contains(warning, "no exploration activity"):
			idleWarn = true
		case strings.Contains(warning, "diminishing returns"):
			diminishingWarn = true
		}
	}
	assert.True(t, budgetWarn, "expected page budget warning in %v", envelope.Warnings)
	assert.True(t, idleWarn, "expected idle warning in %v", envelope.Warnings)
	assert.True(t, diminishingWarn, "expected diminishing returns warning in %v", envelope.Warnings)
}

func TestGetStatus_WaitZeroReturnsImmediately(t *testing.T) {
	f, cleanup := setupStatusTest(t, nil)
	defer cleanup()
	f.createTask(t, "task-1", defaultBudget())

	started := time.Now()
	_, err := f.svc.GetStatus(context.Background(), "task-1", 0, "")
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

func TestGetStatus_LongPollWakesOnChange(t *testing.T) {
	f, cleanup := setupStatusTest(t, nil)
	defer cleanup()
	ctx := context.Background()
	f.createTask(t, "task-1", defaultBudget())
	require.NoError(t, f.state.RecordSearch(ctx, models.NewSearch("search-1", "task-1", "q")))

	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = f.state.RecordPageFetched(context.Background(), "task-1", "search-1")
	}()

	started := time.Now()
	envelope, err := f.svc.GetStatus(ctx, "task-1", 2, "")
	require.NoError(t, err)
	elapsed := time.Since(started)

	// Woken by the change, well before the two second deadline
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, 1, envelope.Metrics.TotalPages)
}

func TestGetStatus_LongPollTimesOutUnchanged(t *testing.T) {
	f, cleanup := setupStatusTest(t, nil)
	defer cleanup()
	f.createTask(t, "task-1", defaultBudget())

	started := time.Now()
	envelope, err := f.svc.GetStatus(context.Background(), "task-1", 1, "")
	require.NoError(t, err)
	elapsed := time.Since(started)

	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.True(t, envelope.OK)
}

func TestGetStatus_WaitClampedToConfiguredMax(t *testing.T) {
	f, cleanup := setupStatusTest(t, &common.StatusConfig{MaxWaitSeconds: 1, IdleWarningSeconds: 300})
	defer cleanup()
	f.createTask(t, "task-1", defaultBudget())

	started := time.Now()
	_, err := f.svc.GetStatus(context.Background(), "task-1", 30, "")
	require.NoError(t, err)

	// The configured ceiling bounds the wait, not the caller's value
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestGetStatus_TerminalTaskFreezesElapsed(t *testing.T) {
	f, cleanup := setupStatusTest(t, nil)
	defer cleanup()
	ctx := context.Background()
	f.createTask(t, "task-1", defaultBudget())
	require.NoError(t, f.tasks.SetTaskStopped(ctx, "task-1", models.TaskStatusCompleted, "done"))

	first, err := f.svc.GetStatus(ctx, "task-1", 0, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	second, err := f.svc.GetStatus(ctx, "task-1", 0, "")
	require.NoError(t, err)

	assert.Equal(t, "completed", second.Status)
	assert.InDelta(t, first.Metrics.ElapsedSeconds, second.Metrics.ElapsedSeconds, 0.01)
}
