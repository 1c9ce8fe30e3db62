package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/storage/sqlite"
)

// setupQueueTestDB creates a test database and returns cleanup function
func setupQueueTestDB(t *testing.T) (*sqlite.SQLiteDB, func()) {
	tempDir := t.TempDir()

	config := &common.SQLiteConfig{
		Path:          tempDir + "/test.db",
		CacheSizeMB:   10,
		WALMode:       false,
		BusyTimeoutMS: 5000,
	}

	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, config)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func createQueueTask(t *testing.T, db *sqlite.SQLiteDB, taskID string) *models.Task {
	t.Helper()

	tasks := sqlite.NewTaskStorage(db, arbor.NewLogger())
	task := models.NewTask(taskID, "test query", models.Budget{Pages: 120, MaxSeconds: 1200})
	require.NoError(t, tasks.CreateTask(context.Background(), task))
	return task
}

func queryTarget(query string) models.Target {
	return models.Target{Kind: models.TargetKindQuery, Query: query}
}

// stubAction is a configurable handler for dispatcher tests
type stubAction struct {
	kind      string
	slot      string
	executeFn func(ctx context.Context, job *models.Job) (map[string]interface{}, error)
}

func (a *stubAction) Kind() string { return a.kind }
func (a *stubAction) Slot() string { return a.slot }

func (a *stubAction) Execute(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	if a.executeFn == nil {
		return map[string]interface{}{}, nil
	}
	return a.executeFn(ctx, job)
}

// newTestDispatcher wires a dispatcher with one fast-polling worker slot
func newTestDispatcher(db *sqlite.SQLiteDB, registry *ActionRegistry, notifier *Notifier, workers int) *Dispatcher {
	logger := arbor.NewLogger()
	jobs := sqlite.NewJobStorage(db, logger)
	config := &common.QueueConfig{
		Slots:        map[string]int{models.SlotNetworkClient: workers},
		PollInterval: "10ms",
		StaleAfter:   "10m",
	}
	d := NewDispatcher(jobs, registry, nil, notifier, config, logger)
	d.cancelCheck = 10 * time.Millisecond
	return d
}

// waitForJobState polls until the job reaches the state or the test times out
func waitForJobState(t *testing.T, jobs interfaces.JobStorage, jobID string, state models.JobState) *models.Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == state {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach state %s", jobID, state)
	return nil
}

func TestDispatcher_ExecutesQueuedJobs(t *testing.T) {
	db, cleanup := setupQueueTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := sqlite.NewJobStorage(db, logger)
	task := createQueueTask(t, db, "task-1")

	registry := NewActionRegistry(logger)
	require.NoError(t, registry.Register(models.KindTargetQueue, &stubAction{
		kind: models.KindTargetQueue,
		slot: models.SlotNetworkClient,
		executeFn: func(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
			return map[string]interface{}{"pages": 3}, nil
		},
	}))

	notifier := NewNotifier()
	d := newTestDispatcher(db, registry, notifier, 2)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	job := models.NewJob("job-1", task.ID, models.KindTargetQueue, models.PriorityMedium,
		models.SlotNetworkClient, models.JobInput{Target: queryTarget("solar output 2024")})
	_, err := jobs.EnqueueJobs(context.Background(), task, []*models.Job{job})
	require.NoError(t, err)

	done := waitForJobState(t, jobs, "job-1", models.JobStateCompleted)
	assert.Contains(t, done.Result, "pages")
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)

	// Run table drains once the job commits
	require.Eventuallyf(t, func() bool { return d.RunningCount() == 0 },
		2*time.Second, 10*time.Millisecond, "run table should be empty")
}

func TestDispatcher_TaskErrorKeepsCode(t *testing.T) {
	db, cleanup := setupQueueTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := sqlite.NewJobStorage(db, logger)
	task := createQueueTask(t, db, "task-1")

	registry := NewActionRegistry(logger)
	require.NoError(t, registry.Register(models.KindTargetQueue, &stubAction{
		kind: models.KindTargetQueue,
		slot: models.SlotNetworkClient,
		executeFn: func(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
			return nil, models.NewTaskError(models.ErrSerpSearchFailed, "all engines refused")
		},
	}))

	d := newTestDispatcher(db, registry, NewNotifier(), 1)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	job := models.NewJob("job-1", task.ID, models.KindTargetQueue, models.PriorityMedium,
		models.SlotNetworkClient, models.JobInput{Target: queryTarget("a")})
	_, err := jobs.EnqueueJobs(context.Background(), task, []*models.Job{job})
	require.NoError(t, err)

	failed := waitForJobState(t, jobs, "job-1", models.JobStateFailed)
	assert.Equal(t, string(models.ErrSerpSearchFailed), failed.ErrorCode)
	assert.Equal(t, "all engines refused", failed.Error)
}

func TestDispatcher_UnknownErrorBecomesInternal(t *testing.T) {
	db, cleanup := setupQueueTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := sqlite.NewJobStorage(db, logger)
	task := createQueueTask(t, db, "task-1")

	registry := NewActionRegistry(logger)
	require.NoError(t, registry.Register(models.KindTargetQueue, &stubAction{
		kind: models.KindTargetQueue,
		slot: models.SlotNetworkClient,
		executeFn: func(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
			return nil, errors.New("connection reset by peer")
		},
	}))

	d := newTestDispatcher(db, registry, NewNotifier(), 1)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	job := models.NewJob("job-1", task.ID, models.KindTargetQueue, models.PriorityMedium,
		models.SlotNetworkClient, models.JobInput{Target: queryTarget("a")})
	_, err := jobs.EnqueueJobs(context.Background(), task, []*models.Job{job})
	require.NoError(t, err)

	failed := waitForJobState(t, jobs, "job-1", models.JobStateFailed)
	assert.Equal(t, string(models.ErrInternalError), failed.ErrorCode)
	assert.Contains(t, failed.Error, "connection reset by peer")
	assert.Contains(t, failed.Error, "err_")
}

func TestDispatcher_PanicContained(t *testing.T) {
	db, cleanup := setupQueueTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := sqlite.NewJobStorage(db, logger)
	task := createQueueTask(t, db, "task-1")

	registry := NewActionRegistry(logger)
	require.NoError(t, registry.Register(models.KindTargetQueue, &stubAction{
		kind: models.KindTargetQueue,
		slot: models.SlotNetworkClient,
		executeFn: func(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
			panic("nil dereference in parser")
		},
	}))

	d := newTestDispatcher(db, registry, NewNotifier(), 1)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	job := models.NewJob("job-1", task.ID, models.KindTargetQueue, models.PriorityMedium,
		models.SlotNetworkClient, models.JobInput{Target: queryTarget("a")})
	_, err := jobs.EnqueueJobs(context.Background(), task, []*models.Job{job})
	require.NoError(t, err)

	failed := waitForJobState(t, jobs, "job-1", models.JobStateFailed)
	assert.Equal(t, string(models.ErrInternalError), failed.ErrorCode)
	assert.Contains(t, failed.Error, "handler panic")
}

func TestDispatcher_UnknownKindFails(t *testing.T) {
	db, cleanup := setupQueueTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := sqlite.NewJobStorage(db, logger)
	task := createQueueTask(t, db, "task-1")

	registry := NewActionRegistry(logger)
	require.NoError(t, registry.Register(models.KindTargetQueue, &stubAction{
		kind: models.KindTargetQueue,
		slot: models.SlotNetworkClient,
	}))

	d := newTestDispatcher(db, registry, NewNotifier(), 1)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	// Same slot, no handler for the kind
	job := models.NewJob("job-1", task.ID, "bogus_kind", models.PriorityMedium,
		models.SlotNetworkClient, models.JobInput{Target: queryTarget("a")})
	_, err := jobs.EnqueueJobs(context.Background(), task, []*models.Job{job})
	require.NoError(t, err)

	failed := waitForJobState(t, jobs, "job-1", models.JobStateFailed)
	assert.Equal(t, string(models.ErrInternalError), failed.ErrorCode)
	assert.Contains(t, failed.Error, "bogus_kind")
}

func TestDispatcher_SearchQueueAliasRuns(t *testing.T) {
	db, cleanup := setupQueueTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := sqlite.NewJobStorage(db, logger)
	task := createQueueTask(t, db, "task-1")

	handler := &stubAction{kind: models.KindTargetQueue, slot: models.SlotNetworkClient}
	registry := NewActionRegistry(logger)
	require.NoError(t, registry.Register(models.KindTargetQueue, handler))
	require.NoError(t, registry.Register(models.KindSearchQueue, handler))

	d := newTestDispatcher(db, registry, NewNotifier(), 1)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	// Rows written under the historical kind still execute
	job := models.NewJob("job-legacy", task.ID, models.KindSearchQueue, models.PriorityMedium,
		models.SlotNetworkClient, models.JobInput{Target: queryTarget("legacy row")})
	_, err := jobs.EnqueueJobs(context.Background(), task, []*models.Job{job})
	require.NoError(t, err)

	waitForJobState(t, jobs, "job-legacy", models.JobStateCompleted)
}

func TestDispatcher_CancellationInterruptsRunning(t *testing.T) {
	db, cleanup := setupQueueTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := sqlite.NewJobStorage(db, logger)
	task := createQueueTask(t, db, "task-1")

	registry := NewActionRegistry(logger)
	require.NoError(t, registry.Register(models.KindTargetQueue, &stubAction{
		kind: models.KindTargetQueue,
		slot: models.SlotNetworkClient,
		executeFn: func(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
			// Cooperative handler: blocks until cancelled
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	d := newTestDispatcher(db, registry, NewNotifier(), 1)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	job := models.NewJob("job-1", task.ID, models.KindTargetQueue, models.PriorityMedium,
		models.SlotNetworkClient, models.JobInput{Target: queryTarget("a")})
	_, err := jobs.EnqueueJobs(context.Background(), task, []*models.Job{job})
	require.NoError(t, err)

	waitForJobState(t, jobs, "job-1", models.JobStateRunning)

	// The durable flag alone must reach the worker via the cancel watcher
	signalled, err := jobs.RequestCancelRunning(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, signalled)

	cancelled := waitForJobState(t, jobs, "job-1", models.JobStateCancelled)
	assert.NotNil(t, cancelled.FinishedAt)
}

func TestDispatcher_ImmediateCancelThroughService(t *testing.T) {
	db, cleanup := setupQueueTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	tasks := sqlite.NewTaskStorage(db, logger)
	jobs := sqlite.NewJobStorage(db, logger)
	task := createQueueTask(t, db, "task-1")

	registry := NewActionRegistry(logger)
	require.NoError(t, registry.Register(models.KindTargetQueue, &stubAction{
		kind: models.KindTargetQueue,
		slot: models.SlotNetworkClient,
		executeFn: func(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	notifier := NewNotifier()
	d := newTestDispatcher(db, registry, notifier, 1)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	svc := NewService(tasks, jobs, registry, d, nil, notifier, logger)

	// One job runs and blocks, the second stays queued behind the single worker
	outcome, err := svc.EnqueueTargets(context.Background(), task.ID,
		[]models.Target{queryTarget("first"), queryTarget("second")}, "medium")
	require.NoError(t, err)
	require.Len(t, outcome.QueuedIDs, 2)

	waitForJobState(t, jobs, outcome.QueuedIDs[0], models.JobStateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := svc.Cancel(ctx, task.ID, CancelAll)
	require.NoError(t, err)
	assert.Equal(t, 1, result.QueuedCancelled)
	assert.Equal(t, 1, result.RunningSignalled)

	// Nothing is left running once Cancel returns
	counts, err := jobs.CountJobsByState(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.JobStateRunning])
	assert.Equal(t, 0, counts[models.JobStateQueued])
	assert.Equal(t, 2, counts[models.JobStateCancelled])
}

func TestDispatcher_StartRequiresHandlers(t *testing.T) {
	db, cleanup := setupQueueTestDB(t)
	defer cleanup()

	d := newTestDispatcher(db, NewActionRegistry(arbor.NewLogger()), NewNotifier(), 1)
	err := d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no action handlers")
}
