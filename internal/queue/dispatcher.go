package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// defaultSlot is where jobs land when their kind has no registered handler yet
const defaultSlot = models.SlotNetworkClient

// cancelCheckInterval is how often a running job re-reads its cancel flag.
// Kept as a field default so tests can tighten it.
const cancelCheckInterval = 500 * time.Millisecond

// Dispatcher runs one worker pool per concurrency slot. Workers claim queued
// jobs in priority order, resolve the kind to a registered handler, and drive
// the job to a terminal state. Running jobs are tracked so task-level
// cancellation can interrupt them immediately.
type Dispatcher struct {
	jobs     interfaces.JobStorage
	registry *ActionRegistry
	events   interfaces.EventService
	notifier interfaces.ChangeNotifier
	logger   arbor.ILogger

	pollInterval time.Duration
	cancelCheck  time.Duration
	slots        map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*runningJob
	started bool
}

// runningJob is a live run-table entry for one claimed job
type runningJob struct {
	taskID  string
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// NewDispatcher creates a dispatcher for the configured slot pools
func NewDispatcher(jobs interfaces.JobStorage, registry *ActionRegistry, events interfaces.EventService, notifier interfaces.ChangeNotifier, config *common.QueueConfig, logger arbor.ILogger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	slots := make(map[string]int)
	for slot, count := range config.Slots {
		if count > 0 {
			slots[slot] = count
		}
	}
	if len(slots) == 0 {
		slots[defaultSlot] = 1
	}

	return &Dispatcher{
		jobs:         jobs,
		registry:     registry,
		events:       events,
		notifier:     notifier,
		logger:       logger,
		pollInterval: config.PollIntervalDuration(),
		cancelCheck:  cancelCheckInterval,
		slots:        slots,
		ctx:          ctx,
		cancel:       cancel,
		running:      make(map[string]*runningJob),
	}
}

// Start launches the slot worker pools
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	d.mu.Unlock()

	if len(d.registry.Kinds()) == 0 {
		return fmt.Errorf("no action handlers registered")
	}

	total := 0
	for slot, count := range d.slots {
		for i := 0; i < count; i++ {
			d.wg.Add(1)
			go d.worker(slot, i, count)
		}
		total += count
	}

	d.logger.Info().
		Int("workers", total).
		Int("slots", len(d.slots)).
		Str("poll_interval", d.pollInterval.String()).
		Msg("Dispatcher started")

	return nil
}

// Stop cancels all workers and waits for them to exit. Running handlers
// observe the context and return; their jobs stay in the store as running
// and are swept by the stale-job recovery on the next startup.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain interrupted: %w", ctx.Err())
	}
}

// AbortTask interrupts every running job belonging to the task. Returns the
// number of jobs signalled. The workers observe the cancelled context and
// commit the cancelled state themselves.
func (d *Dispatcher) AbortTask(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	aborted := 0
	for _, rj := range d.running {
		if rj.taskID == taskID {
			rj.aborted.Store(true)
			rj.cancel()
			aborted++
		}
	}
	return aborted
}

// RunningCount reports the size of the live run table
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// worker is a single slot worker loop. Starts are staggered across the poll
// interval to spread claim contention on the shared database.
func (d *Dispatcher) worker(slot string, workerID, slotWorkers int) {
	defer d.wg.Done()

	stagger := (d.pollInterval / time.Duration(slotWorkers)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-d.ctx.Done():
			return
		}
	}

	d.logger.Debug().
		Str("slot", slot).
		Int("worker_id", workerID).
		Msg("Worker started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debug().
				Str("slot", slot).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// Drain the slot before going back to sleep
			for d.claimAndRun(slot, workerID) {
				if d.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// claimAndRun claims the next queued job for the slot and executes it.
// Returns false when the slot is empty.
func (d *Dispatcher) claimAndRun(slot string, workerID int) bool {
	job, err := d.jobs.ClaimNext(d.ctx, slot)
	if err != nil {
		if errors.Is(err, models.ErrNoJob) || d.ctx.Err() != nil {
			return false
		}
		// SQLITE_BUSY resolves on the next poll under claim contention
		if !strings.Contains(err.Error(), "database is locked") && !strings.Contains(err.Error(), "SQLITE_BUSY") {
			d.logger.Warn().
				Err(err).
				Str("slot", slot).
				Int("worker_id", workerID).
				Msg("Job claim failed")
		}
		return false
	}

	d.execute(job, workerID)
	return true
}

// execute drives one claimed job to a terminal state
func (d *Dispatcher) execute(job *models.Job, workerID int) {
	jobCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()

	rj := &runningJob{taskID: job.TaskID, cancel: cancel}
	d.track(job.ID, rj)
	defer d.untrack(job.ID)

	go d.watchCancel(jobCtx, job.ID, rj)

	d.logger.Debug().
		Str("job_id", job.ID).
		Str("task_id", job.TaskID).
		Str("kind", job.Kind).
		Int("worker_id", workerID).
		Msg("Job started")

	d.publish(interfaces.EventJobStarted, job.TaskID, map[string]interface{}{
		"job_id": job.ID,
		"kind":   job.Kind,
	})
	d.notifier.Notify(job.TaskID)

	handler, err := d.registry.Resolve(job.Kind)
	if err != nil {
		errID := common.NewErrorID()
		d.logger.Error().
			Str("error_id", errID).
			Str("job_id", job.ID).
			Str("kind", job.Kind).
			Msg("No handler for claimed job kind")
		d.finishFailed(job, string(models.ErrInternalError), fmt.Sprintf("no handler for kind %s (%s)", job.Kind, errID))
		return
	}

	started := time.Now()
	output, execErr := d.runHandler(jobCtx, handler, job)
	duration := time.Since(started)

	switch {
	case execErr == nil:
		resultJSON, marshalErr := json.Marshal(output)
		if marshalErr != nil {
			errID := common.NewErrorID()
			d.logger.Error().
				Str("error_id", errID).
				Str("job_id", job.ID).
				Err(marshalErr).
				Msg("Job result not serialisable")
			d.finishFailed(job, string(models.ErrInternalError), fmt.Sprintf("result encoding failed (%s)", errID))
			return
		}
		// Fresh context so a shutdown cannot lose the terminal write
		if err := d.jobs.CompleteJob(context.Background(), job.ID, string(resultJSON)); err != nil {
			d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job completion")
		}
		d.logger.Debug().
			Str("job_id", job.ID).
			Str("task_id", job.TaskID).
			Dur("duration", duration).
			Msg("Job completed")
		d.publish(interfaces.EventJobCompleted, job.TaskID, map[string]interface{}{
			"job_id": job.ID,
			"kind":   job.Kind,
		})
		d.notifier.Notify(job.TaskID)

	case jobCtx.Err() != nil && rj.aborted.Load():
		// Task-level cancellation interrupted the handler
		if err := d.jobs.CancelRunning(context.Background(), job.ID); err != nil {
			d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job cancellation")
		}
		d.logger.Debug().
			Str("job_id", job.ID).
			Str("task_id", job.TaskID).
			Msg("Job cancelled")
		d.publish(interfaces.EventJobCancelled, job.TaskID, map[string]interface{}{
			"job_id": job.ID,
			"kind":   job.Kind,
		})
		d.notifier.Notify(job.TaskID)

	case jobCtx.Err() != nil:
		// Process shutdown. The row stays running; stale recovery sweeps it.
		d.logger.Warn().
			Str("job_id", job.ID).
			Str("task_id", job.TaskID).
			Msg("Job interrupted by shutdown")

	default:
		code, message := classifyError(execErr)
		if code == string(models.ErrInternalError) {
			errID := common.NewErrorID()
			d.logger.Error().
				Str("error_id", errID).
				Str("job_id", job.ID).
				Str("task_id", job.TaskID).
				Err(execErr).
				Msg("Job handler failed")
			message = fmt.Sprintf("%s (%s)", message, errID)
		} else {
			d.logger.Debug().
				Str("job_id", job.ID).
				Str("task_id", job.TaskID).
				Str("error_code", code).
				Str("error", message).
				Msg("Job failed")
		}
		d.finishFailed(job, code, message)
	}
}

// runHandler executes the handler with panic containment
func (d *Dispatcher) runHandler(ctx context.Context, handler interfaces.ActionHandler, job *models.Job) (output map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Execute(ctx, job)
}

// watchCancel polls the durable cancel flag while the job runs and cancels
// the job context once a cancellation request lands
func (d *Dispatcher) watchCancel(ctx context.Context, jobID string, rj *runningJob) {
	ticker := time.NewTicker(d.cancelCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := d.jobs.IsCancelRequested(ctx, jobID)
			if err != nil {
				continue
			}
			if requested {
				rj.aborted.Store(true)
				rj.cancel()
				return
			}
		}
	}
}

// finishFailed commits the failed state and publishes the event
func (d *Dispatcher) finishFailed(job *models.Job, code, message string) {
	if err := d.jobs.FailJob(context.Background(), job.ID, code, message); err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
	}
	d.publish(interfaces.EventJobFailed, job.TaskID, map[string]interface{}{
		"job_id":     job.ID,
		"kind":       job.Kind,
		"error_code": code,
		"error":      message,
	})
	d.notifier.Notify(job.TaskID)
}

// classifyError maps a handler error onto the taxonomy. Structured task
// errors keep their code; anything else is internal.
func classifyError(err error) (code, message string) {
	var taskErr *models.TaskError
	if errors.As(err, &taskErr) {
		return string(taskErr.Code), taskErr.Message
	}
	return string(models.ErrInternalError), err.Error()
}

func (d *Dispatcher) track(jobID string, rj *runningJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[jobID] = rj
}

func (d *Dispatcher) untrack(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, jobID)
}

func (d *Dispatcher) publish(eventType interfaces.EventType, taskID string, payload map[string]interface{}) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		TaskID:  taskID,
		Payload: payload,
	}); err != nil {
		d.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Event publish failed")
	}
}
