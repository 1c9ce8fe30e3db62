package scheduler

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/queue"
	"github.com/ternarybob/indago/internal/state"
)

// Maintenance bundles the dependencies of the recurring cleanup jobs
type Maintenance struct {
	State         *state.Manager
	Notifier      *queue.Notifier
	Jobs          interfaces.JobStorage
	Interventions interfaces.InterventionStorage
	Calibration   interfaces.CalibrationStorage
	Config        *common.Config
	Logger        arbor.ILogger
}

// Register wires the four maintenance jobs onto the scheduler: idle-state
// eviction, stale-job failure and the two retention prunes.
func (m *Maintenance) Register(s *Service) error {
	evictAfter := m.Config.State.EvictAfterDuration()
	staleAfter := m.Config.Queue.StaleAfterDuration()
	retention := m.Config.Scheduler.RetentionDuration()

	jobs := []struct {
		name        string
		schedule    string
		description string
		handler     func(context.Context) error
	}{
		{
			name:        "evict_idle_state",
			schedule:    m.Config.Scheduler.EvictionSchedule,
			description: "Drop in-memory exploration state for idle tasks",
			handler: func(ctx context.Context) error {
				evicted := m.State.EvictIdle(evictAfter)
				for _, taskID := range evicted {
					// Waiter channels go with the cached state
					m.Notifier.Forget(taskID)
				}
				if len(evicted) > 0 {
					m.Logger.Info().Int("evicted", len(evicted)).Msg("Idle task state evicted")
				}
				return nil
			},
		},
		{
			name:        "fail_stale_jobs",
			schedule:    m.Config.Scheduler.StaleJobSchedule,
			description: "Fail running jobs abandoned by dead workers",
			handler: func(ctx context.Context) error {
				failed, err := m.Jobs.FailStaleRunning(ctx, staleAfter)
				if err != nil {
					return err
				}
				if failed > 0 {
					m.Logger.Warn().Int("failed", failed).Msg("Stale running jobs failed")
				}
				return nil
			},
		},
		{
			name:        "prune_interventions",
			schedule:    m.Config.Scheduler.PruneSchedule,
			description: "Delete resolved intervention items past retention",
			handler: func(ctx context.Context) error {
				pruned, err := m.Interventions.PruneResolved(ctx, retention)
				if err != nil {
					return err
				}
				if pruned > 0 {
					m.Logger.Info().Int("pruned", pruned).Msg("Resolved intervention items pruned")
				}
				return nil
			},
		},
		{
			name:        "prune_calibration",
			schedule:    m.Config.Scheduler.PruneSchedule,
			description: "Delete calibration evaluations past retention",
			handler: func(ctx context.Context) error {
				pruned, err := m.Calibration.PruneEvaluations(ctx, retention)
				if err != nil {
					return err
				}
				if pruned > 0 {
					m.Logger.Info().Int("pruned", pruned).Msg("Old calibration evaluations pruned")
				}
				return nil
			},
		},
	}

	for _, job := range jobs {
		if err := s.RegisterJob(job.name, job.schedule, job.description, job.handler); err != nil {
			return err
		}
	}
	return nil
}
