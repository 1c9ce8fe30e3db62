package interfaces

import (
	"context"
	"time"
)

// JobStatus is the reported state of one scheduled maintenance job
type JobStatus struct {
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	IsRunning   bool       `json:"is_running"`
	LastError   string     `json:"last_error,omitempty"`
}

// SchedulerService runs the recurring maintenance jobs: idle-state
// eviction, stale-job failure and retention pruning
type SchedulerService interface {
	// Start begins executing registered jobs on their schedules
	Start() error

	// Stop halts scheduling and waits for a running job to finish
	Stop() error

	// IsRunning reports whether the scheduler is active
	IsRunning() bool

	// RegisterJob adds a job with its own cron schedule
	RegisterJob(name, schedule, description string, handler func(context.Context) error) error

	// TriggerJob runs a job immediately, outside its schedule
	TriggerJob(name string) error

	// EnableJob resumes a disabled job
	EnableJob(name string) error

	// DisableJob stops future scheduled runs of a job
	DisableJob(name string) error

	// GetJobStatus returns one job's bookkeeping
	GetJobStatus(name string) (*JobStatus, error)

	// GetAllJobStatuses returns the bookkeeping for every registered job
	GetAllJobStatuses() map[string]*JobStatus
}
