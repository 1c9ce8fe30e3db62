package models

import (
	"time"
)

// JobState represents the lifecycle state of a queued job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal returns true once a job can no longer change state
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// CanTransitionTo enforces the legal job state graph:
// queued -> running -> {completed, failed, cancelled} and queued -> cancelled.
func (s JobState) CanTransitionTo(next JobState) bool {
	switch s {
	case JobStateQueued:
		return next == JobStateRunning || next == JobStateCancelled
	case JobStateRunning:
		return next == JobStateCompleted || next == JobStateFailed || next == JobStateCancelled
	default:
		return false
	}
}

// Job kinds understood by the action registry
const (
	// KindTargetQueue is the canonical target-execution kind
	KindTargetQueue = "target_queue"
	// KindSearchQueue is the historical name; kept runnable as an alias
	KindSearchQueue = "search_queue"
)

// SlotNetworkClient is the default concurrency class for network-bound work
const SlotNetworkClient = "network_client"

// Priority values; lower dispatches earlier
const (
	PriorityHigh   = 10
	PriorityMedium = 50
	PriorityLow    = 90
)

// ParsePriority maps the public priority strings onto integers.
// An empty string selects medium. Anything else is INVALID_PARAMS.
func ParsePriority(priority string) (int, error) {
	switch priority {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, InvalidParams("invalid priority %q: must be high, medium or low", priority)
	}
}

// JobInput is the payload persisted as input_json
type JobInput struct {
	Target  Target                 `json:"target"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// Job is a single unit of queued work belonging to exactly one task
type Job struct {
	ID              string     `json:"job_id"`
	TaskID          string     `json:"task_id"`
	Kind            string     `json:"kind"`
	Priority        int        `json:"priority"`
	Slot            string     `json:"slot"`
	State           JobState   `json:"state"`
	DedupKey        string     `json:"dedup_key"`
	Input           JobInput   `json:"input"`
	Result          string     `json:"result,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	QueuedAt        time.Time  `json:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a queued job for a validated target
func NewJob(id, taskID, kind string, priority int, slot string, input JobInput) *Job {
	return &Job{
		ID:       id,
		TaskID:   taskID,
		Kind:     kind,
		Priority: priority,
		Slot:     slot,
		State:    JobStateQueued,
		DedupKey: input.Target.DedupKey(taskID),
		Input:    input,
		QueuedAt: time.Now().UTC(),
	}
}

// GetOptionString reads a string option, tolerating absent maps
func (i *JobInput) GetOptionString(key, defaultValue string) string {
	if i.Options == nil {
		return defaultValue
	}
	if v, ok := i.Options[key].(string); ok {
		return v
	}
	return defaultValue
}

// GetOptionInt reads an int option. JSON round-trips deliver float64,
// so both numeric shapes are accepted.
func (i *JobInput) GetOptionInt(key string, defaultValue int) int {
	if i.Options == nil {
		return defaultValue
	}
	switch v := i.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return defaultValue
	}
}

// GetOptionBool reads a bool option
func (i *JobInput) GetOptionBool(key string, defaultValue bool) bool {
	if i.Options == nil {
		return defaultValue
	}
	if v, ok := i.Options[key].(bool); ok {
		return v
	}
	return defaultValue
}
