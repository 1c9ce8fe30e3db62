package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a research task
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusExploring TaskStatus = "exploring"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal returns true for states with no outgoing transitions
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo reports whether the status graph permits the move.
// created -> exploring, exploring <-> paused, and any non-terminal state
// may terminate. Terminal states are final.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	switch next {
	case TaskStatusExploring:
		return s == TaskStatusCreated || s == TaskStatusPaused
	case TaskStatusPaused:
		return s == TaskStatusExploring
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Budget is the per-task resource ceiling
type Budget struct {
	Pages      int `json:"budget_pages"`
	MaxSeconds int `json:"max_seconds"`
}

// Task is a user-initiated research investigation owning all its jobs,
// pages, fragments and claims. Tasks are never deleted; terminal tasks
// remain readable.
type Task struct {
	ID         string     `json:"task_id"`
	Query      string     `json:"query"`
	Status     TaskStatus `json:"status"`
	Budget     Budget     `json:"budget"`
	StopReason string     `json:"stop_reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewTask creates a task in the created state with the given budget
func NewTask(id, query string, budget Budget) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		Query:     query,
		Status:    TaskStatusCreated,
		Budget:    budget,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
