package models

import (
	"time"
)

// StatusEnvelope is the public status view composed by the status service.
// Field names here are the wire contract; the output schema mirrors them.
type StatusEnvelope struct {
	OK             bool             `json:"ok"`
	TaskID         string           `json:"task_id"`
	Status         string           `json:"status"`
	Query          string           `json:"query"`
	Searches       []SearchView     `json:"searches"`
	Metrics        StatusMetrics    `json:"metrics"`
	Budget         BudgetStatus     `json:"budget"`
	AuthQueue      *AuthQueueStatus `json:"auth_queue,omitempty"`
	Warnings       []string         `json:"warnings"`
	BlockedDomains []string         `json:"blocked_domains"`
	IdleSeconds    float64          `json:"idle_seconds"`
	Progress       ProgressStatus   `json:"progress"`
	QueueItems     []QueueItemView  `json:"queue_items,omitempty"` // detail=full only
}

// SearchView is the public projection of a sub-search. The internal
// Search.Text surfaces here as Query; keeping that mapping stable is a
// tested property.
type SearchView struct {
	SearchID           string  `json:"search_id"`
	Query              string  `json:"query"`
	Status             string  `json:"status"`
	PagesFetched       int     `json:"pages_fetched"`
	FragmentsKept      int     `json:"fragments_kept"`
	IndependentSources int     `json:"independent_sources"`
	PrimarySource      bool    `json:"primary_source"`
	Satisfaction       float64 `json:"satisfaction"`
	HarvestRate        float64 `json:"harvest_rate"`
}

// StatusMetrics aggregates progress counters. TotalSearches always equals
// the sum of the four per-status counters.
type StatusMetrics struct {
	SatisfiedCount int     `json:"satisfied_count"`
	PartialCount   int     `json:"partial_count"`
	PendingCount   int     `json:"pending_count"`
	ExhaustedCount int     `json:"exhausted_count"`
	TotalSearches  int     `json:"total_searches"`
	TotalPages     int     `json:"total_pages"`
	TotalFragments int     `json:"total_fragments"`
	TotalClaims    int     `json:"total_claims"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// BudgetStatus reports budget consumption
type BudgetStatus struct {
	PagesUsed        int     `json:"pages_used"`
	PagesLimit       int     `json:"pages_limit"`
	TimeUsedSeconds  float64 `json:"time_used_seconds"`
	TimeLimitSeconds int     `json:"time_limit_seconds"`
	RemainingPercent float64 `json:"remaining_percent"`
}

// AuthQueueStatus summarises pending intervention items for the task
type AuthQueueStatus struct {
	Pending int `json:"pending"`
}

// ProgressStatus carries queue-level progress
type ProgressStatus struct {
	Queue QueueProgress `json:"queue"`
}

// QueueProgress counts jobs by live state
type QueueProgress struct {
	Depth   int `json:"depth"`
	Running int `json:"running"`
}

// QueueItemView is the per-job entry included in detail=full responses
type QueueItemView struct {
	JobID    string    `json:"job_id"`
	Kind     string    `json:"kind"`
	Target   string    `json:"target"`
	Priority int       `json:"priority"`
	State    string    `json:"state"`
	QueuedAt time.Time `json:"queued_at"`
}
