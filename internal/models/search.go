package models

import (
	"time"
)

// SearchStatus classifies how far a sub-search has progressed
type SearchStatus string

const (
	SearchStatusPending   SearchStatus = "pending"
	SearchStatusPartial   SearchStatus = "partial"
	SearchStatusSatisfied SearchStatus = "satisfied"
	SearchStatusExhausted SearchStatus = "exhausted"
)

// Search is the per-subquery progress record. The internal field is Text;
// the public status envelope surfaces it as "query". Rows are persisted so
// exploration state can be rehydrated after eviction or restart.
type Search struct {
	ID                 string       `json:"search_id"`
	TaskID             string       `json:"task_id"`
	Text               string       `json:"text"`
	Status             SearchStatus `json:"status"`
	PagesFetched       int          `json:"pages_fetched"`
	FragmentsKept      int          `json:"fragments_kept"`
	IndependentSources int          `json:"independent_sources"`
	PrimarySource      bool         `json:"primary_source"`
	Satisfaction       float64      `json:"satisfaction"`
	HarvestRate        float64      `json:"harvest_rate"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// NewSearch creates a pending sub-search for a task
func NewSearch(id, taskID, text string) *Search {
	now := time.Now().UTC()
	return &Search{
		ID:        id,
		TaskID:    taskID,
		Text:      text,
		Status:    SearchStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
