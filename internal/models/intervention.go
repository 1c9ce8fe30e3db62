package models

import (
	"time"
)

// InterventionStatus tracks a human-in-the-loop request through resolution
type InterventionStatus string

const (
	InterventionPending  InterventionStatus = "pending"
	InterventionResolved InterventionStatus = "resolved"
	InterventionSkipped  InterventionStatus = "skipped"
)

// InterventionItem is a queued human-authentication request raised by an
// action handler when a fetch hits a login wall, captcha or paywall
type InterventionItem struct {
	QueueID    string             `json:"queue_id"`
	TaskID     string             `json:"task_id"`
	URL        string             `json:"url"`
	Domain     string             `json:"domain"`
	AuthType   string             `json:"auth_type"`
	Priority   string             `json:"priority"`
	Status     InterventionStatus `json:"status"`
	Success    *bool              `json:"success,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
}

// NewInterventionItem creates a pending intervention request
func NewInterventionItem(queueID, taskID, url, domain, authType, priority string) *InterventionItem {
	if priority == "" {
		priority = "medium"
	}
	return &InterventionItem{
		QueueID:   queueID,
		TaskID:    taskID,
		URL:       url,
		Domain:    domain,
		AuthType:  authType,
		Priority:  priority,
		Status:    InterventionPending,
		CreatedAt: time.Now().UTC(),
	}
}
