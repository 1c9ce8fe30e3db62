package models

import (
	"time"
)

// NotificationEvent classifies outbound user notifications
type NotificationEvent string

const (
	NotifyAuthRequired NotificationEvent = "auth_required"
	NotifyTaskProgress NotificationEvent = "task_progress"
	NotifyTaskComplete NotificationEvent = "task_complete"
	NotifyError        NotificationEvent = "error"
	NotifyInfo         NotificationEvent = "info"
)

// ValidNotificationEvent reports whether the event name is known
func ValidNotificationEvent(e NotificationEvent) bool {
	switch e {
	case NotifyAuthRequired, NotifyTaskProgress, NotifyTaskComplete, NotifyError, NotifyInfo:
		return true
	}
	return false
}

// Notification is one outbox message headed for the external sink.
// Delivery is best-effort; the tool call that produced it never blocks
// on the sink.
type Notification struct {
	ID        string                 `json:"id"`
	Event     NotificationEvent      `json:"event"`
	TaskID    string                 `json:"task_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Prompt    string                 `json:"prompt,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// SerpResult is one organic result returned by the search provider
type SerpResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Engine  string `json:"engine,omitempty"`
}
