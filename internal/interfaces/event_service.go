package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskStatusChanged EventType = "task_status_changed"
	EventJobEnqueued       EventType = "job_enqueued"
	EventJobStarted        EventType = "job_started"
	EventJobCompleted      EventType = "job_completed"
	EventJobFailed         EventType = "job_failed"
	EventJobCancelled      EventType = "job_cancelled"
	EventSearchProgress    EventType = "search_progress"
	EventAuthRequired      EventType = "auth_required"
	EventDomainBlocked     EventType = "domain_blocked"
	EventNotification      EventType = "notification"
)

// Event represents a system event
type Event struct {
	Type    EventType
	TaskID  string
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for every event type
	SubscribeAll(handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
