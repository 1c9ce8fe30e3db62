package events

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		var jobID, errorCode, status string
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			if id, ok := payload["job_id"].(string); ok {
				jobID = id
			}
			if code, ok := payload["error_code"].(string); ok {
				errorCode = code
			}
			if s, ok := payload["status"].(string); ok {
				status = s
			}
		}

		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if event.TaskID != "" {
			logEvent = logEvent.Str("task_id", event.TaskID)
		}
		if jobID != "" {
			logEvent = logEvent.Str("job_id", jobID)
		}
		if errorCode != "" {
			logEvent = logEvent.Str("error_code", errorCode)
		}
		if status != "" {
			logEvent = logEvent.Str("status", status)
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents attaches the logging handler to the full stream
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	return eventService.SubscribeAll(NewLoggerSubscriber(logger))
}
