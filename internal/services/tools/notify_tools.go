package tools

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/services/notify"
)

const defaultWaitTimeoutSeconds = 300

// NotifyTools implements notify_user and wait_for_user. Both write to
// the notification outbox and return immediately; neither ever fails a
// tool call because the delivery channel is down.
type NotifyTools struct {
	notify *notify.Service
	logger arbor.ILogger
}

func NewNotifyTools(notifySvc *notify.Service, logger arbor.ILogger) *NotifyTools {
	return &NotifyTools{notify: notifySvc, logger: logger}
}

type notifyUserRequest struct {
	Event   string                 `json:"event"`
	TaskID  string                 `json:"task_id"`
	Payload map[string]interface{} `json:"payload"`
}

func (t *NotifyTools) NotifyUser(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req notifyUserRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	notification := &models.Notification{
		ID:      common.NewNotificationID(),
		Event:   models.NotificationEvent(req.Event),
		TaskID:  req.TaskID,
		Payload: req.Payload,
	}

	result := map[string]interface{}{
		"event":           req.Event,
		"notification_id": notification.ID,
		"queued":          true,
	}

	if err := t.notify.Enqueue(ctx, notification); err != nil {
		if taskErr, ok := models.AsTaskError(err); ok && taskErr.Code == models.ErrInvalidParams {
			return nil, taskErr
		}
		// Best-effort contract: an outbox failure is reported, not raised
		t.logger.Warn().Err(err).Str("event", req.Event).Msg("Failed to enqueue notification")
		result["queued"] = false
		result["diagnostic"] = "notification could not be queued; it was not delivered"
		return result, nil
	}

	if !t.notify.DeliveryEnabled() {
		result["diagnostic"] = "no delivery sink configured; notification was logged locally"
	}
	return result, nil
}

type waitForUserRequest struct {
	Prompt         string                 `json:"prompt"`
	TaskID         string                 `json:"task_id"`
	TimeoutSeconds float64                `json:"timeout_seconds"`
	Options        map[string]interface{} `json:"options"`
}

// WaitForUser records that the agent is blocked on a human and returns
// immediately. The agent polls get_auth_queue or get_status afterwards;
// this call never holds the connection open for the human.
func (t *NotifyTools) WaitForUser(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req waitForUserRequest
	if err := decode(args, &req); err != nil {
		return nil, err
	}

	timeout := int(req.TimeoutSeconds)
	if timeout <= 0 {
		timeout = defaultWaitTimeoutSeconds
	}

	payload := map[string]interface{}{"timeout_seconds": timeout}
	if len(req.Options) > 0 {
		payload["options"] = req.Options
	}

	notification := &models.Notification{
		ID:      common.NewNotificationID(),
		Event:   models.NotifyAuthRequired,
		TaskID:  req.TaskID,
		Payload: payload,
		Prompt:  req.Prompt,
	}

	if err := t.notify.Enqueue(ctx, notification); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to enqueue wait prompt")
	}

	return map[string]interface{}{
		"status":          "notification_sent",
		"notification_id": notification.ID,
		"prompt":          req.Prompt,
		"timeout_seconds": timeout,
	}, nil
}
