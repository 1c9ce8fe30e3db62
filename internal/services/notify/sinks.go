package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/models"
)

// WebhookSink POSTs each notification as JSON to a configured endpoint
type WebhookSink struct {
	url        string
	httpClient *http.Client
	logger     arbor.ILogger
}

func NewWebhookSink(url string, timeout time.Duration, logger arbor.ILogger) *WebhookSink {
	return &WebhookSink{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, notification *models.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call notification sink: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification sink returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// LogSink writes notifications to the process log. It stands in when no
// webhook endpoint is configured, so the outbox still empties.
type LogSink struct {
	logger arbor.ILogger
}

func NewLogSink(logger arbor.ILogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, notification *models.Notification) error {
	logEvent := s.logger.Info().
		Str("notification_id", notification.ID).
		Str("event", string(notification.Event))

	if notification.TaskID != "" {
		logEvent = logEvent.Str("task_id", notification.TaskID)
	}
	if notification.Prompt != "" {
		logEvent = logEvent.Str("prompt", notification.Prompt)
	}

	logEvent.Msg("User notification")
	return nil
}
