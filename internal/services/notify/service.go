package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"maragu.dev/goqite"
)

const defaultQueueName = "indago_notifications"

// Service is the notification outbox. Tool calls enqueue; a pump goroutine
// drains the queue through the sink. Delivery is best-effort: a failing sink
// leaves the message for redelivery and never surfaces to the caller.
type Service struct {
	queue           *goqite.Queue
	sink            interfaces.NotificationSink
	deliveryEnabled bool
	config          *common.NotifyConfig
	logger          arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewService prepares the outbox tables and wraps the queue. A nil sink means
// no external endpoint is configured; the outbox still records and the pump
// empties it into the process log, but DeliveryEnabled reports false so tool
// responses can carry the diagnostic.
func NewService(db *sql.DB, sink interfaces.NotificationSink, config *common.NotifyConfig, logger arbor.ILogger) (*Service, error) {
	setupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := goqite.Setup(setupCtx, db); err != nil {
		// Expected on every startup after the first
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to set up notification outbox: %w", err)
		}
	}

	queueName := config.QueueName
	if queueName == "" {
		queueName = defaultQueueName
	}

	queue := goqite.New(goqite.NewOpts{
		DB:         db,
		Name:       queueName,
		MaxReceive: config.MaxReceive,
		Timeout:    config.RedeliverAfterDuration(),
	})

	deliveryEnabled := sink != nil
	if sink == nil {
		sink = NewLogSink(logger)
	}

	svcCtx, svcCancel := context.WithCancel(context.Background())
	return &Service{
		queue:           queue,
		sink:            sink,
		deliveryEnabled: deliveryEnabled,
		config:          config,
		logger:          logger,
		ctx:             svcCtx,
		cancel:          svcCancel,
	}, nil
}

// DeliveryEnabled reports whether an external sink is configured
func (s *Service) DeliveryEnabled() bool {
	return s.deliveryEnabled
}

// Enqueue records a notification in the outbox. The pump picks it up on its
// next pass; the caller returns as soon as the outbox write commits.
func (s *Service) Enqueue(ctx context.Context, notification *models.Notification) error {
	if notification.ID == "" {
		notification.ID = common.NewNotificationID()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	if !models.ValidNotificationEvent(notification.Event) {
		return models.InvalidParams("unknown notification event %q", notification.Event)
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	if err := s.queue.Send(ctx, goqite.Message{Body: body}); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	s.logger.Debug().
		Str("notification_id", notification.ID).
		Str("event", string(notification.Event)).
		Bool("delivery_enabled", s.deliveryEnabled).
		Msg("Notification enqueued")

	return nil
}

// Start launches the delivery pump
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("notification service already started")
	}
	s.started = true

	s.wg.Add(1)
	go s.pump()

	s.logger.Info().
		Str("poll_interval", s.config.PollIntervalDuration().String()).
		Bool("delivery_enabled", s.deliveryEnabled).
		Msg("Notification pump started")

	return nil
}

// Stop halts the pump and flushes whatever the outbox still holds, bounded
// by the caller's context
func (s *Service) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("notification pump drain interrupted: %w", ctx.Err())
	}

	if flushed := s.drain(ctx); flushed > 0 {
		s.logger.Info().Int("count", flushed).Msg("Outbox flushed on shutdown")
	}
	return nil
}

func (s *Service) pump() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.drain(s.ctx)
		}
	}
}

// drain delivers queued notifications until the outbox is empty, the context
// ends, or a delivery fails. Returns the number delivered.
func (s *Service) drain(ctx context.Context) int {
	delivered := 0
	for {
		if ctx.Err() != nil {
			return delivered
		}

		msg, err := s.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Outbox receive failed")
			}
			return delivered
		}
		if msg == nil {
			return delivered
		}

		var notification models.Notification
		if err := json.Unmarshal(msg.Body, &notification); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping undecodable outbox message")
			if err := s.queue.Delete(ctx, msg.ID); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to delete outbox message")
			}
			continue
		}

		deliverCtx, cancel := context.WithTimeout(ctx, s.config.TimeoutDuration())
		err = s.sink.Deliver(deliverCtx, &notification)
		cancel()
		if err != nil {
			// Left in the queue; visibility timeout redelivers up to max_receive
			s.logger.Warn().
				Err(err).
				Str("notification_id", notification.ID).
				Str("event", string(notification.Event)).
				Msg("Notification delivery failed")
			return delivered
		}

		if err := s.queue.Delete(ctx, msg.ID); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete delivered outbox message")
			return delivered
		}

		delivered++
		s.logger.Debug().
			Str("notification_id", notification.ID).
			Str("event", string(notification.Event)).
			Msg("Notification delivered")
	}
}
