package interfaces

import (
	"context"

	"github.com/ternarybob/indago/internal/models"
)

// NotificationSink delivers notifications to the outside world. The core
// treats delivery as best-effort: a failing sink is retried by the outbox
// pump, never surfaced to the tool caller.
type NotificationSink interface {
	Deliver(ctx context.Context, notification *models.Notification) error
}

// SearchProvider is the external SERP collaborator consulted for query
// targets. Implementations wrap whatever engine the deployment uses.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]models.SerpResult, error)
}
