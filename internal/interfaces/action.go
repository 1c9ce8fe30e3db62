package interfaces

import (
	"context"

	"github.com/ternarybob/indago/internal/models"
)

// ActionHandler executes one job kind. The dispatcher resolves the handler
// from the registry, runs Execute under the job's cancellation context, and
// persists the returned result on the job row. Handlers write pages,
// fragments, claims and edges through storage themselves.
//
// Execute must honor ctx cancellation between external I/O operations and
// return a *models.TaskError for classified failures; anything else is
// recorded as INTERNAL_ERROR with a correlation ID.
type ActionHandler interface {
	// Kind is the job kind this handler serves
	Kind() string

	// Slot names the concurrency class jobs of this kind run in
	Slot() string

	Execute(ctx context.Context, job *models.Job) (map[string]interface{}, error)
}

// ChangeNotifier wakes long-poll waiters when a task's observable state
// changes. Wait returns a channel that is closed on the next change; each
// change closes the previous channel and installs a fresh one.
type ChangeNotifier interface {
	Notify(taskID string)
	// NotifyAll wakes the waiters of every task, for changes that are not
	// scoped to a single task such as domain rule edits
	NotifyAll()
	Wait(taskID string) <-chan struct{}
}
