package queue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
)

// ActionRegistry maps job kinds to the handlers that execute them. Handlers
// are registered during startup; the dispatcher resolves one on every claim.
// A handler may be registered under more than one kind, which is how the
// historical "search_queue" kind stays runnable as an alias of "target_queue".
type ActionRegistry struct {
	handlers map[string]interfaces.ActionHandler
	logger   arbor.ILogger
	mu       sync.RWMutex
}

// NewActionRegistry creates an empty action registry
func NewActionRegistry(logger arbor.ILogger) *ActionRegistry {
	return &ActionRegistry{
		handlers: make(map[string]interfaces.ActionHandler),
		logger:   logger,
	}
}

// Register binds a job kind to its handler
func (r *ActionRegistry) Register(kind string, handler interfaces.ActionHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == "" {
		return fmt.Errorf("job kind cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for kind %s", kind)
	}

	r.handlers[kind] = handler

	if r.logger != nil {
		r.logger.Debug().
			Str("kind", kind).
			Str("slot", handler.Slot()).
			Msg("Action handler registered")
	}

	return nil
}

// Resolve returns the handler registered for a job kind
func (r *ActionRegistry) Resolve(kind string) (interfaces.ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %s", kind)
	}
	return handler, nil
}

// SlotFor returns the concurrency slot a kind dispatches into, falling back
// to the default network slot when the kind has no handler yet
func (r *ActionRegistry) SlotFor(kind string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if handler, ok := r.handlers[kind]; ok {
		return handler.Slot()
	}
	return defaultSlot
}

// Kinds returns all registered job kinds sorted alphabetically
func (r *ActionRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
