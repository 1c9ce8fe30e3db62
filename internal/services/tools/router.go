package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/schemas"
)

// Handler executes one tool call. Arguments arrive schema-validated; the
// returned map is the success payload without the ok field.
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Router is the single entry point for tool calls from every transport.
// It validates arguments against the tool's schema, invokes the handler,
// and always returns an envelope: {ok:true, ...} or the failure shape
// {ok:false, error_code, error, details?, error_id?}. Handler panics and
// untyped errors become INTERNAL_ERROR with a fresh correlation ID that
// is also written to the log.
type Router struct {
	schemas  *schemas.Registry
	handlers map[string]Handler
	logger   arbor.ILogger
}

func NewRouter(registry *schemas.Registry, logger arbor.ILogger) *Router {
	return &Router{
		schemas:  registry,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds a handler to a tool name. The name must have a schema;
// binding an unknown name is a wiring bug surfaced at startup.
func (r *Router) Register(tool string, handler Handler) error {
	if !r.schemas.Has(tool) {
		return fmt.Errorf("no schema registered for tool %s", tool)
	}
	if _, exists := r.handlers[tool]; exists {
		return fmt.Errorf("handler already registered for tool %s", tool)
	}
	r.handlers[tool] = handler
	return nil
}

// Tools returns the registered tool names in stable order
func (r *Router) Tools() []string {
	names := make([]string, 0, len(r.handlers))
	for _, name := range r.schemas.Tools() {
		if _, ok := r.handlers[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Schema returns the raw schema document for introspection endpoints
func (r *Router) Schema(tool string) (json.RawMessage, bool) {
	return r.schemas.Raw(tool)
}

// Describe returns a tool's description and bare input schema, the
// projection tool listings serve
func (r *Router) Describe(tool string) (string, json.RawMessage, bool) {
	return r.schemas.Describe(tool)
}

// Call runs one tool call end to end and never returns an error; every
// outcome is an envelope the transport can serialize as-is.
func (r *Router) Call(ctx context.Context, tool string, args json.RawMessage) map[string]interface{} {
	handler, ok := r.handlers[tool]
	if !ok {
		return models.InvalidParams("unknown tool %q", tool).
			WithDetails(map[string]interface{}{"known_tools": r.Tools()}).
			Envelope()
	}

	payload, err := decodeArgs(args)
	if err != nil {
		return models.InvalidParams("arguments for %s must be a JSON object: %s", tool, err).Envelope()
	}

	if err := r.schemas.ValidateInput(tool, payload); err != nil {
		return r.failure(tool, err)
	}

	result, err := r.invoke(ctx, tool, handler, payload)
	if err != nil {
		return r.failure(tool, err)
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	result["ok"] = true
	return result
}

// invoke runs the handler with panic containment
func (r *Router) invoke(ctx context.Context, tool string, handler Handler, args map[string]interface{}) (result map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			errID := common.NewErrorID()
			r.logger.Error().
				Str("error_id", errID).
				Str("tool", tool).
				Str("panic", fmt.Sprintf("%v", rec)).
				Msg("Tool handler panicked")
			result = nil
			err = models.InternalError(errID, "internal error in %s", tool)
		}
	}()
	return handler(ctx, args)
}

// failure converts any handler error into the failure envelope. Typed
// errors keep their code; anything else is an internal error, and every
// internal error leaves a log line carrying its correlation ID.
func (r *Router) failure(tool string, err error) map[string]interface{} {
	taskErr, ok := models.AsTaskError(err)
	if !ok {
		errID := common.NewErrorID()
		r.logger.Error().
			Str("error_id", errID).
			Str("tool", tool).
			Err(err).
			Msg("Tool call failed unexpectedly")
		return models.InternalError(errID, "internal error in %s", tool).Envelope()
	}

	if taskErr.Code == models.ErrInternalError {
		if taskErr.ErrID == "" {
			taskErr.ErrID = common.NewErrorID()
		}
		r.logger.Error().
			Str("error_id", taskErr.ErrID).
			Str("tool", tool).
			Err(err).
			Msg("Tool call failed")
	} else {
		r.logger.Debug().
			Str("tool", tool).
			Str("code", string(taskErr.Code)).
			Str("error", taskErr.Message).
			Msg("Tool call rejected")
	}
	return taskErr.Envelope()
}

func decodeArgs(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return payload, nil
}

// decode maps validated arguments onto a typed request struct
func decode(args map[string]interface{}, into interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return models.InvalidParams("arguments are not serializable: %s", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return models.InvalidParams("malformed arguments: %s", err)
	}
	return nil
}

// asMap flattens a typed response onto the envelope shape
func asMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to reshape response: %w", err)
	}
	return out, nil
}
