package schemas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/models"
)

// ToolNames lists every tool the registry carries a schema for, in
// registration order. The error envelope schema is loaded separately.
var ToolNames = []string{
	"create_task",
	"queue_targets",
	"queue_reference_candidates",
	"get_status",
	"stop_task",
	"get_materials",
	"calibration_metrics",
	"calibration_rollback",
	"get_auth_queue",
	"resolve_auth",
	"notify_user",
	"wait_for_user",
	"feedback",
}

const errorSchemaName = "error"

// Registry holds the compiled input/output schemas for every tool.
// Schemas are compiled once at startup; validation failures at load
// time are fatal rather than deferred to the first call.
type Registry struct {
	logger  arbor.ILogger
	raw     map[string]json.RawMessage
	inputs  map[string]*jsonschema.Schema
	outputs map[string]*jsonschema.Schema
	errSch  *jsonschema.Schema
}

// NewRegistry loads and compiles all tool schemas. When overrideDir is
// non-empty, a {tool}.json file in that directory replaces the embedded
// copy for that tool only.
func NewRegistry(logger arbor.ILogger, overrideDir string) (*Registry, error) {
	if logger == nil {
		return nil, fmt.Errorf("schema registry requires a logger")
	}

	r := &Registry{
		logger:  logger,
		raw:     make(map[string]json.RawMessage),
		inputs:  make(map[string]*jsonschema.Schema),
		outputs: make(map[string]*jsonschema.Schema),
	}

	compiler := jsonschema.NewCompiler()

	names := append(append([]string{}, ToolNames...), errorSchemaName)
	for _, name := range names {
		data, source, err := loadSchemaBytes(name, overrideDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("schema %s is not valid JSON: %w", name, err)
		}

		resource := name + ".json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("failed to register schema %s: %w", name, err)
		}

		r.raw[name] = json.RawMessage(data)
		logger.Debug().
			Str("schema", name).
			Str("source", source).
			Msg("Schema loaded")
	}

	for _, name := range ToolNames {
		input, err := compiler.Compile(name + ".json#/input")
		if err != nil {
			return nil, fmt.Errorf("failed to compile input schema for %s: %w", name, err)
		}
		r.inputs[name] = input

		output, err := compiler.Compile(name + ".json#/output")
		if err != nil {
			return nil, fmt.Errorf("failed to compile output schema for %s: %w", name, err)
		}
		r.outputs[name] = output
	}

	errSch, err := compiler.Compile(errorSchemaName + ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile error envelope schema: %w", err)
	}
	r.errSch = errSch

	logger.Info().
		Int("tools", len(ToolNames)).
		Msg("Schema registry initialized")

	return r, nil
}

func loadSchemaBytes(name, overrideDir string) ([]byte, string, error) {
	if overrideDir != "" {
		path := filepath.Join(overrideDir, name+".json")
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		} else if !os.IsNotExist(err) {
			return nil, "", err
		}
	}
	data, err := GetSchema(name + ".json")
	if err != nil {
		return nil, "", err
	}
	return data, "embedded", nil
}

// Tools returns the known tool names in stable order.
func (r *Registry) Tools() []string {
	names := make([]string, len(ToolNames))
	copy(names, ToolNames)
	sort.Strings(names)
	return names
}

// Has reports whether a schema is registered for the tool.
func (r *Registry) Has(tool string) bool {
	_, ok := r.inputs[tool]
	return ok
}

// Raw returns the full schema document for a tool, for introspection
// endpoints. The error envelope is available under the name "error".
func (r *Registry) Raw(name string) (json.RawMessage, bool) {
	raw, ok := r.raw[name]
	return raw, ok
}

// Describe projects a tool's description and bare input schema out of
// the full document, the shape tool listings want.
func (r *Registry) Describe(tool string) (string, json.RawMessage, bool) {
	raw, ok := r.raw[tool]
	if !ok {
		return "", nil, false
	}

	var doc struct {
		Description string          `json:"description"`
		Input       json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, false
	}
	return doc.Description, doc.Input, true
}

// ValidateInput checks a decoded payload against the tool's input
// schema. Violations come back as INVALID_PARAMS so callers can return
// the envelope directly.
func (r *Registry) ValidateInput(tool string, payload interface{}) error {
	schema, ok := r.inputs[tool]
	if !ok {
		return models.InvalidParams("unknown tool: %s", tool)
	}
	if err := schema.Validate(payload); err != nil {
		return models.InvalidParams("%s", validationMessage(tool, err)).
			WithDetails(validationDetails(err))
	}
	return nil
}

// ValidateOutput checks a success payload against the tool's output
// schema. Used by tests and by the router in strict mode.
func (r *Registry) ValidateOutput(tool string, payload interface{}) error {
	schema, ok := r.outputs[tool]
	if !ok {
		return fmt.Errorf("no output schema for tool %s", tool)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("output for %s violates schema: %w", tool, err)
	}
	return nil
}

// ValidateError checks a failure envelope against the shared error
// schema.
func (r *Registry) ValidateError(payload interface{}) error {
	if err := r.errSch.Validate(payload); err != nil {
		return fmt.Errorf("error envelope violates schema: %w", err)
	}
	return nil
}

func validationMessage(tool string, err error) string {
	msg := strings.ReplaceAll(err.Error(), "\n", "; ")
	return fmt.Sprintf("invalid parameters for %s: %s", tool, msg)
}

func validationDetails(err error) map[string]interface{} {
	details := map[string]interface{}{
		"validation": err.Error(),
	}
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := leafCause(ve)
		if loc := pointerPath(leaf.InstanceLocation); loc != "" {
			details["field"] = loc
		}
	}
	return details
}

func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

func pointerPath(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	path := ""
	for _, seg := range segments {
		if path != "" {
			path += "."
		}
		path += seg
	}
	return path
}
