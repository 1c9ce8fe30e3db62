package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/indago/internal/schemas"
)

// SchemasHandler serves the embedded tool schemas for introspection
type SchemasHandler struct {
	registry *schemas.Registry
}

func NewSchemasHandler(registry *schemas.Registry) *SchemasHandler {
	return &SchemasHandler{registry: registry}
}

// ListSchemasHandler handles GET /api/schemas
func (h *SchemasHandler) ListSchemasHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tools":          h.registry.Tools(),
		"error_envelope": "error",
	})
}

// GetSchemaHandler handles GET /api/schemas/{tool}. The name "error"
// serves the shared failure envelope schema.
func (h *SchemasHandler) GetSchemaHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/schemas/")
	raw, ok := h.registry.Raw(name)
	if !ok {
		WriteError(w, http.StatusNotFound, "no schema named "+name)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}
