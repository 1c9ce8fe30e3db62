package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/services/tools"
)

// Tool payloads are small JSON objects; anything past this is a caller bug
const maxToolPayload = 1 << 20

// ToolsHandler exposes the tool router over plain HTTP with the same
// envelope contract as the MCP surface
type ToolsHandler struct {
	router *tools.Router
	logger arbor.ILogger
}

func NewToolsHandler(router *tools.Router, logger arbor.ILogger) *ToolsHandler {
	return &ToolsHandler{
		router: router,
		logger: logger,
	}
}

// ListToolsHandler handles GET /api/tools
func (h *ToolsHandler) ListToolsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tools": h.router.Tools(),
	})
}

// CallToolHandler handles POST /api/tools/{name}. The body is the tool's
// argument object; the response is the envelope verbatim, with the
// transport status mirroring the envelope's error code.
func (h *ToolsHandler) CallToolHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/tools/")
	if name == "" || strings.Contains(name, "/") {
		WriteError(w, http.StatusNotFound, "tool name missing from path")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxToolPayload))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	envelope := h.router.Call(r.Context(), name, body)
	WriteJSON(w, statusForEnvelope(envelope), envelope)
}

// statusForEnvelope maps envelope error codes onto transport status
// codes. The envelope stays authoritative; the status is a convenience
// for plain HTTP callers.
func statusForEnvelope(envelope map[string]interface{}) int {
	if ok, _ := envelope["ok"].(bool); ok {
		return http.StatusOK
	}

	code, _ := envelope["error_code"].(string)
	switch models.ErrorCode(code) {
	case models.ErrInvalidParams:
		return http.StatusBadRequest
	case models.ErrTaskNotFound:
		return http.StatusNotFound
	case models.ErrInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}
